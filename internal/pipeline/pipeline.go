package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"photcal/internal/logging"
	"photcal/internal/photometry"
	"photcal/internal/storage"
)

// JobType enumerates supported calibration requests.
type JobType string

const (
	// JobBatch calibrates the measurements carried by the job.
	JobBatch JobType = "batch"
	// JobFile loads measurements from a file or directory first.
	JobFile JobType = "file"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single calibration request.
type Job struct {
	ID           string
	Type         JobType
	InputPath    string
	Measurements []photometry.Measurement
	Options      map[string]any
}

// Outcome is the calibration of one measurement of a job. Err is set when
// that measurement failed; the rest of the job is unaffected.
type Outcome struct {
	Index  int
	ID     string
	Survey string
	Filter string
	Result photometry.Result
	Err    error
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		Index  int                `json:"index"`
		ID     string             `json:"id,omitempty"`
		Survey string             `json:"survey"`
		Filter string             `json:"filter"`
		Result *photometry.Result `json:"result,omitempty"`
		Error  string             `json:"error,omitempty"`
	}{Index: o.Index, ID: o.ID, Survey: o.Survey, Filter: o.Filter}
	if o.Err != nil {
		out.Error = o.Err.Error()
	} else {
		out.Result = &o.Result
	}
	return json.Marshal(out)
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Outcomes []Outcome
	Error    error
	Meta     map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logging.Component(logger, "pipeline"),
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OptionsJSON: string(optsJSON),
	}); err != nil {
		p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
	}
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Run processes job on the calling goroutine. The run is recorded and
// broadcast exactly like a queued job.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	p.recordQueued(job)
	return p.execute(ctx, job)
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, job)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Options)

	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordResults(resultRecords(job.ID, res.Outcomes)); err != nil {
			p.log.Warn("failed to record results", "id", job.ID, "error", err)
		}
		_ = p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error))
	}

	p.broadcast(res)
	return res
}

func resultRecords(runID string, outs []Outcome) []storage.ResultRecord {
	recs := make([]storage.ResultRecord, len(outs))
	for i, o := range outs {
		recs[i] = storage.ResultRecord{
			RunID:         runID,
			Index:         o.Index,
			MeasurementID: o.ID,
			Survey:        o.Survey,
			Filter:        o.Filter,
			Magnitude:     o.Result.Magnitude,
			MagnitudeErr:  o.Result.MagnitudeErr,
			Flux:          o.Result.Flux,
			FluxErr:       o.Result.FluxErr,
			ZeroPoint:     o.Result.ZeroPoint,
			Error:         errString(o.Err),
		}
	}
	return recs
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
