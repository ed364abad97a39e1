package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"photcal/internal/fsutil"
	"photcal/internal/photometry"
)

// Calibrator turns one measurement into a calibrated result.
type Calibrator interface {
	Calibrate(m photometry.Measurement) (photometry.Result, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	calc  Calibrator
	limit int
	load  func(path string) ([]photometry.Measurement, error)
}

// NewProcessor returns the Processor that calibrates jobs with calc, at
// most limit measurements at a time.
func NewProcessor(calc Calibrator, limit int, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:   logger,
		calc:  calc,
		limit: limit,
		load:  LoadInput,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobBatch:
		return r.handleBatch(ctx, job, job.Measurements)
	case JobFile:
		ms, err := r.load(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		return r.handleBatch(ctx, job, ms)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleBatch(ctx context.Context, job Job, ms []photometry.Measurement) Result {
	limit := r.limit
	if n, ok := job.Options["workers"].(int); ok && n > 0 {
		limit = n
	}
	outs := CalibrateAll(ctx, r.calc, ms, limit)
	for _, o := range outs {
		if o.Err != nil {
			r.log.Debug("measurement failed", "job", job.ID, "index", o.Index, "survey", o.Survey, "filter", o.Filter, "error", o.Err)
		}
	}
	return Result{Job: job, Outcomes: outs, Error: ctx.Err(), Meta: Summarize(outs)}
}

// CalibrateAll calibrates ms concurrently, at most limit at a time (no
// bound when limit < 1). Outcomes keep the input order. Once ctx is done
// the remaining measurements are not calibrated and carry ctx's error.
func CalibrateAll(ctx context.Context, calc Calibrator, ms []photometry.Measurement, limit int) []Outcome {
	outs := make([]Outcome, len(ms))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, m := range ms {
		outs[i] = Outcome{Index: i, ID: m.ID, Survey: m.Survey, Filter: m.Filter}
		if err := gctx.Err(); err != nil {
			outs[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outs[i].Err = err
				return nil
			}
			outs[i].Result, outs[i].Err = calc.Calibrate(m)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// Summarize counts the outcomes of a job.
func Summarize(outs []Outcome) map[string]any {
	failed, nonFinite := 0, 0
	surveys := map[string]int{}
	for _, o := range outs {
		surveys[o.Survey]++
		switch {
		case o.Err != nil:
			failed++
		case !o.Result.Finite():
			nonFinite++
		}
	}
	return map[string]any{
		"total":      len(outs),
		"succeeded":  len(outs) - failed,
		"failed":     failed,
		"non_finite": nonFinite,
		"surveys":    surveys,
	}
}

// LoadInput reads measurements from a file, or from every measurement file
// under a directory.
func LoadInput(path string) ([]photometry.Measurement, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return fsutil.LoadMeasurements(path)
	}
	files, err := fsutil.ListMeasurementFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no measurement files found", path)
	}
	var all []photometry.Measurement
	for _, f := range files {
		ms, err := fsutil.LoadMeasurements(f)
		if err != nil {
			return nil, err
		}
		all = append(all, ms...)
	}
	return all, nil
}
