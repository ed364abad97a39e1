package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"photcal/internal/photometry"
	"photcal/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPipelineSubmitBroadcastsAndRecords(t *testing.T) {
	st := newStore(t)
	p := New(context.Background(), 2, nil, st, NewProcessor(&stubCalibrator{}, 2, nil))
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	job := Job{ID: "run-1", Type: JobBatch, Measurements: measurements(1, -2, 3), Options: map[string]any{"source": "test"}}
	if err := p.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case res := <-results:
		if res.Job.ID != "run-1" || len(res.Outcomes) != 3 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}

	// the broadcast happens after the store writes
	runs, err := st.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].JobType != "batch" {
		t.Fatalf("unexpected runs %+v", runs)
	}
	recs, err := st.RunResults("run-1")
	if err != nil {
		t.Fatalf("run results: %v", err)
	}
	if len(recs) != 3 || recs[1].Error == "" || recs[2].Magnitude != 3 {
		t.Fatalf("unexpected records %+v", recs)
	}
	meta, err := st.RunMeta("run-1")
	if err != nil {
		t.Fatalf("run meta: %v", err)
	}
	if meta["failed"] != float64(1) {
		t.Fatalf("expected failed=1 in meta, got %v", meta["failed"])
	}
}

func TestPipelineRunSynchronous(t *testing.T) {
	st := newStore(t)
	p := New(context.Background(), 1, nil, st, NewProcessor(&stubCalibrator{}, 1, nil))
	defer p.Stop()

	res := p.Run(context.Background(), Job{ID: "sync", Type: "bogus"})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
	runs, err := st.RecentRuns(1)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if runs[0].Status != "failed" || !strings.Contains(runs[0].Error, "unknown job type") {
		t.Fatalf("unexpected run %+v", runs[0])
	}
}

func TestPipelineWithoutStore(t *testing.T) {
	p := New(context.Background(), 1, nil, nil, NewProcessor(&stubCalibrator{}, 1, nil))
	defer p.Stop()
	res := p.Run(context.Background(), Job{ID: "nostore", Type: JobBatch, Measurements: measurements(2)})
	if res.Error != nil || res.Outcomes[0].Result.Magnitude != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	p := New(context.Background(), 1, nil, nil, NewProcessor(&stubCalibrator{}, 1, nil))
	ch, _ := p.Subscribe()
	p.Stop()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestOutcomeJSON(t *testing.T) {
	cases := []struct {
		name string
		out  Outcome
		want string
	}{
		{
			name: "success",
			out:  Outcome{Index: 0, ID: "m", Survey: "PS1", Filter: "g", Result: photometry.Result{Magnitude: 18, MagnitudeErr: 0.1, Flux: 1, FluxErr: 0.1, ZeroPoint: 25}},
			want: `{"index":0,"id":"m","survey":"PS1","filter":"g","result":{"mag":18,"mag_err":0.1,"flux":1,"flux_err":0.1,"zp":25}}`,
		},
		{
			name: "failure",
			out:  Outcome{Index: 2, Survey: "SDSS", Filter: "q", Err: errors.New("invalid filter")},
			want: `{"index":2,"survey":"SDSS","filter":"q","error":"invalid filter"}`,
		},
		{
			name: "non-finite",
			out:  Outcome{Index: 1, Survey: "WISE", Filter: "W1", Result: photometry.Result{Magnitude: math.NaN(), ZeroPoint: 20.5}},
			want: `{"index":1,"survey":"WISE","filter":"W1","result":{"mag":null,"mag_err":0,"flux":0,"flux_err":0,"zp":20.5}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.out)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, data)
			}
		})
	}
}
