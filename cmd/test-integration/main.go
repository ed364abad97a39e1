package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"photcal/internal/cli"
	"photcal/internal/config"
	"photcal/internal/logging"
	"photcal/internal/pipeline"
	"photcal/internal/storage"
	"photcal/internal/watch"
)

const sample = `[
  {"id": "host-g", "survey": "LegacySurvey", "filter": "g", "flux": 1523.4, "flux_err": 12.1, "aperture_area": 78.5},
  {"id": "host-r", "survey": "LegacySurvey", "filter": "r", "flux": 2210.8, "flux_err": 14.3, "aperture_area": 78.5},
  {"id": "host-W1", "survey": "unWISE", "filter": "W1", "flux": 830.2, "flux_err": 20.5},
  {"id": "bad", "survey": "SDSS", "filter": "W1", "flux": 1}
]`

func main() {
	fmt.Println("Testing watcher + pipeline + run history")

	dir, err := os.MkdirTemp("", "photcal-integration")
	if err != nil {
		log.Fatal("Failed to create temp dir:", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(filepath.Join(dir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	logger := logging.New("info", "text")
	engine, err := cli.NewEngine(cfg, logger)
	if err != nil {
		log.Fatal("Failed to build calibration engine:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pipe := pipeline.New(ctx, 2, logger, store, pipeline.NewProcessor(engine.Calculator, 4, logger))
	defer pipe.Stop()
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	incoming := filepath.Join(dir, "incoming")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		log.Fatal("Failed to create watch dir:", err)
	}
	w, err := watch.New([]string{incoming}, pipe, logger, watch.WithSettle(200*time.Millisecond))
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Println("watcher stopped:", err)
		}
	}()

	// give the watcher time to register the directory
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(incoming, "host.json"), []byte(sample), 0o644); err != nil {
		log.Fatal("Failed to write measurements:", err)
	}
	fmt.Println("Wrote", filepath.Join(incoming, "host.json"))

	select {
	case <-ctx.Done():
		log.Fatal("No run finished before the deadline")
	case res := <-results:
		if res.Error != nil {
			log.Fatal("Run failed:", res.Error)
		}
		fmt.Printf("Run %s finished:\n", res.Job.ID)
		for _, o := range res.Outcomes {
			if o.Err != nil {
				fmt.Printf("   %-8s %-12s %-3s error: %v\n", o.ID, o.Survey, o.Filter, o.Err)
				continue
			}
			fmt.Printf("   %-8s %-12s %-3s mag %.4f +/- %.4f\n", o.ID, o.Survey, o.Filter, o.Result.Magnitude, o.Result.MagnitudeErr)
		}
		fmt.Printf("   Summary: %v\n", res.Meta)
	}

	runs, err := store.RecentRuns(5)
	if err != nil {
		log.Fatal("Failed to read run history:", err)
	}
	for _, r := range runs {
		fmt.Printf("Stored run %s (%s) status=%s\n", r.ID, r.JobType, r.Status)
	}
}
