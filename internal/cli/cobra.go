package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"photcal/internal/config"
	"photcal/internal/fsutil"
	"photcal/internal/header"
	"photcal/internal/photometry"
	"photcal/internal/pipeline"
	"photcal/internal/server"
	"photcal/internal/storage"
	"photcal/internal/survey"
	"photcal/internal/synphot"
	"photcal/internal/watch"
)

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, reg *survey.Registry, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, reg *survey.Registry, log *slog.Logger) error {
	return server.Serve(ctx, addr, store, pipe, reg, log)
}

type watchFunc func(ctx context.Context, dirs []string, pipe *pipeline.Pipeline, log *slog.Logger) error

func defaultWatch(ctx context.Context, dirs []string, pipe *pipeline.Pipeline, log *slog.Logger) error {
	w, err := watch.New(dirs, pipe, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "photcal",
		Short: "Photcal calibrates aperture photometry across surveys",
		Long: `Photcal converts aperture fluxes measured on survey images into calibrated
magnitudes with propagated uncertainties, using each survey's zero points,
detector properties and published error model.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newSurveysCmd(root))
	rootCmd.AddCommand(newPixelScaleCmd(root))
	rootCmd.AddCommand(newIntegrateCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		m          photometry.Measurement
		headerFile string
		assigns    []string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate a single aperture measurement",
		Long: `Calibrate one measurement given on the command line. Header keywords come
from a FITS file (--header) and/or KEY=VALUE assignments (--set), which win.

Examples:
  photcal calibrate --survey PS1 --filter g --flux 1523.4 --flux-err 12.1 \
    --area 78.5 --set EXPTIME=43 --set HIERARCH\ CELL.GAIN=1.06 --set HIERARCH\ CELL.READNOISE=5.6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			md := header.Metadata{}
			if headerFile != "" {
				if !fsutil.IsHeaderFile(headerFile) {
					return fmt.Errorf("%s is not a FITS file", headerFile)
				}
				var err error
				if md, err = header.ReadFile(headerFile); err != nil {
					return err
				}
			}
			extra, err := parseAssignments(assigns)
			if err != nil {
				return err
			}
			for k, v := range extra {
				md[k] = v
			}
			m.Header = md

			res := root.pipeline.Run(cmd.Context(), pipeline.Job{
				ID:           newID("cal"),
				Type:         pipeline.JobBatch,
				Measurements: []photometry.Measurement{m},
				Options:      map[string]any{"source": "cli"},
			})
			if res.Error != nil {
				return res.Error
			}
			if err := res.Outcomes[0].Err; err != nil {
				return err
			}
			return printOutcomes(cmd.OutOrStdout(), res.Outcomes, format)
		},
	}

	cmd.Flags().StringVar(&m.ID, "id", "", "Measurement identifier")
	cmd.Flags().StringVarP(&m.Survey, "survey", "s", "", "Survey name (see 'photcal surveys')")
	cmd.Flags().StringVarP(&m.Filter, "filter", "f", "", "Filter name")
	cmd.Flags().Float64Var(&m.Flux, "flux", 0, "Aperture flux in image units")
	cmd.Flags().Float64Var(&m.FluxErr, "flux-err", 0, "Flux uncertainty")
	cmd.Flags().Float64Var(&m.ApertureArea, "area", 0, "Aperture area in pixels")
	cmd.Flags().Float64Var(&m.BackgroundRMS, "bkg-rms", 0, "Background RMS per pixel (WISE)")
	cmd.Flags().StringVar(&headerFile, "header", "", "FITS file whose primary header supplies keywords")
	cmd.Flags().StringArrayVar(&assigns, "set", nil, "Header keyword as KEY=VALUE (repeatable)")
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table, markdown, json")
	_ = cmd.MarkFlagRequired("survey")
	_ = cmd.MarkFlagRequired("filter")
	_ = cmd.MarkFlagRequired("flux")

	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		workers int
		format  string
		save    bool
	)

	cmd := &cobra.Command{
		Use:   "batch <measurements.json|directory>",
		Short: "Calibrate every measurement in a file or directory",
		Long: `Load measurements from a JSON file, or from every .json file below a
directory, and calibrate them in parallel. A failing measurement is reported
in its row and does not stop the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if !isMeasurementInput(args[0]) {
				return fmt.Errorf("%s is neither a measurement file nor a directory", args[0])
			}
			opts := map[string]any{"source": "cli"}
			if workers > 0 {
				opts["workers"] = workers
			}
			job := pipeline.Job{
				ID:        newID("batch"),
				Type:      pipeline.JobFile,
				InputPath: args[0],
				Options:   opts,
			}
			res := root.pipeline.Run(cmd.Context(), job)
			if res.Error != nil {
				return res.Error
			}
			if err := printOutcomes(cmd.OutOrStdout(), res.Outcomes, format); err != nil {
				return err
			}
			if save {
				path, err := saveOutcomes(root.cfg, job.ID, res.Outcomes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "results written to %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Measurements calibrated at once (default processing.parallel_jobs)")
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table, markdown, json")
	cmd.Flags().BoolVar(&save, "save", false, "Also write the results as JSON to paths.output_dir")

	return cmd
}

func saveOutcomes(cfg *config.Config, id string, outs []pipeline.Outcome) (string, error) {
	dir, err := config.ExpandUser(cfg.Paths.OutputDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, id+".json")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := writeJSON(f, outs); err != nil {
		return "", err
	}
	return path, f.Close()
}

func newSurveysCmd(root *Root) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "surveys [name]",
		Short: "List supported surveys and their calibration constants",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if len(args) == 1 {
				d, err := root.registry.Lookup(args[0])
				if err != nil {
					return err
				}
				if format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), describe(d))
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Survey:      %s\n", d.Name)
				fmt.Fprintf(out, "Filters:     %s\n", filterList(d))
				fmt.Fprintf(out, "Zero point:  %s\n", zeroPointText(d))
				fmt.Fprintf(out, "Pixel scale: %s arcsec/px\n", joinFloats(d.PixelScales))
				return nil
			}
			return printSurveys(cmd.OutOrStdout(), root.registry, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table, markdown, json")
	return cmd
}

func newPixelScaleCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "pixel-scale <survey> [filter]",
		Short: "Print a survey's pixel scale in arcsec/pixel",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 1 {
				filter = args[1]
			}
			scale, err := root.registry.PixelScale(args[0], filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), num(scale, 4))
			return nil
		},
	}
}

func newIntegrateCmd(root *Root) *cobra.Command {
	var (
		spectrumPath string
		curvePath    string
		surveyName   string
		filter       string
		version      string
		response     string
		filterDir    string
	)

	cmd := &cobra.Command{
		Use:   "integrate",
		Short: "Integrate a spectrum through a filter transmission curve",
		Long: `Compute the response-weighted mean flux density of a spectrum through a
filter. The filter is either a two-column file (--curve) or a survey filter
looked up below paths.filter_dir (--survey/--filter).

Examples:
  photcal integrate --spectrum sn.dat --curve g.dat
  photcal integrate --spectrum sn.dat --survey LegacySurvey --filter r --version DECam`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := synphot.ParseResponse(response)
			if err != nil {
				return err
			}
			spectrum, err := readCurveFile(spectrumPath)
			if err != nil {
				return fmt.Errorf("spectrum: %w", err)
			}

			var curve synphot.Curve
			switch {
			case curvePath != "":
				curve, err = readCurveFile(curvePath)
			case surveyName != "" && filter != "":
				dir := filterDir
				if dir == "" {
					dir = root.cfg.Paths.FilterDir
				}
				if dir, err = config.ExpandUser(dir); err != nil {
					return err
				}
				if dir == "" {
					return fmt.Errorf("no filter directory: set paths.filter_dir or --filter-dir")
				}
				curve, err = synphot.LoadCurve(os.DirFS(dir), surveyName, filter, version)
			default:
				return fmt.Errorf("either --curve or --survey and --filter are required")
			}
			if err != nil {
				return fmt.Errorf("filter curve: %w", err)
			}

			flux, err := synphot.Integrate(spectrum, curve, resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatFlux(flux))
			return nil
		},
	}

	cmd.Flags().StringVar(&spectrumPath, "spectrum", "", "Two-column spectrum file (wavelength, flux density)")
	cmd.Flags().StringVar(&curvePath, "curve", "", "Two-column filter transmission file")
	cmd.Flags().StringVarP(&surveyName, "survey", "s", "", "Survey whose filter curve to use")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Filter name")
	cmd.Flags().StringVar(&version, "version", synphot.VersionDECam, "Legacy Survey filter set: DECam or BASS+MzLS")
	cmd.Flags().StringVar(&response, "response", "photon", "Filter response type: photon or energy")
	cmd.Flags().StringVar(&filterDir, "filter-dir", "", "Filter curve directory (default paths.filter_dir)")
	_ = cmd.MarkFlagRequired("spectrum")

	return cmd
}

func readCurveFile(path string) (synphot.Curve, error) {
	f, err := os.Open(path)
	if err != nil {
		return synphot.Curve{}, err
	}
	defer f.Close()
	return synphot.ReadCurve(f)
}

func formatFlux(v float64) string {
	return fmt.Sprintf("%.6g", v)
}

func newWatchCmd(root *Root) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "watch <directory> [directory...]",
		Short: "Calibrate measurement files as they appear in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			for _, dir := range args {
				if info, err := os.Stat(dir); err != nil || !info.IsDir() {
					return fmt.Errorf("%s is not a directory", dir)
				}
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			go func() {
				for res := range results {
					if res.Error != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", res.Job.InputPath, res.Error)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", res.Job.InputPath, res.Job.ID)
					_ = printOutcomes(cmd.OutOrStdout(), res.Outcomes, format)
				}
			}()

			root.log.Info("watching for measurement files", "dirs", args)
			return root.watchFn(ctx, args, root.pipeline, root.log)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table, markdown, json")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP calibration API",
		Long: `Start an HTTP server exposing survey lookups, calibration endpoints, run
history and a websocket stream of finished runs. Directories given with
--watch are monitored for new measurement files at the same time.

Examples:
  photcal serve --addr :8080
  photcal serve --addr :8080 --watch /data/photometry/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)

			errCh := make(chan error, 1)
			if len(watchPaths) > 0 {
				go func() { errCh <- root.watchFn(ctx, watchPaths, root.pipeline, root.log) }()
			}
			if err := root.serveFn(ctx, addr, root.store, root.pipeline, root.registry, root.log); err != nil {
				return err
			}
			if len(watchPaths) > 0 {
				stop()
				return <-errCh
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	cmd.Flags().StringArrayVar(&watchPaths, "watch", nil, "Directory to watch for measurement files (repeatable)")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show recent calibration runs, or the results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if root.store == nil {
				return fmt.Errorf("run history is disabled")
			}
			if len(args) == 0 {
				runs, err := root.store.RecentRuns(limit)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs, format)
			}
			recs, err := root.store.RunResults(args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no results for run %q", args[0])
			}
			return printOutcomes(cmd.OutOrStdout(), outcomesFromRecords(recs), format)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table, markdown, json")
	return cmd
}

func outcomesFromRecords(recs []storage.ResultRecord) []pipeline.Outcome {
	outs := make([]pipeline.Outcome, len(recs))
	for i, rec := range recs {
		outs[i] = pipeline.Outcome{
			Index:  rec.Index,
			ID:     rec.MeasurementID,
			Survey: rec.Survey,
			Filter: rec.Filter,
			Result: photometry.Result{
				Magnitude:    rec.Magnitude,
				MagnitudeErr: rec.MagnitudeErr,
				Flux:         rec.Flux,
				FluxErr:      rec.FluxErr,
				ZeroPoint:    rec.ZeroPoint,
			},
		}
		if rec.Error != "" {
			outs[i].Err = storedError(rec.Error)
		}
	}
	return outs
}

// storedError is an error read back from the run history.
type storedError string

func (e storedError) Error() string { return string(e) }

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("photcal %s\n", Version)
			cmd.Printf("surveys: %d\n", len(root.registry.Surveys()))
		},
	}
}

// isMeasurementInput reports whether path can be given to the batch command.
func isMeasurementInput(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir() || fsutil.IsMeasurementFile(path)
}
