package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"photcal/internal/apcorr"
	"photcal/internal/config"
	"photcal/internal/header"
	"photcal/internal/photometry"
	"photcal/internal/pipeline"
	"photcal/internal/storage"
	"photcal/internal/survey"
	"photcal/internal/uncertainty"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0-dev"

// Root wires CLI commands to the calibration engine and pipeline.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	registry *survey.Registry
	pipeline *pipeline.Pipeline
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, reg *survey.Registry, pl *pipeline.Pipeline) *Root {
	return &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		registry: reg,
		pipeline: pl,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
}

// Engine is the calibration stack built from a configuration.
type Engine struct {
	Registry   *survey.Registry
	Calculator *photometry.Calculator
}

// NewEngine loads the survey registry and reference tables named by cfg.
// Empty paths select the configuration compiled into the binary.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var opts []survey.Option
	if cfg.Calibration.PixelScaleFallback {
		opts = append(opts, survey.WithPixelScaleFallback(logger))
	}

	var (
		reg *survey.Registry
		err error
	)
	if cfg.Paths.SurveyConfig != "" {
		path, perr := config.ExpandUser(cfg.Paths.SurveyConfig)
		if perr != nil {
			return nil, perr
		}
		reg, err = survey.LoadFile(path, opts...)
	} else {
		reg, err = survey.LoadDefault(opts...)
	}
	if err != nil {
		return nil, err
	}

	refDir, err := config.ExpandUser(cfg.Paths.ReferenceDir)
	if err != nil {
		return nil, err
	}
	apc := apcorr.NewDirResolver(refDir, apcorr.WithStep(cfg.Calibration.ApertureGridStep))
	calc := photometry.NewCalculator(reg, uncertainty.NewEngine(apc), apc, photometry.WithLogger(logger))
	return &Engine{Registry: reg, Calculator: calc}, nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

// parseAssignments turns KEY=VALUE pairs into header entries. Values that
// parse as numbers or booleans keep that type.
func parseAssignments(pairs []string) (header.Metadata, error) {
	md := header.Metadata{}
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("header assignment %q is not KEY=VALUE", p)
		}
		val = strings.TrimSpace(val)
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			md[key] = i
		} else if f, err := strconv.ParseFloat(val, 64); err == nil {
			md[key] = f
		} else if b, err := strconv.ParseBool(val); err == nil {
			md[key] = b
		} else {
			md[key] = val
		}
	}
	return md, nil
}

// Output formats.
const (
	formatTable    = "table"
	formatMarkdown = "markdown"
	formatJSON     = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatMarkdown, formatJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, formatTable, formatMarkdown, formatJSON)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func render(t table.Writer, format string) {
	if format == formatMarkdown {
		t.RenderMarkdown()
		return
	}
	t.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func num(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// printOutcomes renders calibrated measurements.
func printOutcomes(w io.Writer, outs []pipeline.Outcome, format string) error {
	if format == formatJSON {
		return writeJSON(w, outs)
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "ID", "Survey", "Filter", "Mag", "Mag err", "Flux", "Flux err", "ZP", "Error"})
	failed := 0
	for _, o := range outs {
		if o.Err != nil {
			failed++
			t.AppendRow(table.Row{o.Index, o.ID, o.Survey, o.Filter, "-", "-", "-", "-", "-", o.Err.Error()})
			continue
		}
		r := o.Result
		t.AppendRow(table.Row{o.Index, o.ID, o.Survey, o.Filter,
			num(r.Magnitude, 4), num(r.MagnitudeErr, 4), num(r.Flux, 4), num(r.FluxErr, 4), num(r.ZeroPoint, 3), ""})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "failed", fmt.Sprintf("%d/%d", failed, len(outs))})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
		{Number: 10, WidthMax: 60},
	})
	render(t, format)
	return nil
}

func printSurveys(w io.Writer, reg *survey.Registry, format string) error {
	names := reg.Surveys()
	if format == formatJSON {
		descs := make([]map[string]any, 0, len(names))
		for _, name := range names {
			d, err := reg.Lookup(name)
			if err != nil {
				return err
			}
			descs = append(descs, describe(d))
		}
		return writeJSON(w, descs)
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Survey", "Filters", "Zero point", "Pixel scale (\")"})
	for _, name := range names {
		d, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{d.Name, filterList(d), zeroPointText(d), joinFloats(d.PixelScales)})
	}
	render(t, format)
	return nil
}

func describe(d survey.Descriptor) map[string]any {
	m := map[string]any{
		"name":         d.Name,
		"filters":      d.Filters,
		"pixel_scales": d.PixelScales,
	}
	if d.ZeroPoint.FromHeader {
		m["zero_point_keyword"] = photometry.ZeroPointKeyword
	} else {
		m["zero_points"] = d.ZeroPoint.Values
	}
	return m
}

func filterList(d survey.Descriptor) string {
	if d.FilterSpecified() {
		return "(caller specified)"
	}
	return strings.Join(d.Filters, ",")
}

func zeroPointText(d survey.Descriptor) string {
	if d.ZeroPoint.FromHeader {
		return "header " + photometry.ZeroPointKeyword
	}
	parts := make([]string, 0, len(d.Filters))
	for _, f := range d.Filters {
		parts = append(parts, fmt.Sprintf("%s=%s", f, num(d.ZeroPoint.Values[f], 3)))
	}
	return strings.Join(parts, " ")
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func printRuns(w io.Writer, runs []storage.RunRecord, format string) error {
	if format == formatJSON {
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		return writeJSON(w, runs)
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Type", "Status", "Input", "Created", "Duration", "Error"})
	for _, r := range runs {
		dur := ""
		if r.StartedAt != nil && r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(*r.StartedAt).String()
		}
		t.AppendRow(table.Row{r.ID, r.JobType, r.Status, r.InputPath, r.CreatedAt.Local().Format(time.DateTime), dur, r.Error})
	}
	render(t, format)
	return nil
}
