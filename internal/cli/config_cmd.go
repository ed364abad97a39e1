package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"photcal/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate photcal configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), root.cfg)
			}
			configShow(cmd.OutOrStdout(), root.cfg)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print the effective configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.LoadFile(path); err != nil {
				return err
			}
			root.log.Info("configuration validation", "path", path, "status", "valid")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func configShow(w io.Writer, cfg *config.Config) {
	cfgPath := os.Getenv(config.EnvVar)
	if cfgPath == "" {
		cfgPath = "(default) " + config.Path()
	}
	orEmbedded := func(s string) string {
		if s == "" {
			return "(embedded)"
		}
		return s
	}
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)
	fmt.Fprintf(w, "\nProcessing:\n")
	fmt.Fprintf(w, "  Parallel jobs: %d\n", cfg.Processing.ParallelJobs)
	fmt.Fprintf(w, "\nCalibration:\n")
	fmt.Fprintf(w, "  Pixel scale fallback: %t\n", cfg.Calibration.PixelScaleFallback)
	fmt.Fprintf(w, "  Aperture grid step: %g\n", cfg.Calibration.ApertureGridStep)
	fmt.Fprintf(w, "\nPaths:\n")
	fmt.Fprintf(w, "  Database: %s\n", cfg.Paths.DatabasePath)
	fmt.Fprintf(w, "  Survey config: %s\n", orEmbedded(cfg.Paths.SurveyConfig))
	fmt.Fprintf(w, "  Reference tables: %s\n", orEmbedded(cfg.Paths.ReferenceDir))
	fmt.Fprintf(w, "  Filter curves: %s\n", cfg.Paths.FilterDir)
	fmt.Fprintf(w, "  Output: %s\n", cfg.Paths.OutputDir)
	fmt.Fprintf(w, "\nLogging:\n")
	fmt.Fprintf(w, "  Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(w, "  Format: %s\n", cfg.Logging.Format)
	fmt.Fprintf(w, "  File output: %t (%s)\n", cfg.Logging.FileOutput, cfg.Logging.LogDir)
	fmt.Fprintf(w, "\nServer:\n")
	fmt.Fprintf(w, "  Address: %s\n", cfg.Server.Addr)
}
