package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/config"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/logging"
)

var version = "dev"

// CLI flags
var (
	configFlag       string
	portFlag         int
	outputFormatFlag string
	backendFlag      string
	frameSkipFlag    int
)

var rootCmd = &cobra.Command{
	Use:   "skyguard",
	Short: "Aerial person detection with live annotated streaming",
	Long: `SkyGuard runs uploaded or remote aerial video through an object detector,
classifies each person as civilian or soldier, and streams annotated frames
to the browser while it works.

Examples:
  skyguard serve
  skyguard serve --port 8080 --config skyguard.yaml
  skyguard detect uploads/patrol.mp4 --frame-skip 5
  skyguard sweep`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "analyzer", "", "Analyzer backend (http or gemini)")
	rootCmd.PersistentFlags().StringVar(&outputFormatFlag, "output-format", "", "Annotated output format (mp4 or zip)")

	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (default from config, 5000)")
	detectCmd.Flags().IntVar(&frameSkipFlag, "frame-skip", 0, "Analyze every Nth frame")
	detectCmd.Flags().Bool("dry-run", false, "Use a static analyzer that reports no detections")

	rootCmd.AddCommand(serveCmd, detectCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, applies flags, and
// validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return config.Config{}, err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if backendFlag != "" {
		cfg.Analyzer.Backend = backendFlag
	}
	if outputFormatFlag != "" {
		cfg.Pipeline.OutputFormat = outputFormatFlag
	}
	if frameSkipFlag != 0 {
		cfg.Pipeline.FrameSkip = frameSkipFlag
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	log.Debug().Str("command", cmd.Name()).Str("config", configFlag).Msg("Configuration loaded")
	return cfg, nil
}
