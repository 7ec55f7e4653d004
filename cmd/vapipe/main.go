// Command vapipe checks pipeline configuration files and replays recorded detections
// through the tracker and push engine without a robot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/video-analytics/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "vapipe:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var debug bool
	logger := logging.NewLogger("vapipe")

	root := &cobra.Command{
		Use:           "vapipe",
		Short:         "Video analytics pipeline utilities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetLevel(logging.DEBUG)
			}
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	checkCmd := &cobra.Command{
		Use:     "check-config <file>",
		Short:   "Validate a yaml, json or toml pipeline config and print the effective settings",
		Example: "  vapipe check-config pipeline.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	opts := replayOptions{}
	replayCmd := &cobra.Command{
		Use:     "replay <detections.yaml>",
		Short:   "Feed recorded detections through the pipeline and print one JSON line per result",
		Example: "  vapipe replay run1.yaml --images ./frames --config pipeline.toml --metrics-addr :9090",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.detections = args[0]
			return runReplay(cmd.Context(), opts, cmd.OutOrStdout(), logger)
		},
	}
	replayCmd.Flags().StringVar(&opts.images, "images", "", "Directory of frame images, used in name order and cycled")
	replayCmd.Flags().StringVar(&opts.configPath, "config", "", "Pipeline config file (defaults are used when empty)")
	replayCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while replaying")
	replayCmd.Flags().Float64Var(&opts.fps, "fps", 0, "Frames per second to feed (0 feeds as fast as the pipeline accepts)")
	replayCmd.Flags().DurationVar(&opts.idle, "idle", defaultIdle, "How long to wait for results after the last frame")

	root.AddCommand(checkCmd, replayCmd)
	return root
}
