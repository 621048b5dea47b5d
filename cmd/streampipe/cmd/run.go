package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulto/streampipe/internal/streampipe"
)

const durationFlag = "duration"

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline on synthetic data",
		RunE:  runPipeline,
	}
	cmd.Flags().Duration(durationFlag, 0, "Stop after this long. Zero runs until interrupted.")
	return cmd
}

func runPipeline(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return streampipe.Run(config, viper.GetDuration(durationFlag))
}
