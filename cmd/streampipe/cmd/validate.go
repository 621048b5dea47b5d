package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pulto/streampipe/internal/common"
	"github.com/pulto/streampipe/internal/streampipe/chunker"
	"github.com/pulto/streampipe/internal/streampipe/configuration"
	"github.com/pulto/streampipe/internal/streampipe/registry"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Checks the configuration and prints the configured streams",
		PreRun: func(_ *cobra.Command, _ []string) {
			common.ConfigureCommandLineLogging()
		},
		RunE: validateConfig,
	}
	return cmd
}

func validateConfig(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := checkPipeline(config); err != nil {
		log.Error(err)
		return err
	}
	printStreams(config)
	log.Info("Configuration is valid")
	return nil
}

// checkPipeline runs the checks the pipeline applies on start that struct validation can't express.
func checkPipeline(config configuration.Configuration) error {
	var result *multierror.Error
	if err := chunker.ValidateChunkSizes(config.Pipeline.ChunkSizes); err != nil {
		result = multierror.Append(result, err)
	}
	if err := registry.ValidateConfigs(config.Streams); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func printStreams(config configuration.Configuration) {
	w := tabwriter.NewWriter(os.Stdout, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tFREQUENCY\tCAPACITY")
	for _, s := range config.Streams {
		fmt.Fprintf(w, "%s\t%s\t%gHz\t%d\n", s.Id, s.Category, s.FrequencyHz, s.BufferCapacity)
	}
	_ = w.Flush()
}
