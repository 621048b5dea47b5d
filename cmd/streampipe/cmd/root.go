package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulto/streampipe/internal/common"
	commonconfig "github.com/pulto/streampipe/internal/common/config"
	"github.com/pulto/streampipe/internal/streampipe/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/streampipe"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "streampipe",
		SilenceUsage: true,
		Short:        "Buffers, chunks and loads real-time data streams",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			common.BindCommandlineArguments(cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		validateCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
