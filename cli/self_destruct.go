package main

import (
	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/cloud/aliyun"
	"github.com/gammadia/spotforge/metadata"
	"github.com/gammadia/spotforge/selfdestruct"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var selfDestructCmd = &cobra.Command{
	Use:   "self-destruct",
	Short: "Delete the machine this runs on once its work is done",
	Long: "Runs inside a provisioned machine: waits for the completion marker, leaves a grace period " +
		"for the image capture to start, then deletes the machine with the role attached to it.",
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		invoker := &aliyun.CLIInvoker{Logger: log.Base}

		supervisor := selfdestruct.New(selfdestruct.Config{
			Marker:       viper.GetString(flags.Marker),
			PollInterval: viper.GetDuration(flags.PollInterval),
			MaxWait:      viper.GetDuration(flags.MaxWait),
			GracePeriod:  viper.GetDuration(flags.GracePeriod),
			CallTimeout:  viper.GetDuration(flags.CallTimeout),
			Logger:       log.Base,
		},
			metadata.NewClient(metadata.Config{Endpoint: viper.GetString(flags.MetadataURL), Logger: log.Base}),
			invoker,
			func(region string) (selfdestruct.Machines, error) {
				return aliyun.New(aliyun.Config{Region: region, Invoker: invoker, Logger: log.Base})
			},
		)

		return supervisor.Run(cmd.Context())
	},
}

func init() {
	selfDestructCmd.Flags().String(flags.Marker, bootscript.DefaultMarker, "file written once the machine finished its work")
	selfDestructCmd.Flags().Duration(flags.PollInterval, selfdestruct.DefaultPollInterval, "how often to look for the marker")
	selfDestructCmd.Flags().Duration(flags.MaxWait, selfdestruct.DefaultMaxWait, "how long to wait for the marker before deleting anyway")
	selfDestructCmd.Flags().Duration(flags.GracePeriod, selfdestruct.DefaultGracePeriod, "wait between the marker and the deletion")
	selfDestructCmd.Flags().String(flags.MetadataURL, metadata.DefaultEndpoint, "machine metadata service")
}
