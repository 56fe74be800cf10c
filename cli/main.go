package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/config"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// profile is the loaded profile, empty when none was given
var profile = &config.Profile{}

var spotforgeCmd = &cobra.Command{
	Use:   "spotforge",
	Short: "spotforge provisions spot machines and rotates the images they boot from.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// must happen before viper reads the environment
		if err := config.LoadEnvFile(lo.Must(cmd.Flags().GetString(flags.EnvFile))); err != nil {
			return err
		}
		if err := flags.Bind(cmd.Flags()); err != nil {
			return err
		}

		if path := viper.GetString(flags.Profile); path != "" {
			loaded, err := config.LoadProfile(path)
			if err != nil {
				return err
			}
			for key, value := range loaded.Defaults() {
				viper.SetDefault(key, value)
			}
			profile = loaded
		}

		return log.Init()
	},
}

func init() {
	spotforgeCmd.AddCommand(buildImageCmd)
	spotforgeCmd.AddCommand(cleanupCmd)
	spotforgeCmd.AddCommand(diskSizeCmd)
	spotforgeCmd.AddCommand(lookupImageCmd)
	spotforgeCmd.AddCommand(provisionCmd)
	spotforgeCmd.AddCommand(rotateCmd)
	spotforgeCmd.AddCommand(runnerStatusCmd)
	spotforgeCmd.AddCommand(runnerTokenCmd)
	spotforgeCmd.AddCommand(selectCmd)
	spotforgeCmd.AddCommand(selfDestructCmd)
	spotforgeCmd.AddCommand(shareImageCmd)
	spotforgeCmd.AddCommand(versionCmd)
	spotforgeCmd.AddCommand(waitReadyCmd)

	persistent := spotforgeCmd.PersistentFlags()
	persistent.String(flags.EnvFile, config.DefaultEnvFile, "file to load environment variables from")
	persistent.String(flags.LogFormat, "text", "log format (json, text)")
	persistent.String(flags.LogLevel, "INFO", "minimum log level")
	persistent.Bool(flags.LogSource, false, "add source code location to logs")
	persistent.String(flags.Profile, "", "YAML profile with zone networks, disk tiers and defaults")

	persistent.String(flags.Provider, providerAliyun, "cloud provider (aliyun, openstack)")
	persistent.String(flags.Region, "", "provider region")
	persistent.Duration(flags.CallTimeout, 60*time.Second, "timeout of a single provider call")
	persistent.String(flags.Owner, "", "project owning the images (openstack)")
	persistent.StringSlice(flags.VolumeTypes, nil, "volume types usable as disk tiers (openstack)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spotforgeCmd.SetOut(os.Stdout)
	spotforgeCmd.SetErr(os.Stderr)
	if err := spotforgeCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
