package main

import (
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/provisioner"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <machine-id>",
	Short: "Delete a machine, succeeding when it is already gone",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := newProvider()
		if err != nil {
			return err
		}

		if err := newEngine(provider).Release(cmd.Context(), args[0]); err != nil {
			return err
		}
		return emit(cmd, kv("INSTANCE_ID", args[0]), kv("DELETED", true))
	},
}

var waitReadyCmd = &cobra.Command{
	Use:   "wait-ready <machine-id>",
	Short: "Wait until a machine runs",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := newProvider()
		if err != nil {
			return err
		}

		var machine cloud.Machine
		err = step("Waiting for "+args[0], func() (err error) {
			machine, err = newEngine(provider).WaitReady(cmd.Context(), args[0])
			return err
		})
		if err != nil {
			return err
		}

		return emit(cmd,
			kv("INSTANCE_ID", machine.ID),
			kv("INSTANCE_STATUS", machine.Status),
			kv("PRIVATE_IP", machine.PrivateIP),
			kv("PUBLIC_IP", machine.PublicIP),
		)
	},
}

func init() {
	waitReadyCmd.Flags().Duration(flags.ReadyTimeout, provisioner.DefaultReadyTimeout, "how long to wait for the machine to run")
}
