package main

import (
	"errors"
	"fmt"

	"github.com/gammadia/spotforge/ci"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/cloud"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCIClient() (*ci.Client, error) {
	token, err := required(flags.GitHubToken)
	if err != nil {
		return nil, err
	}
	repository, err := required(flags.Repository)
	if err != nil {
		return nil, err
	}

	return ci.NewClient(ci.Config{
		BaseURL:    viper.GetString(flags.GitHubAPI),
		Token:      token,
		Repository: repository,
		Logger:     log.Base,
	})
}

func addCIFlags(cmd *cobra.Command) {
	cmd.Flags().String(flags.GitHubToken, "", "token allowed to administer the repository runners")
	cmd.Flags().String(flags.Repository, "", "repository as owner/name")
	cmd.Flags().String(flags.GitHubAPI, ci.DefaultBaseURL, "CI platform API URL")
}

var runnerTokenCmd = &cobra.Command{
	Use:   "runner-token",
	Short: "Fetch a runner registration token",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newCIClient()
		if err != nil {
			return err
		}

		token, err := client.RegistrationToken(cmd.Context())
		if err != nil {
			if errors.Is(err, ci.ErrForbidden) || errors.Is(err, ci.ErrNotFound) {
				return fmt.Errorf("%w (the token needs administration rights on the repository)", err)
			}
			return err
		}
		return emit(cmd, kv("RUNNER_TOKEN", token))
	},
}

var runnerStatusCmd = &cobra.Command{
	Use:   "runner-status",
	Short: "Show a machine and the runner it registered",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := required(flags.MachineID)
		if err != nil {
			return err
		}
		provider, err := newProvider()
		if err != nil {
			return err
		}

		machine, err := provider.DescribeMachine(cmd.Context(), id)
		if err != nil && !cloud.IsNotFound(err) {
			return err
		}
		outputs := []output{kv("INSTANCE_STATUS", machineStatus(machine, err))}
		if err == nil {
			outputs = append(outputs, kv("INSTANCE_TYPE", machine.InstanceType), kv("ZONE_ID", machine.Zone), kv("PRIVATE_IP", machine.PrivateIP))
		}

		pattern := runnerPattern(machine)
		switch {
		case viper.GetString(flags.GitHubToken) == "":
			// runners are only looked up with a token
		case pattern == "":
			log.Warn("No runner name to look for, skipping the runner lookup", "machine", id)
		default:
			client, err := newCIClient()
			if err != nil {
				return err
			}

			runner, found, err := client.FindRunner(cmd.Context(), pattern)
			switch {
			case err != nil:
				log.Warn("Failed to list runners", "error", err)
			case found:
				outputs = append(outputs, kv("RUNNER_NAME", runner.Name), kv("RUNNER_STATUS", runner.Status), kv("RUNNER_BUSY", runner.Busy))
			default:
				outputs = append(outputs, kv("RUNNER_STATUS", "missing"))
			}
		}

		return emit(cmd, outputs...)
	},
}

// runnerPattern is the runner name to look for: --runner-name, else the
// machine name. Empty when the machine is gone and no name was given.
func runnerPattern(machine cloud.Machine) string {
	if pattern := viper.GetString(flags.RunnerName); pattern != "" {
		return pattern
	}
	return machine.Name
}

func machineStatus(machine cloud.Machine, err error) string {
	if cloud.IsNotFound(err) {
		return "NotFound"
	}
	return machine.Status
}

func init() {
	addCIFlags(runnerTokenCmd)

	addCIFlags(runnerStatusCmd)
	runnerStatusCmd.Flags().String(flags.MachineID, "", "machine to inspect")
	runnerStatusCmd.Flags().String(flags.RunnerName, "", "runner name to look for, defaults to the machine name")
}
