package main

import (
	"github.com/gammadia/spotforge/advisor"
	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/namegen"
	"github.com/gammadia/spotforge/provisioner"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultRunnerPrefix = "spot-runner"

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a spot machine running an ephemeral CI runner",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		imageID, err := required(flags.ImageID)
		if err != nil {
			return err
		}
		arch, err := advisor.ParseArch(viper.GetString(flags.Arch))
		if err != nil {
			return err
		}
		list, err := candidates(cmd)
		if err != nil {
			return err
		}
		provider, err := newProvider()
		if err != nil {
			return err
		}

		name := lo.Ternary(viper.GetString(flags.Name) != "", viper.GetString(flags.Name), namegen.Prefixed(defaultRunnerPrefix))
		script, err := runnerScript(cmd, name, arch)
		if err != nil {
			return err
		}

		spec := provisioner.MachineSpec{
			Name:          name,
			ImageID:       imageID,
			SecurityGroup: viper.GetString(flags.SecurityGroup),
			KeyPair:       viper.GetString(flags.KeyPair),
			Identity:      viper.GetString(flags.Identity),
			DiskSizeGiB:   viper.GetInt(flags.DiskSize),
			UserData:      script,
			Tags:          machineTags(cmd),
		}
		if spec.DiskSizeGiB <= 0 {
			spec.DiskSizeGiB = provisioner.ResolveDiskSize(ctx, provider, 0, imageID, log.Base)
		}

		engine := newEngine(provider)
		var placement provisioner.Placement
		var machine cloud.Machine
		if viper.GetBool(flags.Wait) {
			err = step("Provisioning runner "+name, func() (err error) {
				placement, machine, err = engine.Launch(ctx, list, spec)
				return err
			})
		} else {
			err = step("Provisioning runner "+name, func() (err error) {
				placement, err = engine.Provision(ctx, list, spec)
				return err
			})
		}
		if err != nil {
			return err
		}

		outputs := []output{
			kv("INSTANCE_ID", placement.MachineID),
			kv("INSTANCE_TYPE", placement.Candidate.InstanceType),
			kv("ZONE_ID", placement.Candidate.Zone),
			kv("DISK_CATEGORY", placement.DiskTier),
			kv("RUNNER_NAME", name),
		}
		if machine.PrivateIP != "" {
			outputs = append(outputs, kv("PRIVATE_IP", machine.PrivateIP))
		}
		return emit(cmd, outputs...)
	},
}

// runnerScript registers the machine as an ephemeral runner, from the built-in
// template or the one given with --script.
func runnerScript(cmd *cobra.Command, name string, arch advisor.Arch) (string, error) {
	client, err := newCIClient()
	if err != nil {
		return "", err
	}
	token, err := client.RegistrationToken(cmd.Context())
	if err != nil {
		return "", err
	}

	runner := bootscript.Runner{
		URL:       client.RepositoryURL(),
		Token:     token,
		Name:      name,
		Labels:    append([]string{name}, viper.GetStringSlice(flags.RunnerLabels)...),
		Arch:      arch.String(),
		Dir:       viper.GetString(flags.RunnerDir),
		Version:   viper.GetString(flags.RunnerVersion),
		Ephemeral: true,
		PowerOff:  !viper.GetBool(flags.RunnerNoPower),
	}

	if path := viper.GetString(flags.Script); path != "" {
		return bootscript.RenderFile(path, runner)
	}
	return bootscript.RenderRunner(runner)
}

func init() {
	addProvisioningFlags(provisionCmd)
	addCIFlags(provisionCmd)

	provisionCmd.Flags().String(flags.ImageID, "", "image the machine boots from")
	provisionCmd.Flags().String(flags.Arch, string(advisor.AMD64), "architecture of the image (amd64, arm64)")
	provisionCmd.Flags().String(flags.Name, "", "machine and runner name, generated when unset")
	provisionCmd.Flags().StringSlice(flags.RunnerLabels, []string{"self-hosted", "spot"}, "extra runner labels")
	provisionCmd.Flags().String(flags.RunnerDir, "", "runner install directory on the machine")
	provisionCmd.Flags().String(flags.RunnerVersion, bootscript.DefaultRunnerVersion, "runner version installed when the image has none")
	provisionCmd.Flags().Bool(flags.RunnerNoPower, false, "keep the machine running once the runner exits")
	provisionCmd.Flags().String(flags.Script, "", "boot script template replacing the built-in one")
	provisionCmd.Flags().Bool(flags.Wait, false, "wait for the machine to run, deleting it when it does not")
}
