package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/cloud/aliyun"
	"github.com/gammadia/spotforge/cloud/openstack"
	"github.com/gammadia/spotforge/config"
	"github.com/gammadia/spotforge/provisioner"
	"github.com/gammadia/spotforge/ranking"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	providerAliyun    = "aliyun"
	providerOpenStack = "openstack"
)

// required returns a string setting, or a configuration error naming where it
// can be given.
func required(name string) (string, error) {
	value := strings.TrimSpace(viper.GetString(name))
	if value == "" {
		return "", &config.MissingError{Flag: name, Env: flags.EnvNames(name)}
	}
	return value, nil
}

func newProvider() (cloud.Provider, error) {
	switch name := viper.GetString(flags.Provider); name {
	case providerAliyun:
		region, err := required(flags.Region)
		if err != nil {
			return nil, err
		}
		return aliyun.New(aliyun.Config{
			Region:      region,
			CallTimeout: viper.GetDuration(flags.CallTimeout),
			Logger:      log.Base,
		})
	case providerOpenStack:
		// the region may come from OS_REGION_NAME
		region, _ := lo.Coalesce(viper.GetString(flags.Region), os.Getenv("OS_REGION_NAME"))
		return openstack.New(openstack.Config{
			Region:      region,
			Owner:       viper.GetString(flags.Owner),
			VolumeTypes: viper.GetStringSlice(flags.VolumeTypes),
			Logger:      log.Base,
		})
	default:
		return nil, fmt.Errorf("unknown provider '%s', expected %s or %s", name, providerAliyun, providerOpenStack)
	}
}

// networks merges the zone network tables, from the least to the most
// specific: profile, ALIYUN_VSWITCH_ID_<LETTER> variables, --zone-network.
func networks(cmd *cobra.Command) (ranking.Networks, error) {
	fromFlags := ranking.Networks{}
	if cmd.Flags().Lookup(flags.ZoneNetwork) != nil {
		for _, assignment := range lo.Must(cmd.Flags().GetStringSlice(flags.ZoneNetwork)) {
			if err := fromFlags.Set(assignment); err != nil {
				return nil, err
			}
		}
	}
	return config.Networks(profile.ZoneNetworks, config.NetworksFromEnv(os.Environ()), fromFlags), nil
}

// diskTiers are the tiers in preference order. OpenStack tiers are volume types.
func diskTiers() []string {
	if tiers := viper.GetStringSlice(flags.DiskTiers); len(tiers) > 0 {
		return tiers
	}
	if viper.GetString(flags.Provider) == providerOpenStack {
		return viper.GetStringSlice(flags.VolumeTypes)
	}
	return cloud.DefaultDiskTiers
}

func newEngine(machines provisioner.Machines) *provisioner.Engine {
	return provisioner.New(machines, provisioner.Config{
		DiskTiers:      diskTiers(),
		ProbeDiskTiers: viper.GetBool(flags.ProbeDiskTiers),
		ReadyTimeout:   viper.GetDuration(flags.ReadyTimeout),
		Logger:         log.Base,
	})
}

// candidates reads the candidate file, or builds the single candidate
// described by --instance-type and --zone.
func candidates(cmd *cobra.Command) ([]ranking.RankedCandidate, error) {
	table, err := networks(cmd)
	if err != nil {
		return nil, err
	}
	defaults := ranking.Defaults{
		Network:  viper.GetString(flags.Network),
		Networks: table,
		BidLimit: viper.GetFloat64(flags.BidLimit),
	}

	if path := viper.GetString(flags.CandidatesFile); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open candidates file: %w", err)
		}
		defer file.Close()

		list, err := ranking.ReadCandidates(file, defaults)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("no usable candidate in '%s'", path)
		}
		log.Info("Loaded candidates", "file", path, "candidates", len(list))
		return list, nil
	}

	instanceType, err := required(flags.InstanceType)
	if err != nil {
		return nil, fmt.Errorf("%w, or give a candidates file with --%s", err, flags.CandidatesFile)
	}
	list, err := ranking.ReadCandidates(strings.NewReader(instanceType+"|"+viper.GetString(flags.Zone)), defaults)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &config.MissingError{Flag: flags.Network, Env: flags.EnvNames(flags.Network)}
	}
	return list, nil
}

// addProvisioningFlags registers the flags shared by the commands creating machines.
func addProvisioningFlags(cmd *cobra.Command) {
	cmd.Flags().String(flags.CandidatesFile, "", "file with ranked candidates, one per line")
	cmd.Flags().String(flags.InstanceType, "", "instance type, when no candidates file is given")
	cmd.Flags().String(flags.Zone, "", "zone of the instance type")
	cmd.Flags().String(flags.Network, "", "network for candidates whose zone has none configured")
	cmd.Flags().StringSlice(flags.ZoneNetwork, nil, "zone network as <zone letter>=<network id>, repeatable")
	cmd.Flags().Float64(flags.BidLimit, 0, "hourly price limit when the candidate has none (0 follows the market)")
	cmd.Flags().StringSlice(flags.DiskTiers, nil, "disk tiers in preference order")
	cmd.Flags().Bool(flags.ProbeDiskTiers, false, "ask the provider which disk tiers a shape supports")
	cmd.Flags().Int(flags.DiskSize, 0, "system disk size in GiB, derived from the image when unset")
	cmd.Flags().String(flags.SecurityGroup, "", "security group of the machine")
	cmd.Flags().String(flags.KeyPair, "", "key pair installed on the machine")
	cmd.Flags().String(flags.Identity, "", "role attached to the machine")
	cmd.Flags().StringToString(flags.Tags, nil, "machine tags as key=value")
	cmd.Flags().Duration(flags.ReadyTimeout, provisioner.DefaultReadyTimeout, "how long to wait for the machine to run")
}

func machineTags(cmd *cobra.Command) map[string]string {
	return lo.Assign(profile.Tags, lo.Must(cmd.Flags().GetStringToString(flags.Tags)))
}
