package main

import (
	"fmt"
	"os"

	"github.com/gammadia/spotforge/advisor"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/config"
	"github.com/gammadia/spotforge/ranking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Rank the cheapest spot capacity matching a size envelope",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		envelope, err := envelopeFromFlags()
		if err != nil {
			return err
		}

		region, err := required(flags.Region)
		if err != nil {
			return err
		}
		accessKeyID, err := required(flags.AccessKeyID)
		if err != nil {
			return err
		}
		accessKeySecret, err := required(flags.AccessKeySecret)
		if err != nil {
			return err
		}

		table, err := networks(cmd)
		if err != nil {
			return err
		}
		if len(table) == 0 {
			return fmt.Errorf("no zone network configured: set %s<LETTER>, --%s or a profile", config.NetworkEnvPrefix, flags.ZoneNetwork)
		}

		client, err := advisor.NewClient(advisor.Config{
			Binary:          viper.GetString(flags.AdvisorBinary),
			AccessKeyID:     accessKeyID,
			AccessKeySecret: accessKeySecret,
			Region:          region,
			Family:          viper.GetString(flags.Family),
			Logger:          log.Base,
		})
		if err != nil {
			return err
		}

		var result advisor.SearchResult
		err = step(fmt.Sprintf("Searching spot capacity for %s", envelope), func() (err error) {
			result, err = advisor.Search(cmd.Context(), client, envelope, viper.GetString(flags.ZoneHint), log.Base)
			return err
		})
		if err != nil {
			return err
		}

		ranked := ranking.Rank(result.Candidates, envelope, ranking.Config{
			Networks:      table,
			MaxCandidates: viper.GetInt(flags.MaxCandidates),
			Logger:        log.Base,
		})
		if len(ranked) == 0 {
			return fmt.Errorf("none of the %d offers found with strategy '%s' fits the envelope in a zone with a configured network", len(result.Candidates), result.Rung.Name)
		}

		if viper.GetBool(flags.DryRun) {
			encoder := yaml.NewEncoder(cmd.ErrOrStderr())
			encoder.SetIndent(2)
			defer encoder.Close()
			return encoder.Encode(ranked)
		}

		path := viper.GetString(flags.Output)
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create candidates file: %w", err)
		}
		defer file.Close()
		if err := ranking.WriteCandidates(file, ranked); err != nil {
			return err
		}

		best := ranked[0]
		log.Info("Selected candidate", "instance-type", best.InstanceType, "zone", best.Zone, "bid", ranking.FormatBid(best.BidLimit), "candidates", len(ranked))
		return emit(cmd,
			kv("INSTANCE_TYPE", best.InstanceType),
			kv("ZONE_ID", best.Zone),
			kv("VSWITCH_ID", best.Network),
			kv("SPOT_PRICE_LIMIT", ranking.FormatBid(best.BidLimit)),
			kv("CPU_CORES", best.CPUCores),
			kv("CANDIDATES_FILE", path),
		)
	},
}

// envelopeFromFlags starts from the architecture defaults and applies the
// bounds that were given. A minimum memory follows the minimum cores when only
// the latter is set.
func envelopeFromFlags() (advisor.Envelope, error) {
	arch, err := advisor.ParseArch(viper.GetString(flags.Arch))
	if err != nil {
		return advisor.Envelope{}, err
	}

	envelope := advisor.DefaultEnvelope(arch)
	if value := viper.GetInt(flags.MinCPU); value > 0 {
		envelope.MinCPU = value
		envelope.MinMemory = value * arch.MemoryRatio()
	}
	if value := viper.GetInt(flags.MaxCPU); value > 0 {
		envelope.MaxCPU = value
	}
	if value := viper.GetInt(flags.MinMemory); value > 0 {
		envelope.MinMemory = value
	}
	if value := viper.GetInt(flags.MaxMemory); value > 0 {
		envelope.MaxMemory = value
	}
	return envelope, envelope.Validate()
}

func init() {
	selectCmd.Flags().String(flags.Arch, string(advisor.AMD64), "architecture (amd64, arm64)")
	selectCmd.Flags().Int(flags.MinCPU, 0, "minimum cores (default 8)")
	selectCmd.Flags().Int(flags.MaxCPU, 0, "maximum cores (default 64)")
	selectCmd.Flags().Int(flags.MinMemory, 0, "minimum memory in GiB (default follows the cores)")
	selectCmd.Flags().Int(flags.MaxMemory, 0, "maximum memory in GiB (default 64 on amd64, 128 on arm64)")
	selectCmd.Flags().String(flags.Family, "", "restrict to one instance family, e.g. ecs.c8y")
	selectCmd.Flags().String(flags.ZoneHint, "", "zone to favour in the advisory query")
	selectCmd.Flags().Int(flags.MaxCandidates, ranking.DefaultMaxCandidates, "number of candidates to keep")
	selectCmd.Flags().StringSlice(flags.ZoneNetwork, nil, "zone network as <zone letter>=<network id>, repeatable")
	selectCmd.Flags().String(flags.AdvisorBinary, advisor.DefaultBinary, "path of the spot-instance-advisor binary")
	selectCmd.Flags().String(flags.AccessKeyID, "", "access key id for the advisor")
	selectCmd.Flags().String(flags.AccessKeySecret, "", "access key secret for the advisor")
	selectCmd.Flags().String(flags.Output, "candidates.txt", "file the ranked candidates are written to")
	selectCmd.Flags().Bool(flags.DryRun, false, "print the ranked candidates instead of writing them")
}
