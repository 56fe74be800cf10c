package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gammadia/spotforge/advisor"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/config"
	"github.com/gammadia/spotforge/ranking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCommand returns a command with the provisioning flags bound to a
// clean viper, parsed from args.
func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	addProvisioningFlags(cmd)
	cmd.Flags().String(flags.Arch, "", "")
	cmd.Flags().Int(flags.MinCPU, 0, "")
	cmd.Flags().Int(flags.MaxCPU, 0, "")
	cmd.Flags().Int(flags.MinMemory, 0, "")
	cmd.Flags().Int(flags.MaxMemory, 0, "")
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, flags.Bind(cmd.Flags()))
	return cmd
}

func TestEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "github_output")
	require.NoError(t, os.WriteFile(path, []byte("EARLIER=1\n"), 0o644))
	t.Setenv(githubOutputEnv, path)

	var stdout bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&stdout)

	require.NoError(t, emit(cmd, kv("IMAGE_ID", "m-123"), kv("SKIP_BUILD", false)))
	assert.Equal(t, "IMAGE_ID=m-123\nSKIP_BUILD=false\n", stdout.String())

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "EARLIER=1\nIMAGE_ID=m-123\nSKIP_BUILD=false\n", string(written))
}

func TestEmitWithoutGitHubOutput(t *testing.T) {
	t.Setenv(githubOutputEnv, "")

	var stdout bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&stdout)

	require.NoError(t, emit(cmd, kv("DISK_SIZE", 45)))
	assert.Equal(t, "DISK_SIZE=45\n", stdout.String())
}

func TestCandidatesSingleShape(t *testing.T) {
	t.Setenv("ALIYUN_VSWITCH_ID_K", "vsw-k")
	cmd := newTestCommand(t, "--instance-type", "ecs.c7.2xlarge", "--zone", "cn-hangzhou-k", "--bid-limit", "0.5")

	list, err := candidates(cmd)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ecs.c7.2xlarge", list[0].InstanceType)
	assert.Equal(t, "vsw-k", list[0].Network)
	assert.Equal(t, 0.5, list[0].BidLimit)
}

func TestCandidatesLegacyEnvironment(t *testing.T) {
	t.Setenv("INSTANCE_TYPE", "ecs.g7.xlarge")
	t.Setenv("ALIYUN_VSWITCH_ID", "vsw-default")
	cmd := newTestCommand(t)

	list, err := candidates(cmd)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "vsw-default", list[0].Network)
}

func TestCandidatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.txt")
	require.NoError(t, os.WriteFile(path, []byte("ecs.c7.2xlarge|cn-hangzhou-k||0.4800|8\necs.c7.4xlarge|cn-hangzhou-z\n"), 0o644))
	cmd := newTestCommand(t, "--candidates-file", path, "--zone-network", "k=vsw-k")

	list, err := candidates(cmd)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ranking.RankedCandidate{
		PriceCandidate: advisor.PriceCandidate{InstanceType: "ecs.c7.2xlarge", Zone: "cn-hangzhou-k", CPUCores: 8},
		Network:        "vsw-k",
		BidLimit:       0.48,
	}, list[0])
}

func TestCandidatesMissingInput(t *testing.T) {
	t.Setenv("INSTANCE_TYPE", "")
	t.Setenv("SPOTFORGE_INSTANCE_TYPE", "")

	_, err := candidates(newTestCommand(t))
	var missing *config.MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, flags.InstanceType, missing.Flag)

	_, err = candidates(newTestCommand(t, "--instance-type", "ecs.c7.2xlarge", "--zone", "cn-hangzhou-q"))
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, flags.Network, missing.Flag)
}

func TestNetworksPrecedence(t *testing.T) {
	t.Setenv("ALIYUN_VSWITCH_ID_K", "vsw-env")
	t.Setenv("ALIYUN_VSWITCH_ID_J", "vsw-env-j")
	profile = &config.Profile{ZoneNetworks: map[string]string{"K": "vsw-profile", "L": "vsw-profile-l"}}
	t.Cleanup(func() { profile = &config.Profile{} })

	table, err := networks(newTestCommand(t, "--zone-network", "J=vsw-flag"))
	require.NoError(t, err)
	assert.Equal(t, ranking.Networks{"K": "vsw-env", "J": "vsw-flag", "L": "vsw-profile-l"}, table)

	_, err = networks(newTestCommand(t, "--zone-network", "hangzhou"))
	assert.Error(t, err)
}

func TestEnvelopeFromFlags(t *testing.T) {
	newTestCommand(t, "--arch", "arm64", "--min-cpu", "16")

	envelope, err := envelopeFromFlags()
	require.NoError(t, err)
	assert.Equal(t, advisor.Envelope{MinCPU: 16, MaxCPU: 64, MinMemory: 32, MaxMemory: 128, Arch: advisor.ARM64}, envelope)

	newTestCommand(t, "--min-cpu", "32", "--max-cpu", "16")
	_, err = envelopeFromFlags()
	assert.Error(t, err)
}

func TestMachineTags(t *testing.T) {
	profile = &config.Profile{Tags: map[string]string{"team": "ci", "owner": "profile"}}
	t.Cleanup(func() { profile = &config.Profile{} })

	cmd := newTestCommand(t, "--tags", "owner=flag")
	assert.Equal(t, map[string]string{"team": "ci", "owner": "flag"}, machineTags(cmd))
}

func TestRunnerPattern(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	// a machine that is gone has no name to match runners against
	assert.Empty(t, runnerPattern(cloud.Machine{}))
	assert.Equal(t, "spot-runner-brave-otter", runnerPattern(cloud.Machine{Name: "spot-runner-brave-otter"}))

	viper.Set(flags.RunnerName, "spot-runner-calm-heron")
	assert.Equal(t, "spot-runner-calm-heron", runnerPattern(cloud.Machine{}))
}
