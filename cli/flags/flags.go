package flags

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "spotforge"

const (
	EnvFile   = "env-file"
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Profile   = "profile"

	// Provider
	Provider    = "provider"
	Region      = "region"
	Owner       = "owner"
	VolumeTypes = "volume-types"
	CallTimeout = "call-timeout"

	// Advisor
	AccessKeyID     = "access-key-id"
	AccessKeySecret = "access-key-secret"
	AdvisorBinary   = "advisor-binary"
	Arch            = "arch"
	MinCPU          = "min-cpu"
	MaxCPU          = "max-cpu"
	MinMemory       = "min-memory"
	MaxMemory       = "max-memory"
	Family          = "family"
	ZoneHint        = "zone-hint"
	MaxCandidates   = "max-candidates"
	Output          = "output"
	DryRun          = "dry-run"

	// Provisioning
	CandidatesFile = "candidates-file"
	InstanceType   = "instance-type"
	Zone           = "zone"
	Network        = "network"
	ZoneNetwork    = "zone-network"
	BidLimit       = "bid-limit"
	ImageID        = "image-id"
	DiskSize       = "disk-size"
	DiskTiers      = "disk-tiers"
	ProbeDiskTiers = "probe-disk-tiers"
	SecurityGroup  = "security-group"
	KeyPair        = "key-pair"
	Identity       = "identity"
	Name           = "name"
	Tags           = "tags"
	ReadyTimeout   = "ready-timeout"
	Wait           = "wait"
	MachineID      = "machine-id"

	// Images
	ImagePrefix     = "image-prefix"
	ImageFamily     = "image-family"
	FromFamily      = "from-family"
	ImageSize       = "image-size"
	BaseImageID     = "base-image-id"
	Retention       = "retention"
	Exclude         = "exclude"
	BootWait        = "boot-wait"
	ImageTimeout    = "image-timeout"
	ShareWith       = "share-with"
	Script          = "script"
	RunnerVersion   = "runner-version"
	AdvisorVersion  = "advisor-version"
	SelfDestructURL = "self-destruct-url"

	// CI
	GitHubToken   = "github-token"
	GitHubAPI     = "github-api"
	Repository    = "repository"
	RunnerName    = "runner-name"
	RunnerLabels  = "runner-labels"
	RunnerDir     = "runner-dir"
	RunnerNoPower = "no-power-off"

	// Self-destruct
	Marker       = "marker"
	GracePeriod  = "grace-period"
	MaxWait      = "max-wait"
	PollInterval = "poll-interval"
	MetadataURL  = "metadata-url"
)

// legacyEnv lists the variables the previous workflow scripts read, still
// honoured after the SPOTFORGE_ ones.
var legacyEnv = map[string][]string{
	Region:          {"ALIYUN_REGION_ID"},
	AccessKeyID:     {"ALIYUN_ACCESS_KEY_ID"},
	AccessKeySecret: {"ALIYUN_ACCESS_KEY_SECRET"},
	AdvisorBinary:   {"SPOT_ADVISOR_BINARY"},
	Arch:            {"ARCH"},
	MinCPU:          {"MIN_CPU"},
	MaxCPU:          {"MAX_CPU"},
	MinMemory:       {"MIN_MEM"},
	MaxMemory:       {"MAX_MEM"},
	CandidatesFile:  {"CANDIDATES_FILE"},
	InstanceType:    {"INSTANCE_TYPE"},
	Network:         {"ALIYUN_VSWITCH_ID"},
	BidLimit:        {"SPOT_PRICE_LIMIT"},
	ImageID:         {"IMAGE_ID"},
	SecurityGroup:   {"ALIYUN_SECURITY_GROUP_ID"},
	KeyPair:         {"ALIYUN_KEY_PAIR_NAME"},
	Identity:        {"ALIYUN_RAM_ROLE_NAME"},
	ImagePrefix:     {"IMAGE_NAME_PREFIX"},
	ImageFamily:     {"ALIYUN_IMAGE_FAMILY"},
	BaseImageID:     {"BASE_IMAGE_ID"},
	Retention:       {"KEEP_IMAGE_COUNT"},
	ShareWith:       {"SHARE_ACCOUNT_IDS"},
	RunnerVersion:   {"RUNNER_VERSION"},
	AdvisorVersion:  {"ADVISOR_VERSION"},
	GitHubToken:     {"GITHUB_TOKEN"},
	Repository:      {"GITHUB_REPOSITORY"},
}

// EnvNames returns the environment variables read for a flag, in priority order.
func EnvNames(name string) []string {
	primary := strings.ToUpper(EnvPrefix + "_" + strings.ReplaceAll(name, "-", "_"))
	return append([]string{primary}, legacyEnv[name]...)
}

// Bind makes viper resolve every flag of the set from, in order, the command
// line, the environment, then the defaults.
func Bind(flags *flag.FlagSet) error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var err error
	flags.VisitAll(func(f *flag.Flag) {
		if err != nil {
			return
		}
		if _, ok := legacyEnv[f.Name]; ok {
			err = viper.BindEnv(append([]string{f.Name}, EnvNames(f.Name)...)...)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to bind environment: %w", err)
	}

	lo.Must0(viper.BindPFlags(flags))
	return nil
}
