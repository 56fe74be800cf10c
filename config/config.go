package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gammadia/spotforge/ranking"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// NetworkEnvPrefix is followed by an upper-cased zone letter, for example
// ALIYUN_VSWITCH_ID_K.
const NetworkEnvPrefix = "ALIYUN_VSWITCH_ID_"

// DefaultEnvFile is loaded when present, other env files must exist.
const DefaultEnvFile = ".env"

// MissingError is a required input that was given neither as a flag nor as an
// environment variable.
type MissingError struct {
	Flag string
	Env  []string
}

func (e *MissingError) Error() string {
	if len(e.Env) == 0 {
		return fmt.Sprintf("--%s is required", e.Flag)
	}
	return fmt.Sprintf("--%s is required (or set %s)", e.Flag, strings.Join(e.Env, " or "))
}

// Duration reads "90s" or "10m" from a profile.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var value string
	if err := node.Decode(&value); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration '%s': %w", node.Line, value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Profile holds the settings that rarely change between invocations. Flags and
// environment variables win over it.
type Profile struct {
	Provider      string            `yaml:"provider"`
	Region        string            `yaml:"region"`
	SecurityGroup string            `yaml:"security-group"`
	KeyPair       string            `yaml:"key-pair"`
	Identity      string            `yaml:"identity"`
	ZoneNetworks  map[string]string `yaml:"zone-networks"`
	DiskTiers     []string          `yaml:"disk-tiers"`
	Tags          map[string]string `yaml:"tags"`

	ImagePrefix string   `yaml:"image-prefix"`
	Retention   int      `yaml:"retention"`
	ShareWith   []string `yaml:"share-with"`

	Timeouts struct {
		Ready    Duration `yaml:"ready"`
		Image    Duration `yaml:"image"`
		BootWait Duration `yaml:"boot-wait"`
	} `yaml:"timeouts"`

	OpenStack struct {
		Owner       string   `yaml:"owner"`
		VolumeTypes []string `yaml:"volume-types"`
	} `yaml:"openstack"`
}

// ReadProfile decodes a profile, rejecting unknown keys.
func ReadProfile(r io.Reader) (*Profile, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var profile Profile
	if err := decoder.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	networks := ranking.Networks{}
	for letter, handle := range profile.ZoneNetworks {
		if err := networks.Set(letter + "=" + handle); err != nil {
			return nil, fmt.Errorf("invalid profile: %w", err)
		}
	}
	profile.ZoneNetworks = networks
	return &profile, nil
}

func LoadProfile(path string) (*Profile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer file.Close()

	profile, err := ReadProfile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profile, nil
}

// Defaults returns the profile settings keyed by flag name, leaving out the
// ones the profile does not set.
func (p *Profile) Defaults() map[string]any {
	defaults := map[string]any{
		"provider":       p.Provider,
		"region":         p.Region,
		"security-group": p.SecurityGroup,
		"key-pair":       p.KeyPair,
		"identity":       p.Identity,
		"image-prefix":   p.ImagePrefix,
		"retention":      p.Retention,
		"disk-tiers":     p.DiskTiers,
		"share-with":     p.ShareWith,
		"ready-timeout":  time.Duration(p.Timeouts.Ready),
		"image-timeout":  time.Duration(p.Timeouts.Image),
		"boot-wait":      time.Duration(p.Timeouts.BootWait),
		"volume-types":   p.OpenStack.VolumeTypes,
		"owner":          p.OpenStack.Owner,
	}
	return lo.OmitBy(defaults, func(_ string, value any) bool {
		switch value := value.(type) {
		case string:
			return value == ""
		case int:
			return value == 0
		case time.Duration:
			return value == 0
		case []string:
			return len(value) == 0
		}
		return false
	})
}

// NetworksFromEnv collects the per-zone network handles from an environment
// listing in os.Environ form.
func NetworksFromEnv(environ []string) ranking.Networks {
	networks := ranking.Networks{}
	for _, variable := range environ {
		name, value, _ := strings.Cut(variable, "=")
		letter, ok := strings.CutPrefix(name, NetworkEnvPrefix)
		if !ok || value == "" {
			continue
		}
		// malformed names are not ours
		_ = networks.Set(letter + "=" + value)
	}
	return networks
}

// Networks merges network tables, later ones winning per zone letter.
func Networks(tables ...ranking.Networks) ranking.Networks {
	merged := ranking.Networks{}
	for _, table := range tables {
		for letter, handle := range table {
			merged[letter] = handle
		}
	}
	return merged
}

// LoadEnvFile loads variables from an env file without overriding the ones
// already set. The default file is optional.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if path == DefaultEnvFile && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}
