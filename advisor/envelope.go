package advisor

import (
	"fmt"
	"strings"
)

type Arch string

const (
	AMD64 Arch = "amd64"
	ARM64 Arch = "arm64"
)

func ParseArch(s string) (Arch, error) {
	switch arch := Arch(strings.ToLower(strings.TrimSpace(s))); arch {
	case AMD64, ARM64:
		return arch, nil
	case "":
		return AMD64, nil
	default:
		return "", fmt.Errorf("architecture must be either 'amd64' or 'arm64', got '%s'", s)
	}
}

// MemoryRatio is the preferred GiB of memory per core for the architecture.
func (a Arch) MemoryRatio() int {
	if a == ARM64 {
		return 2
	}
	return 1
}

// AdvisorName is the architecture name understood by the advisor binary.
func (a Arch) AdvisorName() string {
	if a == ARM64 {
		return "arm64"
	}
	return "x86_64"
}

func (a Arch) String() string {
	return string(a)
}

// Envelope bounds the machine shapes a caller is willing to run on. Memory is in GiB.
type Envelope struct {
	MinCPU    int  `yaml:"min-cpu"`
	MaxCPU    int  `yaml:"max-cpu"`
	MinMemory int  `yaml:"min-memory"`
	MaxMemory int  `yaml:"max-memory"`
	Arch      Arch `yaml:"arch"`
}

const (
	DefaultMinCPU = 8
	DefaultMaxCPU = 64
)

// DefaultEnvelope returns the envelope used when the caller only names an
// architecture: 8 to 64 cores, memory following the architecture ratio, capped
// at 64 GiB on amd64 and 128 GiB on arm64.
func DefaultEnvelope(arch Arch) Envelope {
	return Envelope{
		MinCPU:    DefaultMinCPU,
		MaxCPU:    DefaultMaxCPU,
		MinMemory: DefaultMinCPU * arch.MemoryRatio(),
		MaxMemory: DefaultMaxMemory(arch),
		Arch:      arch,
	}
}

func DefaultMaxMemory(arch Arch) int {
	return 64 * arch.MemoryRatio()
}

func (e Envelope) Validate() error {
	switch {
	case e.Arch != AMD64 && e.Arch != ARM64:
		return fmt.Errorf("architecture must be either 'amd64' or 'arm64', got '%s'", e.Arch)
	case e.MinCPU <= 0:
		return fmt.Errorf("min-cpu must be greater than 0")
	case e.MinMemory <= 0:
		return fmt.Errorf("min-memory must be greater than 0")
	case e.MinCPU > e.MaxCPU:
		return fmt.Errorf("min-cpu (%d) must be less than or equal to max-cpu (%d)", e.MinCPU, e.MaxCPU)
	case e.MinMemory > e.MaxMemory:
		return fmt.Errorf("min-memory (%d) must be less than or equal to max-memory (%d)", e.MinMemory, e.MaxMemory)
	}
	return nil
}

func (e Envelope) String() string {
	if e.MinCPU == e.MaxCPU && e.MinMemory == e.MaxMemory {
		return fmt.Sprintf("%dc%dg/%s", e.MinCPU, e.MinMemory, e.Arch)
	}
	return fmt.Sprintf("%d-%dc %d-%dg/%s", e.MinCPU, e.MaxCPU, e.MinMemory, e.MaxMemory, e.Arch)
}
