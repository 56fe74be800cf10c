package ranking

import (
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gammadia/spotforge/advisor"
)

const (
	// BidMargin is the headroom applied over the advisory price.
	BidMargin            = 1.2
	DefaultMaxCandidates = 5
	// FallbackCPUCores is assumed when neither the advisor nor the shape name tell.
	FallbackCPUCores = 8
)

type RankedCandidate struct {
	advisor.PriceCandidate `yaml:",inline"`

	Network  string  `yaml:"network"`
	BidLimit float64 `yaml:"bid-limit"`
}

// Bid returns the price limit for a candidate, per-core price times cores plus margin.
func Bid(pricePerCore float64, cores int) float64 {
	return pricePerCore * float64(cores) * BidMargin
}

type Config struct {
	Networks      Networks
	MaxCandidates int

	Logger *slog.Logger `json:"-"`
}

var multipleXLarge = regexp.MustCompile(`\.(\d+)xlarge$`)

// InferCPU guesses the core count from the shape name suffix: an xlarge is 4
// cores, "<n>xlarge" is n of them.
func InferCPU(instanceType string) int {
	if match := multipleXLarge.FindStringSubmatch(instanceType); match != nil {
		if n, err := strconv.Atoi(match[1]); err == nil && n > 0 {
			return n * 4
		}
	}

	switch {
	case strings.HasSuffix(instanceType, ".xlarge"):
		return 4
	case strings.HasSuffix(instanceType, ".large"):
		return 2
	default:
		return FallbackCPUCores
	}
}

// InferMemory guesses memory in GiB from the core count and the architecture ratio.
func InferMemory(cores int, arch advisor.Arch) int {
	return cores * arch.MemoryRatio()
}

// Rank turns raw advisor offers into provisionable candidates: missing sizes are
// inferred, offers below the envelope minimums or in zones without a configured
// network are dropped, and the rest is sorted by per-core price (stable) and
// truncated.
func Rank(raw []advisor.PriceCandidate, envelope advisor.Envelope, config Config) []RankedCandidate {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "ranking")

	maxCandidates := config.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}

	var ranked []RankedCandidate
	for _, candidate := range raw {
		if candidate.CPUCores <= 0 {
			candidate.CPUCores = InferCPU(candidate.InstanceType)
			logger.Debug("Inferred CPU cores from shape name", "instance-type", candidate.InstanceType, "cores", candidate.CPUCores)
		}
		if candidate.MemoryGiB <= 0 {
			candidate.MemoryGiB = InferMemory(candidate.CPUCores, envelope.Arch)
		}

		if candidate.CPUCores < envelope.MinCPU || candidate.MemoryGiB < envelope.MinMemory {
			logger.Info("Skipping candidate below minimum requirements",
				"instance-type", candidate.InstanceType,
				"size", strconv.Itoa(candidate.CPUCores)+"c"+strconv.Itoa(candidate.MemoryGiB)+"g",
				"minimum", strconv.Itoa(envelope.MinCPU)+"c"+strconv.Itoa(envelope.MinMemory)+"g",
			)
			continue
		}

		network, ok := config.Networks.Resolve(candidate.Zone)
		if !ok {
			logger.Info("Skipping candidate without network for its zone", "instance-type", candidate.InstanceType, "zone", candidate.Zone)
			continue
		}

		ranked = append(ranked, RankedCandidate{
			PriceCandidate: candidate,
			Network:        network,
			BidLimit:       Bid(candidate.PricePerCore, candidate.CPUCores),
		})
	}

	slices.SortStableFunc(ranked, func(a, b RankedCandidate) int {
		switch {
		case a.PricePerCore < b.PricePerCore:
			return -1
		case a.PricePerCore > b.PricePerCore:
			return 1
		default:
			return 0
		}
	})

	if len(ranked) > maxCandidates {
		ranked = ranked[:maxCandidates]
	}
	return ranked
}
