package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gammadia/spotforge/attempt"
)

// ErrNoCapacity is returned when every rung of the relaxation ladder came back empty.
var ErrNoCapacity = errors.New("no spot capacity found for the requested envelope")

// CanonicalCPU is the shape size tried when the exact minimum has no capacity.
const CanonicalCPU = 16

// Rung is one step of the relaxation ladder: an envelope passed verbatim to a
// single advisor query.
type Rung struct {
	Name string
	Envelope
}

func exact(name string, cpu, memory int, arch Arch) Rung {
	return Rung{
		Name:     name,
		Envelope: Envelope{MinCPU: cpu, MaxCPU: cpu, MinMemory: memory, MaxMemory: memory, Arch: arch},
	}
}

// Ladder returns the relaxation rungs for the envelope, from the most specific
// to the full range query. Exact rungs falling outside the envelope bounds are
// left out since nothing they return could survive ranking.
func Ladder(e Envelope) []Rung {
	preferred, relaxed := e.Arch.MemoryRatio(), 1
	if preferred == 1 {
		relaxed = 2
	}

	var rungs []Rung
	add := func(rung Rung) {
		if rung.MinCPU < e.MinCPU || rung.MaxCPU > e.MaxCPU {
			return
		}
		if rung.MinMemory < e.MinMemory || rung.MaxMemory > e.MaxMemory {
			return
		}
		for _, existing := range rungs {
			if existing.Envelope == rung.Envelope {
				return
			}
		}
		rungs = append(rungs, rung)
	}

	ratioName := func(ratio int) string { return fmt.Sprintf("1:%d", ratio) }

	add(exact(ratioName(preferred), e.MinCPU, e.MinCPU*preferred, e.Arch))
	if e.Arch == ARM64 || e.MinCPU <= 32 {
		add(exact(ratioName(relaxed), e.MinCPU, e.MinCPU*relaxed, e.Arch))
	}
	if e.MinCPU < CanonicalCPU {
		add(exact(ratioName(preferred), CanonicalCPU, CanonicalCPU*preferred, e.Arch))
		add(exact(ratioName(relaxed), CanonicalCPU, CanonicalCPU*relaxed, e.Arch))
	}
	add(Rung{Name: "range", Envelope: e})

	return rungs
}

// Querier performs exactly one advisor query.
type Querier interface {
	Query(ctx context.Context, envelope Envelope, zoneHint string) ([]PriceCandidate, error)
}

type SearchResult struct {
	Candidates []PriceCandidate
	Rung       Rung
}

// Search walks the relaxation ladder and returns the candidates of the first
// rung with at least one result. Query failures are soft and move on to the
// next rung.
func Search(ctx context.Context, querier Querier, e Envelope, zoneHint string, logger *slog.Logger) (SearchResult, error) {
	if err := e.Validate(); err != nil {
		return SearchResult{}, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rungs := Ladder(e)
	step := 0
	result, err := attempt.FirstSuccess(ctx, rungs, func(ctx context.Context, rung Rung) (SearchResult, error) {
		step++
		logger.Info("Querying spot capacity", "attempt", step, "strategy", rung.Name, "envelope", rung.Envelope.String())

		candidates, err := querier.Query(ctx, rung.Envelope, zoneHint)
		if err != nil {
			logger.Warn("Spot capacity query returned nothing", "attempt", step, "error", err)
			return SearchResult{}, err
		}
		if len(candidates) == 0 {
			return SearchResult{}, ErrNoCandidates
		}
		return SearchResult{Candidates: candidates, Rung: rung}, nil
	}, func(err error) bool {
		return ctx.Err() == nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return SearchResult{}, ctx.Err()
		}
		return SearchResult{}, fmt.Errorf("%w (%s, tried %d strategies): %w", ErrNoCapacity, e, len(rungs), attempt.LastError(err))
	}

	logger.Info("Found spot capacity", "strategy", result.Rung.Name, "candidates", len(result.Candidates))
	return result, nil
}
