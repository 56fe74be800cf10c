package ranking

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gammadia/spotforge/advisor"
)

// Candidate files carry ranked candidates between the selection and the
// provisioning steps, one "shape|zone|network|bid|cores" record per line.
// Everything after the shape is optional.

const fieldSeparator = "|"

func WriteCandidates(w io.Writer, candidates []RankedCandidate) error {
	for _, candidate := range candidates {
		if _, err := fmt.Fprintln(w, FormatCandidate(candidate)); err != nil {
			return fmt.Errorf("failed to write candidate '%s': %w", candidate.InstanceType, err)
		}
	}
	return nil
}

func FormatCandidate(candidate RankedCandidate) string {
	return strings.Join([]string{
		candidate.InstanceType,
		candidate.Zone,
		candidate.Network,
		FormatBid(candidate.BidLimit),
		strconv.Itoa(candidate.CPUCores),
	}, fieldSeparator)
}

// FormatBid renders a price limit the way the provider expects it.
func FormatBid(bid float64) string {
	return strconv.FormatFloat(bid, 'f', 4, 64)
}

// Defaults fill the fields a candidate file record may leave out.
type Defaults struct {
	// Network is used when the record has no network and its zone resolves to none.
	Network  string
	Networks Networks
	// BidLimit is used when the record has no bid. Zero means pay-as-you-go spot.
	BidLimit float64
}

// ReadCandidates parses a candidate file. Blank lines are ignored, records
// without a usable network are skipped since they cannot be provisioned.
func ReadCandidates(r io.Reader, defaults Defaults) ([]RankedCandidate, error) {
	var candidates []RankedCandidate

	scanner := bufio.NewScanner(r)
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		candidate, err := parseCandidate(line, defaults)
		if err != nil {
			return nil, fmt.Errorf("invalid candidate on line %d: %w", lineNumber, err)
		}
		if candidate.Network == "" {
			continue
		}
		candidates = append(candidates, candidate)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidates: %w", err)
	}
	return candidates, nil
}

func parseCandidate(line string, defaults Defaults) (RankedCandidate, error) {
	fields := strings.Split(line, fieldSeparator)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	field := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	candidate := RankedCandidate{
		PriceCandidate: advisor.PriceCandidate{
			InstanceType: field(0),
			Zone:         field(1),
		},
		Network:  field(2),
		BidLimit: defaults.BidLimit,
	}
	if candidate.InstanceType == "" {
		return candidate, fmt.Errorf("missing instance type")
	}

	if candidate.Network == "" && candidate.Zone != "" {
		candidate.Network, _ = defaults.Networks.Resolve(candidate.Zone)
	}
	if candidate.Network == "" {
		candidate.Network = defaults.Network
	}

	if bid := field(3); bid != "" {
		value, err := strconv.ParseFloat(bid, 64)
		if err != nil || value < 0 {
			return candidate, fmt.Errorf("invalid bid limit '%s'", bid)
		}
		candidate.BidLimit = value
	}

	if cores := field(4); cores != "" {
		value, err := strconv.Atoi(cores)
		if err != nil || value < 0 {
			return candidate, fmt.Errorf("invalid cpu cores '%s'", cores)
		}
		candidate.CPUCores = value
	}

	return candidate, nil
}
