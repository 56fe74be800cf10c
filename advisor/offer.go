package advisor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrNoCandidates      = errors.New("advisor returned no candidates")
	ErrMalformedResponse = errors.New("malformed advisor response")
)

// PriceCandidate is one spot offer reported by the advisor. CPUCores and
// MemoryGiB are zero when the advisor did not report them.
type PriceCandidate struct {
	InstanceType string  `yaml:"instance-type"`
	Zone         string  `yaml:"zone"`
	PricePerCore float64 `yaml:"price-per-core"`
	CPUCores     int     `yaml:"cpu-cores,omitempty"`
	MemoryGiB    int     `yaml:"memory-gib,omitempty"`
}

// Field aliases seen across advisor versions, first match wins.
var (
	instanceTypeAliases = []string{"instanceTypeId", "instance_type", "InstanceType", "instanceType", "Instance", "Type", "instance", "type"}
	zoneAliases         = []string{"zoneId", "zone_id", "ZoneId", "zone", "Zone", "availability_zone", "AvailabilityZone", "az", "AZ"}
	priceAliases        = []string{"pricePerCore", "price_per_core", "PricePerCore", "per_core_price", "Price", "price", "spot_price", "SpotPrice"}
	cpuAliases          = []string{"cpuCoreCount", "cpu_cores", "CpuCores", "cores", "Cores"}
	memoryAliases       = []string{"memorySize", "memory_size", "MemorySize", "memory", "Memory"}
)

// envelopeKey is the object field some advisor builds wrap their offers in.
const envelopeKey = "spot_prices"

// ParseOffers decodes an advisor response. The offers may be a top-level array,
// wrapped in a "spot_prices" object field, or held by the first array-valued
// field of an object. Records missing a shape, zone or usable price are dropped.
func ParseOffers(data []byte) ([]PriceCandidate, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrNoCandidates
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedResponse)
	}

	records, err := offerRecords(gjson.ParseBytes(data))
	if err != nil {
		return nil, err
	}

	var candidates []PriceCandidate
	for _, record := range records {
		if candidate, ok := decodeOffer(record); ok {
			candidates = append(candidates, candidate)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return candidates, nil
}

func offerRecords(root gjson.Result) ([]gjson.Result, error) {
	switch {
	case root.IsArray():
		return root.Array(), nil

	case root.IsObject():
		if wrapped := root.Get(envelopeKey); wrapped.IsArray() {
			return wrapped.Array(), nil
		}

		var records []gjson.Result
		root.ForEach(func(_, value gjson.Result) bool {
			if value.IsArray() {
				records = value.Array()
				return false
			}
			return true
		})
		if records != nil {
			return records, nil
		}
		return nil, fmt.Errorf("%w: object without an array of offers", ErrMalformedResponse)

	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrMalformedResponse, root.Type)
	}
}

func decodeOffer(record gjson.Result) (PriceCandidate, bool) {
	if !record.IsObject() {
		return PriceCandidate{}, false
	}

	instanceType := lookup(record, instanceTypeAliases).String()
	zone := lookup(record, zoneAliases).String()
	price, ok := number(lookup(record, priceAliases))
	if instanceType == "" || zone == "" || !ok || price <= 0 {
		return PriceCandidate{}, false
	}

	candidate := PriceCandidate{
		InstanceType: instanceType,
		Zone:         zone,
		PricePerCore: price,
	}
	if cores, ok := number(lookup(record, cpuAliases)); ok && cores > 0 {
		candidate.CPUCores = int(cores)
	}
	if memory, ok := number(lookup(record, memoryAliases)); ok && memory > 0 {
		candidate.MemoryGiB = int(memory)
	}
	return candidate, true
}

// lookup returns the first alias present in the record. Exact names are tried
// first, then a case-insensitive pass over the record keys.
func lookup(record gjson.Result, aliases []string) gjson.Result {
	for _, alias := range aliases {
		if value := record.Get(alias); value.Exists() && value.Type != gjson.Null {
			return value
		}
	}

	var found gjson.Result
	for _, alias := range aliases {
		record.ForEach(func(key, value gjson.Result) bool {
			if strings.EqualFold(key.String(), alias) && value.Type != gjson.Null {
				found = value
				return false
			}
			return true
		})
		if found.Exists() {
			return found
		}
	}
	return gjson.Result{}
}

func number(value gjson.Result) (float64, bool) {
	switch value.Type {
	case gjson.Number:
		return value.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(value.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
