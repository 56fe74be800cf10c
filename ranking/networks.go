package ranking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Networks maps the upper-cased zone letter ("K" for "cn-hangzhou-k") to the
// network handle (vSwitch) machines in that zone are attached to.
type Networks map[string]string

var zoneLetter = regexp.MustCompile(`-([a-z])$`)

// ZoneLetter returns the upper-cased trailing letter of a zone identifier.
func ZoneLetter(zone string) (string, bool) {
	match := zoneLetter.FindStringSubmatch(zone)
	if match == nil {
		return "", false
	}
	return strings.ToUpper(match[1]), true
}

// Resolve returns the network handle configured for the zone. Zones without a
// configured handle are unusable.
func (n Networks) Resolve(zone string) (string, bool) {
	letter, ok := ZoneLetter(zone)
	if !ok {
		return "", false
	}
	handle, ok := n[letter]
	return handle, ok && handle != ""
}

// Set parses "K=vsw-xxx" and stores the handle for the letter.
func (n Networks) Set(assignment string) error {
	letter, handle, ok := strings.Cut(assignment, "=")
	letter, handle = strings.ToUpper(strings.TrimSpace(letter)), strings.TrimSpace(handle)
	if !ok || len(letter) != 1 || letter[0] < 'A' || letter[0] > 'Z' || handle == "" {
		return fmt.Errorf("invalid zone network '%s', expected <zone letter>=<network id>", assignment)
	}
	n[letter] = handle
	return nil
}

func (n Networks) Letters() []string {
	letters := make([]string, 0, len(n))
	for letter := range n {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	return letters
}
