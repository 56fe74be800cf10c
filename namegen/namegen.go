package namegen

import (
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

// ID is a human-friendly name such as "brave-otter".
type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Prefixed returns "<prefix>-<name>", or just the name for an empty prefix.
func Prefixed(prefix string) string {
	prefix = strings.TrimRight(prefix, "-")
	if prefix == "" {
		return Get().String()
	}
	return prefix + "-" + Get().String()
}
