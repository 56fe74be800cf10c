package namegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixed(t *testing.T) {
	name := Prefixed("spot-runner-")
	assert.True(t, strings.HasPrefix(name, "spot-runner-"))
	assert.Greater(t, len(name), len("spot-runner-"))

	assert.NotEmpty(t, Prefixed(""))
}
