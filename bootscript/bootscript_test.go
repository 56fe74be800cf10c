package bootscript

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureInterpreter(t *testing.T) {
	assert.Equal(t, "#!/bin/bash\necho hi", EnsureInterpreter("echo hi"))
	assert.Equal(t, "#!/bin/sh\necho hi", EnsureInterpreter("#!/bin/sh\necho hi"))
}

func TestEncode(t *testing.T) {
	decoded, err := base64.StdEncoding.DecodeString(Encode("echo hi"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\necho hi", string(decoded))
}

func TestRenderRunner(t *testing.T) {
	script, err := RenderRunner(Runner{
		URL:       "https://github.com/gammadia/spotforge",
		Token:     "AABBCC",
		Name:      "spot-runner-brave-otter",
		Labels:    []string{"self-hosted", "linux", "ARM64"},
		Arch:      "arm64",
		Ephemeral: true,
		Env:       map[string]string{"HTTP_PROXY": "http://proxy:3128", "NOTE": "it's"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(t, script, "--token AABBCC")
	assert.Contains(t, script, "--labels self-hosted,linux,ARM64")
	assert.Contains(t, script, "--ephemeral")
	assert.Contains(t, script, "export NOTE='it'\"'\"'s'")
	assert.Contains(t, script, "actions-runner-linux-arm64-${RUNNER_VERSION}.tar.gz")
	assert.Contains(t, script, "RUNNER_VERSION="+DefaultRunnerVersion)
	assert.NotContains(t, script, "poweroff")
}

func TestRenderRunnerRequiresToken(t *testing.T) {
	_, err := RenderRunner(Runner{URL: "https://github.com/gammadia/spotforge", Name: "runner"})
	assert.Error(t, err)
}

func TestRenderImageBuilder(t *testing.T) {
	script, err := RenderImageBuilder(ImageBuilder{
		Arch:          "amd64",
		BaseImageID:   "m-base",
		BaseImageName: "ubuntu_24_04_x64_20G_alibase_20250101.vhd",
		SelfDestruct: &SelfDestruct{
			BinaryURL:   "https://example.com/spotforge-linux-amd64",
			GracePeriod: 5 * time.Minute,
		},
	})
	require.NoError(t, err)

	assert.Contains(t, script, "actions-runner-linux-x64-"+DefaultRunnerVersion+".tar.gz")
	assert.Contains(t, script, `"base_image": "m-base"`)
	assert.Contains(t, script, "spotforge self-destruct --marker "+DefaultMarker+" --grace-period 5m0s")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(script), `echo "=== Image build completed at $(date -u +%Y-%m-%dT%H:%M:%SZ) ==="`))
	assert.Contains(t, script, "> "+DefaultMarker)
}

func TestRenderImageBuilderWithoutSelfDestruct(t *testing.T) {
	script, err := RenderImageBuilder(ImageBuilder{Arch: "amd64", AdvisorVersion: "v1.2.0"})
	require.NoError(t, err)

	assert.NotContains(t, script, "self-destruct")
	assert.Contains(t, script, "ADVISOR_VERSION=v1.2.0")
}

func TestRenderImageBuilderSelfDestructNeedsBinary(t *testing.T) {
	_, err := RenderImageBuilder(ImageBuilder{Arch: "amd64", SelfDestruct: &SelfDestruct{}})
	assert.Error(t, err)
}

func TestRenderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.sh.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`echo {{ shellquote .Name }} {{ upper .Arch }}`), 0o600))

	script, err := RenderFile(path, Runner{Name: "a b", Arch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "echo 'a b' ARM64", script)

	_, err = RenderFile(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}
