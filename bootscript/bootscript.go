package bootscript

import (
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/alessio/shellescape"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
)

// DefaultInterpreter is prepended to scripts that do not name one.
const DefaultInterpreter = "#!/bin/bash"

// DefaultMarker is the file the image builder script writes once the machine
// is ready to be captured.
const DefaultMarker = "/opt/image-build-complete.flag"

const DefaultRunnerVersion = "2.311.0"

//go:embed templates/*.tmpl
var templates embed.FS

type Runner struct {
	// URL of the repository or organization the runner registers with.
	URL    string
	Token  string
	Name   string
	Labels []string
	Arch   string
	// Dir is where the runner is installed, it is downloaded when missing.
	Dir       string
	Version   string
	Ephemeral bool
	PowerOff  bool
	Env       map[string]string
}

// RunnerArch is the architecture name used by runner release archives.
func (r Runner) RunnerArch() string {
	return runnerArch(r.Arch)
}

type SelfDestruct struct {
	// BinaryURL is where the machine downloads the spotforge binary from.
	BinaryURL   string
	GracePeriod time.Duration
}

type ImageBuilder struct {
	Arch           string
	RunnerVersion  string
	RunnerDir      string
	AdvisorVersion string
	Marker         string
	ExtraCommands  []string

	BaseImageID        string
	BaseImageName      string
	BaseImageCreatedAt string

	// SelfDestruct installs the supervisor deleting the machine once the image is captured.
	SelfDestruct *SelfDestruct
}

func (b ImageBuilder) RunnerArch() string {
	return runnerArch(b.Arch)
}

// VersionInfo is the JSON document describing the image, written to the image itself.
func (b ImageBuilder) VersionInfo() (string, error) {
	info := map[string]string{
		"architecture":             b.Arch,
		"base_image":               b.BaseImageID,
		"base_image_name":          b.BaseImageName,
		"base_image_creation_time": b.BaseImageCreatedAt,
		"runner_version":           b.RunnerVersion,
		"advisor_version":          b.AdvisorVersion,
	}
	buf, err := json.MarshalIndent(info, "", "  ")
	return string(buf), err
}

func runnerArch(arch string) string {
	return lo.Ternary(arch == "arm64", "arm64", "x64")
}

func funcs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["shellquote"] = shellescape.Quote
	return funcs
}

func RenderRunner(runner Runner) (string, error) {
	if runner.URL == "" || runner.Token == "" || runner.Name == "" {
		return "", fmt.Errorf("runner url, token and name are required")
	}
	runner.Dir = lo.Ternary(runner.Dir != "", runner.Dir, "/opt/actions-runner")
	runner.Version = lo.Ternary(runner.Version != "", runner.Version, DefaultRunnerVersion)

	return renderEmbedded("runner.sh.tmpl", runner)
}

func RenderImageBuilder(builder ImageBuilder) (string, error) {
	builder.RunnerDir = lo.Ternary(builder.RunnerDir != "", builder.RunnerDir, "/opt/actions-runner")
	builder.RunnerVersion = lo.Ternary(builder.RunnerVersion != "", builder.RunnerVersion, DefaultRunnerVersion)
	builder.Marker = lo.Ternary(builder.Marker != "", builder.Marker, DefaultMarker)
	if builder.SelfDestruct != nil && builder.SelfDestruct.BinaryURL == "" {
		return "", fmt.Errorf("self-destruct requires the url of the spotforge binary")
	}

	return renderEmbedded("image-builder.sh.tmpl", builder)
}

// RenderFile renders a user supplied script template with the same helpers as
// the built-in ones.
func RenderFile(path string, data any) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read boot script: %w", err)
	}
	return render(path, string(buf), data)
}

func renderEmbedded(name string, data any) (string, error) {
	buf, err := templates.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("failed to read template '%s': %w", name, err)
	}
	return render(name, string(buf), data)
}

func render(name, source string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(funcs()).Option("missingkey=error").Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return output.String(), nil
}

// EnsureInterpreter prepends the default interpreter line to scripts without one.
func EnsureInterpreter(script string) string {
	if strings.HasPrefix(script, "#!") {
		return script
	}
	return DefaultInterpreter + "\n" + script
}

// Encode prepares a script for the provider wire: interpreter line, then base64.
func Encode(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(EnsureInterpreter(script)))
}
