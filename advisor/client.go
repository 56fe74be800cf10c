package advisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes the advisor binary and returns its standard output.
type Runner func(ctx context.Context, binary string, args []string) ([]byte, error)

type Config struct {
	Binary          string
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	// Family restricts results to one instance family, e.g. "ecs.c8y".
	Family  string
	Limit   int
	Timeout time.Duration

	Logger *slog.Logger `json:"-"`
	Runner Runner       `json:"-"`
}

const (
	DefaultBinary  = "./spot-instance-advisor"
	DefaultLimit   = 5
	DefaultTimeout = 2 * time.Minute
)

// Client queries the spot-instance-advisor binary. Every call performs exactly
// one query and never retries; failures are reported as soft errors so that the
// ladder can move on to the next rung.
type Client struct {
	config Config
	log    *slog.Logger
}

// Client implements Querier
var _ Querier = (*Client)(nil)

func NewClient(config Config) (*Client, error) {
	if config.AccessKeyID == "" || config.AccessKeySecret == "" {
		return nil, fmt.Errorf("advisor credentials are required")
	}
	if config.Region == "" {
		return nil, fmt.Errorf("advisor region is required")
	}
	if config.Binary == "" {
		config.Binary = DefaultBinary
	}
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Runner == nil {
		config.Runner = execRunner
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		config: config,
		log:    logger.With("component", "advisor"),
	}, nil
}

func (c *Client) args(e Envelope) []string {
	args := []string{
		"-accessKeyId=" + c.config.AccessKeyID,
		"-accessKeySecret=" + c.config.AccessKeySecret,
		"-region=" + c.config.Region,
		fmt.Sprintf("-mincpu=%d", e.MinCPU),
		fmt.Sprintf("-maxcpu=%d", e.MaxCPU),
		fmt.Sprintf("-minmem=%d", e.MinMemory),
		fmt.Sprintf("-maxmem=%d", e.MaxMemory),
		fmt.Sprintf("-limit=%d", c.config.Limit),
		"--json",
		"--arch=" + e.Arch.AdvisorName(),
	}
	if c.config.Family != "" {
		args = append(args, "-family="+c.config.Family)
	}
	return args
}

func (c *Client) Query(ctx context.Context, e Envelope, zoneHint string) ([]PriceCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	c.log.Debug("Running advisor", "binary", c.config.Binary, "envelope", e.String(), "family", c.config.Family)
	output, err := c.config.Runner(ctx, c.config.Binary, c.args(e))
	if err != nil {
		return nil, fmt.Errorf("failed to query advisor: %w", err)
	}

	candidates, err := ParseOffers(output)
	if err != nil {
		return nil, err
	}

	var filtered []PriceCandidate
	for _, candidate := range candidates {
		if c.config.Family != "" && !strings.HasPrefix(candidate.InstanceType, c.config.Family+".") {
			continue
		}
		if zoneHint != "" && candidate.Zone != zoneHint {
			continue
		}
		filtered = append(filtered, candidate)
	}
	if len(filtered) == 0 {
		return nil, ErrNoCandidates
	}

	c.log.Debug("Advisor answered", "offers", len(candidates), "kept", len(filtered))
	return filtered, nil
}

func execRunner(ctx context.Context, binary string, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// FamilyOf returns the instance family of a shape, "ecs.c8y" for "ecs.c8y.8xlarge".
func FamilyOf(instanceType string) string {
	if i := strings.LastIndex(instanceType, "."); i > 0 {
		return instanceType[:i]
	}
	return instanceType
}
