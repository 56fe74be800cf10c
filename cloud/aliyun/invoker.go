package aliyun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Params are the flat key/value parameters of a provider operation.
type Params map[string]string

// Args renders the parameters as "--Key value" pairs, sorted by key.
func (p Params) Args() []string {
	keys := lo.Keys(p)
	slices.Sort(keys)

	args := make([]string, 0, 2*len(keys))
	for _, key := range keys {
		args = append(args, "--"+key, p[key])
	}
	return args
}

type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Output is everything the call printed, for diagnostics and signature matching.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Invoker runs one provider operation. A non-zero exit status is reported in the
// Result, the error is reserved for calls that could not run or timed out.
type Invoker interface {
	Invoke(ctx context.Context, operation string, params Params, timeout time.Duration) (Result, error)
}

// CLIInvoker runs operations through the aliyun command line client.
type CLIInvoker struct {
	Binary  string
	Product string
	Logger  *slog.Logger `json:"-"`
}

// CLIInvoker implements Invoker
var _ Invoker = (*CLIInvoker)(nil)

const (
	DefaultBinary  = "aliyun"
	DefaultProduct = "ecs"
)

// secretParams are never logged.
var secretParams = []string{"UserData"}

func (c *CLIInvoker) binary() string {
	return lo.Ternary(c.Binary != "", c.Binary, DefaultBinary)
}

func (c *CLIInvoker) Invoke(ctx context.Context, operation string, params Params, timeout time.Duration) (Result, error) {
	args := append([]string{lo.Ternary(c.Product != "", c.Product, DefaultProduct), operation}, params.Args()...)

	if c.Logger != nil {
		logged := lo.OmitByKeys(params, secretParams)
		c.Logger.Debug("Invoking provider operation", "operation", operation, "params", logged)
	}
	return c.run(ctx, operation, timeout, args)
}

// Configure switches the CLI credentials to the role attached to the machine it
// runs on.
func (c *CLIInvoker) Configure(ctx context.Context, role, region string, timeout time.Duration) error {
	result, err := c.run(ctx, "configure", timeout, []string{"configure", "set", "--mode", "EcsRamRole", "--ram-role-name", role, "--region", region})
	if err != nil {
		return err
	}
	if result.ExitStatus != 0 {
		return fmt.Errorf("failed to configure credentials with role '%s' (exit status %d): %s", role, result.ExitStatus, result.Output())
	}
	return nil
}

func (c *CLIInvoker) run(ctx context.Context, operation string, timeout time.Duration, args []string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, fmt.Errorf("%s timed out after %s", operation, timeout)
		}
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitStatus = exitErr.ExitCode()
		return result, nil
	default:
		return result, fmt.Errorf("failed to run '%s': %w", c.binary(), err)
	}
}
