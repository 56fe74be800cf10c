package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gammadia/spotforge/attempt"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/namegen"
	"github.com/gammadia/spotforge/provisioner/internal"
	"github.com/gammadia/spotforge/ranking"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrMachineStopped    = errors.New("machine stopped before becoming ready")
)

// Machines is the part of a cloud.Provider the engine drives.
type Machines interface {
	CreateMachine(ctx context.Context, request cloud.CreateMachineRequest) (string, error)
	DescribeMachine(ctx context.Context, id string) (cloud.Machine, error)
	DeleteMachine(ctx context.Context, id string) error
	SupportedDiskTiers(ctx context.Context, instanceType, zone string) ([]string, error)
}

type Config struct {
	// DiskTiers in preference order, fastest first.
	DiskTiers []string
	// ProbeDiskTiers asks the provider which tiers a shape supports before
	// trying them. The static order is used when the probe has no answer.
	ProbeDiskTiers bool

	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
	// ReleaseDelay is the first pause between delete retries.
	ReleaseDelay time.Duration

	// NamePrefix is used for machines created without an explicit name.
	NamePrefix string

	Logger *slog.Logger `json:"-"`
}

const (
	DefaultReadyInterval = 10 * time.Second
	DefaultReadyTimeout  = 10 * time.Minute
	DefaultNamePrefix    = "spotforge"

	DefaultReleaseDelay = 2 * time.Second

	releaseAttempts = 3
)

// MachineSpec is everything about a machine that does not depend on the
// candidate it lands on.
type MachineSpec struct {
	Name          string
	ImageID       string
	SecurityGroup string
	KeyPair       string
	Identity      string
	DiskSizeGiB   int
	UserData      string
	Tags          map[string]string
}

// Placement is where a machine was created.
type Placement struct {
	MachineID string
	Candidate ranking.RankedCandidate
	DiskTier  string
}

type Engine struct {
	machines Machines
	config   Config
	log      *slog.Logger
}

func New(machines Machines, config Config) *Engine {
	if len(config.DiskTiers) == 0 {
		config.DiskTiers = cloud.DefaultDiskTiers
	}
	if config.ReadyInterval <= 0 {
		config.ReadyInterval = DefaultReadyInterval
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = DefaultReadyTimeout
	}
	if config.ReleaseDelay <= 0 {
		config.ReleaseDelay = DefaultReleaseDelay
	}
	if config.NamePrefix == "" {
		config.NamePrefix = DefaultNamePrefix
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		machines: machines,
		config:   config,
		log:      logger.With("component", "provisioner"),
	}
}

// Provision creates one machine, trying the candidates in order and, for each
// candidate, the disk tiers in preference order. A rejected disk tier moves on
// to the next tier of the same candidate, any other failure moves on to the
// next candidate. The first machine created wins; nothing is rolled back.
func (e *Engine) Provision(ctx context.Context, candidates []ranking.RankedCandidate, spec MachineSpec) (Placement, error) {
	if len(candidates) == 0 {
		return Placement{}, fmt.Errorf("%w: no candidates to try", ErrCapacityExhausted)
	}
	if spec.Name == "" {
		spec.Name = namegen.Prefixed(e.config.NamePrefix)
	}
	if spec.DiskSizeGiB <= 0 {
		spec.DiskSizeGiB = MinDiskSizeGiB
	}

	placement, err := attempt.FirstSuccess(ctx, candidates, func(ctx context.Context, candidate ranking.RankedCandidate) (Placement, error) {
		return e.provisionCandidate(ctx, candidate, spec)
	}, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Placement{}, ctxErr
		}
		return Placement{}, fmt.Errorf("%w after %d candidates: %w", ErrCapacityExhausted, len(candidates), attempt.LastError(err))
	}

	e.log.Info("Machine created",
		"machine", placement.MachineID,
		"name", spec.Name,
		"instance-type", placement.Candidate.InstanceType,
		"zone", placement.Candidate.Zone,
		"disk-tier", placement.DiskTier,
	)
	return placement, nil
}

func (e *Engine) provisionCandidate(ctx context.Context, candidate ranking.RankedCandidate, spec MachineSpec) (Placement, error) {
	log := e.log.With("instance-type", candidate.InstanceType, "zone", candidate.Zone)

	return attempt.FirstSuccess(ctx, e.diskTiers(ctx, candidate), func(ctx context.Context, tier string) (Placement, error) {
		log.Info("Creating machine", "disk-tier", tier, "disk-size", spec.DiskSizeGiB, "bid", ranking.FormatBid(candidate.BidLimit))

		id, err := e.machines.CreateMachine(ctx, cloud.CreateMachineRequest{
			Name:          spec.Name,
			ImageID:       spec.ImageID,
			InstanceType:  candidate.InstanceType,
			Zone:          candidate.Zone,
			Network:       candidate.Network,
			SecurityGroup: spec.SecurityGroup,
			KeyPair:       spec.KeyPair,
			Identity:      spec.Identity,
			DiskTier:      tier,
			DiskSizeGiB:   spec.DiskSizeGiB,
			BidLimit:      candidate.BidLimit,
			UserData:      spec.UserData,
			Tags:          spec.Tags,
			ClientToken:   uuid.NewString(),
		})
		if err != nil {
			if cloud.IsDiskTierUnsupported(err) {
				log.Info("Disk tier not supported, trying the next one", "disk-tier", tier)
			} else {
				log.Warn("Failed to create machine, trying the next candidate", "disk-tier", tier, "error", err)
			}
			return Placement{}, err
		}
		return Placement{MachineID: id, Candidate: candidate, DiskTier: tier}, nil
	}, cloud.IsDiskTierUnsupported)
}

// diskTiers returns the tiers to try for a candidate, narrowed to the ones the
// provider reports as supported when probing is enabled.
func (e *Engine) diskTiers(ctx context.Context, candidate ranking.RankedCandidate) []string {
	if !e.config.ProbeDiskTiers {
		return e.config.DiskTiers
	}

	supported, err := e.machines.SupportedDiskTiers(ctx, candidate.InstanceType, candidate.Zone)
	if err != nil {
		e.log.Debug("Disk tier probe failed, using the static order", "instance-type", candidate.InstanceType, "error", err)
		return e.config.DiskTiers
	}

	tiers := lo.Filter(e.config.DiskTiers, func(tier string, _ int) bool { return slices.Contains(supported, tier) })
	if len(tiers) == 0 {
		e.log.Debug("Disk tier probe had no match, using the static order", "instance-type", candidate.InstanceType, "supported", supported)
		return e.config.DiskTiers
	}
	return tiers
}

// WaitReady polls the machine until it runs without a pending maintenance
// reboot. A machine that stops on its own fails fast.
func (e *Engine) WaitReady(ctx context.Context, id string) (cloud.Machine, error) {
	log := e.log.With("machine", id)
	log.Info("Waiting for machine to become ready", "timeout", e.config.ReadyTimeout)

	var machine cloud.Machine
	err := attempt.Poll(ctx, e.config.ReadyInterval, e.config.ReadyTimeout, func(ctx context.Context) (bool, error) {
		current, err := e.machines.DescribeMachine(ctx, id)
		if err != nil {
			// describe failures are transient, the overall timeout bounds them
			log.Debug("Failed to describe machine", "error", err)
			return false, nil
		}
		machine = current

		switch {
		case current.Status == cloud.MachineRunning && !current.PendingReboot:
			return true, nil
		case current.Status == cloud.MachineStopped || current.Status == cloud.MachineStopping:
			return false, fmt.Errorf("machine '%s' is %s: %w", id, current.Status, ErrMachineStopped)
		default:
			log.Debug("Machine not ready yet", "status", current.Status, "pending-reboot", current.PendingReboot)
			return false, nil
		}
	})
	if err != nil {
		return machine, fmt.Errorf("failed while waiting for machine '%s' to become ready: %w", id, err)
	}

	log.Info("Machine is ready", "status", machine.Status, "private-ip", machine.PrivateIP)
	return machine, nil
}

// Release deletes a machine. A machine that is already gone counts as released.
func (e *Engine) Release(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	err := internal.Retry(ctx, releaseAttempts, e.config.ReleaseDelay, func(ctx context.Context) error {
		return e.machines.DeleteMachine(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete machine '%s': %w", id, err)
	}
	e.log.Info("Machine deleted", "machine", id)
	return nil
}

// Teardown is Release for cleanup paths: failures are logged, never returned,
// so they do not mask the error that triggered the cleanup.
func (e *Engine) Teardown(ctx context.Context, id string) {
	// the caller context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	if err := e.Release(ctx, id); err != nil {
		e.log.Error("Failed to tear down machine", "machine", id, "error", err)
	}
}

// Launch provisions a machine and waits until it is ready. A machine that never
// becomes ready is torn down before the error is returned.
func (e *Engine) Launch(ctx context.Context, candidates []ranking.RankedCandidate, spec MachineSpec) (Placement, cloud.Machine, error) {
	placement, err := e.Provision(ctx, candidates, spec)
	if err != nil {
		return Placement{}, cloud.Machine{}, err
	}

	machine, err := e.WaitReady(ctx, placement.MachineID)
	if err != nil {
		e.Teardown(ctx, placement.MachineID)
		return placement, machine, err
	}
	return placement, machine, nil
}
