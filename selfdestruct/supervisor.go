package selfdestruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gammadia/spotforge/attempt"
	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/metadata"
)

const (
	DefaultPollInterval = time.Minute
	DefaultMaxWait      = 2 * time.Hour
	DefaultGracePeriod  = 5 * time.Minute
	DefaultFinalWait    = 10 * time.Second
	DefaultCallTimeout  = 60 * time.Second
)

type Identities interface {
	Identity(ctx context.Context) (metadata.Identity, error)
}

// Credentials switches the provider client to the role attached to the machine.
type Credentials interface {
	Configure(ctx context.Context, role, region string, timeout time.Duration) error
}

type Machines interface {
	DeleteMachine(ctx context.Context, id string) error
}

// Connect returns a provider client for a region, once credentials are set up.
type Connect func(region string) (Machines, error)

type Config struct {
	// Marker is the file whose presence means the machine finished its work.
	Marker       string
	PollInterval time.Duration
	// MaxWait bounds the wait for the marker, the machine is deleted anyway
	// once it elapses.
	MaxWait time.Duration
	// GracePeriod leaves time for an external capture of the machine to start.
	GracePeriod time.Duration
	FinalWait   time.Duration
	CallTimeout time.Duration

	Logger *slog.Logger `json:"-"`
}

// Supervisor runs inside a provisioned machine and deletes it once its work is
// done. It races the caller's own cleanup; a machine already gone is a success.
type Supervisor struct {
	config      Config
	identities  Identities
	credentials Credentials
	connect     Connect
	log         *slog.Logger
}

func New(config Config, identities Identities, credentials Credentials, connect Connect) *Supervisor {
	if config.Marker == "" {
		config.Marker = bootscript.DefaultMarker
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultMaxWait
	}
	if config.GracePeriod < 0 {
		config.GracePeriod = 0
	}
	if config.FinalWait < 0 {
		config.FinalWait = 0
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Supervisor{
		config:      config,
		identities:  identities,
		credentials: credentials,
		connect:     connect,
		log:         logger.With("component", "self-destruct"),
	}
}

func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("Waiting for completion marker", "marker", s.config.Marker, "max-wait", s.config.MaxWait)

	err := attempt.Poll(ctx, s.config.PollInterval, s.config.MaxWait, func(context.Context) (bool, error) {
		_, err := os.Stat(s.config.Marker)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, os.ErrNotExist):
			return false, nil
		default:
			return false, fmt.Errorf("failed to check marker '%s': %w", s.config.Marker, err)
		}
	})
	switch {
	case errors.Is(err, attempt.ErrTimeout):
		s.log.Warn("Completion marker not found in time, deleting the machine anyway", "marker", s.config.Marker)
	case err != nil:
		return err
	default:
		s.log.Info("Completion marker found", "marker", s.config.Marker)
	}

	s.log.Info("Waiting for the grace period", "grace-period", s.config.GracePeriod)
	if err := attempt.Sleep(ctx, s.config.GracePeriod); err != nil {
		return err
	}

	identity, err := s.identities.Identity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read machine identity: %w", err)
	}
	log := s.log.With("machine", identity.InstanceID, "region", identity.Region)
	log.Info("Read machine identity", "role", identity.Role)

	if identity.Role == "" {
		return errors.New("no role attached to the machine, it cannot delete itself")
	}
	if err := s.credentials.Configure(ctx, identity.Role, identity.Region, s.config.CallTimeout); err != nil {
		return fmt.Errorf("failed to configure credentials: %w", err)
	}

	machines, err := s.connect(identity.Region)
	if err != nil {
		return fmt.Errorf("failed to connect to the provider: %w", err)
	}

	log.Info("Deleting machine", "wait", s.config.FinalWait)
	if err := attempt.Sleep(ctx, s.config.FinalWait); err != nil {
		return err
	}
	if err := machines.DeleteMachine(ctx, identity.InstanceID); err != nil {
		return fmt.Errorf("failed to delete machine '%s': %w", identity.InstanceID, err)
	}

	log.Info("Machine deleted")
	return nil
}
