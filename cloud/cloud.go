package cloud

import (
	"context"
	"time"
)

// Disk tiers in preference order, fastest first.
const (
	DiskTierESSD       = "cloud_essd"
	DiskTierSSD        = "cloud_ssd"
	DiskTierEfficiency = "cloud_efficiency"
)

var DefaultDiskTiers = []string{DiskTierESSD, DiskTierSSD, DiskTierEfficiency}

// Machine statuses as reported by the provider.
const (
	MachineStarting = "Starting"
	MachineRunning  = "Running"
	MachineStopping = "Stopping"
	MachineStopped  = "Stopped"
	MachinePending  = "Pending"
)

// Image statuses as reported by the provider.
const (
	ImageCreating     = "Creating"
	ImageAvailable    = "Available"
	ImageCreateFailed = "CreateFailed"
)

type Image struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	Status       string
	Architecture string
	// SizeGiB is zero when the provider did not report a size.
	SizeGiB int
	Tags    map[string]string
}

type Machine struct {
	ID           string
	Name         string
	Status       string
	Zone         string
	InstanceType string
	PublicIP     string
	PrivateIP    string
	// PendingReboot is set while a system maintenance reboot is scheduled.
	PendingReboot bool
}

type CreateMachineRequest struct {
	Name          string
	ImageID       string
	InstanceType  string
	Zone          string
	Network       string
	SecurityGroup string
	KeyPair       string
	// Identity is the role attached to the machine, used by the self-destruct supervisor.
	Identity    string
	DiskTier    string
	DiskSizeGiB int
	// BidLimit is the hourly price limit. Zero lets the provider follow the market price.
	BidLimit float64
	// UserData is the raw boot script, providers encode it as they need.
	UserData    string
	Tags        map[string]string
	ClientToken string
}

type CreateImageRequest struct {
	MachineID   string
	Name        string
	Description string
	Tags        map[string]string
}

// ImageFilter narrows ListImages to images owned by the caller.
type ImageFilter struct {
	// Name matches exactly when set.
	Name         string
	Architecture string
	Tags         map[string]string
}

// Provider is the set of operations spotforge needs from a cloud. Consumers
// define the narrower interfaces they depend on.
type Provider interface {
	CreateMachine(ctx context.Context, request CreateMachineRequest) (string, error)
	DescribeMachine(ctx context.Context, id string) (Machine, error)
	// DeleteMachine succeeds when the machine does not exist anymore.
	DeleteMachine(ctx context.Context, id string) error

	ImageFromFamily(ctx context.Context, family string) (Image, error)
	DescribeImage(ctx context.Context, id string) (Image, error)
	ListImages(ctx context.Context, filter ImageFilter) ([]Image, error)
	CreateImage(ctx context.Context, request CreateImageRequest) (string, error)
	RenameImage(ctx context.Context, id, name string) error
	DeleteImage(ctx context.Context, id string) error
	ShareImage(ctx context.Context, id string, accounts []string) error

	// SupportedDiskTiers reports the disk tiers an instance type can boot from,
	// in no particular order.
	SupportedDiskTiers(ctx context.Context, instanceType, zone string) ([]string, error)
}
