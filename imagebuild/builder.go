package imagebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/gammadia/spotforge/attempt"
	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/provisioner"
	"github.com/gammadia/spotforge/ranking"
	"github.com/gammadia/spotforge/rotation"
	"github.com/samber/lo"
)

const (
	DefaultBootWait      = 5 * time.Minute
	DefaultImageInterval = 30 * time.Second
	DefaultImageTimeout  = time.Hour

	// Image tags written on every built image.
	TagVersionHash    = "VersionHash"
	TagBaseImageID    = "BaseImageId"
	TagArchitecture   = "Architecture"
	TagBuildTimestamp = "BuildTimestamp"
	TagLatest         = "Latest"
)

var (
	ErrNoBaseImage       = errors.New("no base image: set an image family or a base image id")
	ErrImageCreateFailed = errors.New("image creation failed")
)

type Config struct {
	// Prefix of the image names, the pool is "<prefix>-<arch>-latest".
	Prefix string
	Arch   string

	// Family is tried first, BaseImageID is the fallback.
	Family      string
	BaseImageID string

	SecurityGroup string
	KeyPair       string
	Identity      string
	// DiskSizeGiB overrides the size derived from the base image.
	DiskSizeGiB int
	MachineTags map[string]string
	// Script is rendered instead of the built-in image builder template when set.
	Script string
	// Builder carries the template fields not derived from the base image.
	Builder bootscript.ImageBuilder

	// BootWait is the fixed wait for the boot script, once the builder is ready.
	BootWait      time.Duration
	ImageInterval time.Duration
	ImageTimeout  time.Duration

	Retention int
	ShareWith []string

	Logger *slog.Logger `json:"-"`
}

// Result is what a build produced. Skipped builds only carry the existing image id.
type Result struct {
	ImageID   string
	ImageName string
	Skipped   bool

	BaseImage cloud.Image
	Placement provisioner.Placement
}

type Builder struct {
	provider cloud.Provider
	engine   *provisioner.Engine
	rotator  *rotation.Rotator
	config   Config
	log      *slog.Logger
	now      func() time.Time
}

func New(provider cloud.Provider, engine *provisioner.Engine, config Config) *Builder {
	if config.BootWait < 0 {
		config.BootWait = 0
	}
	if config.ImageInterval <= 0 {
		config.ImageInterval = DefaultImageInterval
	}
	if config.ImageTimeout <= 0 {
		config.ImageTimeout = DefaultImageTimeout
	}
	config.Arch = lo.Ternary(config.Arch != "", config.Arch, "amd64")

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Builder{
		provider: provider,
		engine:   engine,
		rotator:  rotation.New(provider, rotation.Config{Retention: config.Retention, Logger: config.Logger}),
		config:   config,
		log:      logger.With("component", "image-build"),
		now:      time.Now,
	}
}

// LatestName is the name the built image is published under.
func (b *Builder) LatestName() string {
	return fmt.Sprintf("%s-%s%s", b.config.Prefix, b.config.Arch, rotation.LatestSuffix)
}

// VersionHash identifies the base image an image was built from.
func VersionHash(base cloud.Image) string {
	created := ""
	if !base.CreatedAt.IsZero() {
		created = base.CreatedAt.UTC().Format(time.RFC3339)
	}
	return base.ID + "_" + created
}

// ResolveBase returns the newest image of the family, or the configured base
// image enriched with what the provider knows about it.
func (b *Builder) ResolveBase(ctx context.Context) (cloud.Image, error) {
	if b.config.Family != "" {
		image, err := b.provider.ImageFromFamily(ctx, b.config.Family)
		if err == nil {
			b.log.Info("Using the newest image of the family", "family", b.config.Family, "image", image.ID, "image-name", image.Name)
			return image, nil
		}
		b.log.Warn("Failed to get image from family, falling back to the base image id", "family", b.config.Family, "error", err)
	}

	if b.config.BaseImageID == "" {
		return cloud.Image{}, ErrNoBaseImage
	}

	image, err := b.provider.DescribeImage(ctx, b.config.BaseImageID)
	if err != nil {
		b.log.Warn("Failed to describe the base image, using its id only", "image", b.config.BaseImageID, "error", err)
		return cloud.Image{ID: b.config.BaseImageID}, nil
	}
	return image, nil
}

// existing returns an image already built from the same base, if any. A failed
// lookup means building again.
func (b *Builder) existing(ctx context.Context, hash string) (cloud.Image, bool) {
	images, err := b.provider.ListImages(ctx, cloud.ImageFilter{Tags: map[string]string{TagVersionHash: hash}})
	if err != nil {
		b.log.Warn("Failed to look for an existing image", "version-hash", hash, "error", err)
		return cloud.Image{}, false
	}
	if len(images) == 0 {
		return cloud.Image{}, false
	}
	return slices.MaxFunc(images, func(a, b cloud.Image) int { return a.CreatedAt.Compare(b.CreatedAt) }), true
}

func (b *Builder) script(base cloud.Image) (string, error) {
	data := b.config.Builder
	data.Arch = b.config.Arch
	data.BaseImageID = base.ID
	data.BaseImageName = base.Name
	if !base.CreatedAt.IsZero() {
		data.BaseImageCreatedAt = base.CreatedAt.UTC().Format(time.RFC3339)
	}

	if b.config.Script != "" {
		return bootscript.RenderFile(b.config.Script, data)
	}
	return bootscript.RenderImageBuilder(data)
}

// Build runs the whole workflow on the first candidate that provisions. The
// builder machine is always deleted before returning, even when it already
// deleted itself.
func (b *Builder) Build(ctx context.Context, candidates []ranking.RankedCandidate) (Result, error) {
	if b.config.Prefix == "" {
		return Result{}, errors.New("image name prefix is required")
	}

	base, err := b.ResolveBase(ctx)
	if err != nil {
		return Result{}, err
	}
	result := Result{BaseImage: base}

	hash := VersionHash(base)
	if image, ok := b.existing(ctx, hash); ok {
		b.log.Info("Image with the same base already exists, skipping build", "image", image.ID, "version-hash", hash)
		result.ImageID, result.ImageName, result.Skipped = image.ID, image.Name, true
		return result, nil
	}

	script, err := b.script(base)
	if err != nil {
		return result, fmt.Errorf("failed to render the image builder script: %w", err)
	}

	started := b.now()
	spec := provisioner.MachineSpec{
		Name:          fmt.Sprintf("image-builder-%s-%d", b.config.Arch, started.Unix()),
		ImageID:       base.ID,
		SecurityGroup: b.config.SecurityGroup,
		KeyPair:       b.config.KeyPair,
		Identity:      b.config.Identity,
		DiskSizeGiB:   b.config.DiskSizeGiB,
		UserData:      script,
		Tags:          b.config.MachineTags,
	}

	if spec.DiskSizeGiB <= 0 {
		spec.DiskSizeGiB = provisioner.ResolveDiskSize(ctx, b.provider, base.SizeGiB, base.ID, b.log)
	}

	placement, _, err := b.engine.Launch(ctx, candidates, spec)
	result.Placement = placement
	if err != nil {
		return result, err
	}
	defer b.engine.Teardown(ctx, placement.MachineID)

	b.log.Info("Waiting for the boot script to complete", "machine", placement.MachineID, "wait", b.config.BootWait)
	if err := attempt.Sleep(ctx, b.config.BootWait); err != nil {
		return result, err
	}

	latestName := b.LatestName()
	if _, err := b.rotator.Rotate(ctx, latestName, ""); err != nil {
		return result, fmt.Errorf("failed to rotate images before capture: %w", err)
	}

	imageID, err := b.provider.CreateImage(ctx, cloud.CreateImageRequest{
		MachineID:   placement.MachineID,
		Name:        latestName,
		Description: fmt.Sprintf("Build machine image for %s (base: %s)", b.config.Arch, base.ID),
		Tags: map[string]string{
			TagVersionHash:    hash,
			TagBaseImageID:    base.ID,
			TagArchitecture:   b.config.Arch,
			TagBuildTimestamp: strconv.FormatInt(started.Unix(), 10),
			TagLatest:         "true",
		},
	})
	if err != nil {
		return result, fmt.Errorf("failed to create image: %w", err)
	}
	result.ImageID, result.ImageName = imageID, latestName
	b.log.Info("Image created", "image", imageID, "image-name", latestName)

	if err := b.WaitAvailable(ctx, imageID); err != nil {
		return result, err
	}

	if _, err := b.rotator.Rotate(ctx, latestName, imageID); err != nil {
		return result, fmt.Errorf("failed to rotate images: %w", err)
	}

	if len(b.config.ShareWith) > 0 {
		if err := b.provider.ShareImage(ctx, imageID, b.config.ShareWith); err != nil {
			return result, fmt.Errorf("failed to share image '%s': %w", imageID, err)
		}
		b.log.Info("Image shared", "image", imageID, "accounts", b.config.ShareWith)
	}

	return result, nil
}

// WaitAvailable polls the image until it can be used. Lookup failures are
// retried until the timeout, a failed creation is fatal.
func (b *Builder) WaitAvailable(ctx context.Context, id string) error {
	log := b.log.With("image", id)
	log.Info("Waiting for image to become available", "timeout", b.config.ImageTimeout)

	err := attempt.Poll(ctx, b.config.ImageInterval, b.config.ImageTimeout, func(ctx context.Context) (bool, error) {
		image, err := b.provider.DescribeImage(ctx, id)
		if err != nil {
			log.Debug("Failed to describe image", "error", err)
			return false, nil
		}

		switch image.Status {
		case cloud.ImageAvailable:
			return true, nil
		case cloud.ImageCreateFailed:
			return false, fmt.Errorf("image '%s': %w", id, ErrImageCreateFailed)
		default:
			log.Debug("Image not available yet", "status", image.Status)
			return false, nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed while waiting for image '%s': %w", id, err)
	}

	log.Info("Image is available")
	return nil
}
