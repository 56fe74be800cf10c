package rotation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gammadia/spotforge/cloud"
	"github.com/samber/lo"
)

const (
	DefaultRetention = 5
	LatestSuffix     = "-latest"

	// archival names end with the creation time of the image, in UTC
	timestampLayout = "200601021504"
)

var ErrAliasNotUnique = errors.New("more than one image holds the latest name")

type Images interface {
	ListImages(ctx context.Context, filter cloud.ImageFilter) ([]cloud.Image, error)
	RenameImage(ctx context.Context, id, name string) error
	DeleteImage(ctx context.Context, id string) error
}

type Config struct {
	// Retention is the number of images kept in a pool, the new image included.
	Retention int

	Logger *slog.Logger `json:"-"`
}

// Prefix strips the latest suffix from a canonical latest name.
func Prefix(latestName string) string {
	return strings.TrimSuffix(latestName, LatestSuffix)
}

// ArchivalName is the name an outgoing latest image is renamed to.
func ArchivalName(latestName string, createdAt time.Time) string {
	return Prefix(latestName) + "-" + createdAt.UTC().Format(timestampLayout)
}

func poolPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(` + regexp.QuoteMeta(LatestSuffix) + `|-\d{12})$`)
}

// Decision partitions an image pool. It is computed from a live listing on
// every run and never stored.
type Decision struct {
	Keep   []cloud.Image
	Delete []cloud.Image
}

// Decide keeps the retention most recent images of the pool, latest-named
// images first: archival images are only kept when fewer latest-named images
// than the retention exist. Images outside the pool pattern are ignored.
func Decide(images []cloud.Image, prefix string, retention int) Decision {
	pattern := poolPattern(prefix)
	latestName := prefix + LatestSuffix
	retention = max(retention, 0)

	var latest, dated []cloud.Image
	for _, image := range images {
		switch {
		case image.Name == latestName:
			latest = append(latest, image)
		case pattern.MatchString(image.Name):
			dated = append(dated, image)
		}
	}

	newestFirst := func(a, b cloud.Image) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}
	slices.SortStableFunc(latest, newestFirst)
	slices.SortStableFunc(dated, newestFirst)

	var decision Decision
	if len(latest) >= retention {
		decision.Keep = latest[:retention]
		decision.Delete = append(slices.Clone(latest[retention:]), dated...)
		return decision
	}

	keepDated := min(retention-len(latest), len(dated))
	decision.Keep = append(slices.Clone(latest), dated[:keepDated]...)
	decision.Delete = slices.Clone(dated[keepDated:])
	return decision
}

// Report is what a rotation did.
type Report struct {
	// Renamed maps image ids to their archival name.
	Renamed map[string]string
	Kept    []string
	Deleted []string
	// Failed holds the ids of images that could not be deleted.
	Failed []string
}

type Rotator struct {
	images Images
	config Config
	log    *slog.Logger
}

func New(images Images, config Config) *Rotator {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Rotator{
		images: images,
		config: config,
		log:    logger.With("component", "rotation"),
	}
}

// Rotate archives the images holding latestName, except exclude, then prunes
// the pool down to the retention. When exclude is set it counts towards the
// retention. Re-running on a rotated pool changes nothing.
//
// Failing to rename or delete an image is logged, not returned: the next run
// sweeps again. Only listing failures, and an alias still held by another image
// than exclude, are errors.
func (r *Rotator) Rotate(ctx context.Context, latestName, exclude string) (*Report, error) {
	if !strings.HasSuffix(latestName, LatestSuffix) {
		return nil, fmt.Errorf("image name '%s' does not end with '%s'", latestName, LatestSuffix)
	}

	log := r.log.With("name", latestName)
	report := &Report{Renamed: map[string]string{}}

	holders, err := r.images.ListImages(ctx, cloud.ImageFilter{Name: latestName})
	if err != nil {
		return nil, fmt.Errorf("failed to list images named '%s': %w", latestName, err)
	}

	var stuck []string
	for _, image := range holders {
		if image.ID == exclude {
			continue
		}
		if r.archive(ctx, log, latestName, image, report) {
			continue
		}
		stuck = append(stuck, image.ID)
	}

	pool, err := r.images.ListImages(ctx, cloud.ImageFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	pool = lo.Filter(pool, func(image cloud.Image, _ int) bool { return image.ID != exclude })

	retention := r.config.Retention
	if exclude != "" {
		retention--
	}
	decision := Decide(pool, Prefix(latestName), retention)

	for _, image := range decision.Keep {
		report.Kept = append(report.Kept, image.ID)
	}
	for _, image := range decision.Delete {
		r.delete(ctx, log, image, report)
	}

	log.Info("Rotated images",
		"renamed", len(report.Renamed),
		"kept", len(report.Kept),
		"deleted", len(report.Deleted),
		"failed", len(report.Failed),
	)

	// an alias holder that could be neither renamed nor deleted, and survived
	// the retention sweep, still shadows the excluded image
	if exclude != "" {
		stuck = lo.Without(stuck, report.Deleted...)
		if len(stuck) > 0 {
			return report, fmt.Errorf("%w: '%s' is also held by %s", ErrAliasNotUnique, latestName, strings.Join(stuck, ", "))
		}
	}
	return report, nil
}

// archive renames an outgoing latest image, deleting it when renaming fails.
// It reports whether the image released the latest name.
func (r *Rotator) archive(ctx context.Context, log *slog.Logger, latestName string, image cloud.Image, report *Report) bool {
	if image.CreatedAt.IsZero() {
		log.Warn("Image has no usable creation time, deleting instead of archiving", "image", image.ID)
		return r.delete(ctx, log, image, report)
	}

	name := ArchivalName(latestName, image.CreatedAt)
	if err := r.images.RenameImage(ctx, image.ID, name); err != nil {
		log.Warn("Failed to archive image, deleting it", "image", image.ID, "archival-name", name, "error", err)
		return r.delete(ctx, log, image, report)
	}

	log.Info("Archived image", "image", image.ID, "archival-name", name)
	report.Renamed[image.ID] = name
	return true
}

func (r *Rotator) delete(ctx context.Context, log *slog.Logger, image cloud.Image, report *Report) bool {
	if slices.Contains(report.Deleted, image.ID) {
		return true
	}

	if err := r.images.DeleteImage(ctx, image.ID); err != nil {
		log.Error("Failed to delete image", "image", image.ID, "image-name", image.Name, "error", err)
		if !slices.Contains(report.Failed, image.ID) {
			report.Failed = append(report.Failed, image.ID)
		}
		return false
	}

	log.Info("Deleted image", "image", image.ID, "image-name", image.Name, "created-at", image.CreatedAt)
	report.Deleted = append(report.Deleted, image.ID)
	report.Failed = lo.Without(report.Failed, image.ID)
	return true
}
