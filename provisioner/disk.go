package provisioner

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/gammadia/spotforge/cloud"
)

const (
	// MinDiskSizeGiB is the smallest system disk ever requested.
	MinDiskSizeGiB = 40
	// DiskHeadroomGiB is added to the image size for tools and temporary files.
	DiskHeadroomGiB = 10
)

// DiskSizeFor returns the system disk size for an image of the given size.
// Unknown sizes (zero or negative) get the floor.
func DiskSizeFor(imageSizeGiB int) int {
	if imageSizeGiB <= 0 {
		return MinDiskSizeGiB
	}
	return max(imageSizeGiB+DiskHeadroomGiB, MinDiskSizeGiB)
}

type ImageDescriber interface {
	DescribeImage(ctx context.Context, id string) (cloud.Image, error)
}

// ResolveDiskSize sizes the system disk for imageID. A known image size is used
// as is, otherwise the image is looked up. A failed lookup falls back to the
// floor, it never blocks provisioning.
func ResolveDiskSize(ctx context.Context, images ImageDescriber, knownSizeGiB int, imageID string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	size := knownSizeGiB
	if size <= 0 && images != nil && imageID != "" {
		image, err := images.DescribeImage(ctx, imageID)
		if err != nil {
			logger.Warn("Failed to look up image size, using the minimum disk size", "image", imageID, "error", err)
		} else {
			size = image.SizeGiB
		}
	}

	disk := DiskSizeFor(size)
	logger.Debug("Resolved system disk size", "image", imageID, "image-size", humanizeGiB(size), "disk-size", humanizeGiB(disk))
	return disk
}

func humanizeGiB(size int) string {
	if size <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(size) << 30)
}
