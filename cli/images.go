package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/gammadia/spotforge/advisor"
	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cli/flags"
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/imagebuild"
	"github.com/gammadia/spotforge/provisioner"
	"github.com/gammadia/spotforge/rotation"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var buildImageCmd = &cobra.Command{
	Use:   "build-image",
	Short: "Build a machine image from a base image and publish it as <prefix>-<arch>-latest",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := required(flags.ImagePrefix)
		if err != nil {
			return err
		}
		arch, err := advisor.ParseArch(viper.GetString(flags.Arch))
		if err != nil {
			return err
		}
		list, err := candidates(cmd)
		if err != nil {
			return err
		}
		provider, err := newProvider()
		if err != nil {
			return err
		}

		var selfDestruct *bootscript.SelfDestruct
		if url := viper.GetString(flags.SelfDestructURL); url != "" {
			selfDestruct = &bootscript.SelfDestruct{BinaryURL: url, GracePeriod: viper.GetDuration(flags.GracePeriod)}
		}

		builder := imagebuild.New(provider, newEngine(provider), imagebuild.Config{
			Prefix:        prefix,
			Arch:          arch.String(),
			Family:        viper.GetString(flags.ImageFamily),
			BaseImageID:   viper.GetString(flags.BaseImageID),
			SecurityGroup: viper.GetString(flags.SecurityGroup),
			KeyPair:       viper.GetString(flags.KeyPair),
			Identity:      viper.GetString(flags.Identity),
			DiskSizeGiB:   viper.GetInt(flags.DiskSize),
			MachineTags:   machineTags(cmd),
			Script:        viper.GetString(flags.Script),
			Builder: bootscript.ImageBuilder{
				RunnerVersion:  viper.GetString(flags.RunnerVersion),
				AdvisorVersion: viper.GetString(flags.AdvisorVersion),
				SelfDestruct:   selfDestruct,
			},
			BootWait:     viper.GetDuration(flags.BootWait),
			ImageTimeout: viper.GetDuration(flags.ImageTimeout),
			Retention:    viper.GetInt(flags.Retention),
			ShareWith:    viper.GetStringSlice(flags.ShareWith),
			Logger:       log.Base,
		})

		var result imagebuild.Result
		err = step("Building "+builder.LatestName(), func() (err error) {
			result, err = builder.Build(cmd.Context(), list)
			return err
		})
		if err != nil {
			return err
		}

		if result.Skipped {
			return emit(cmd, kv("IMAGE_ID", result.ImageID), kv("SKIP_BUILD", true))
		}
		return emit(cmd, kv("IMAGE_ID", result.ImageID), kv("IMAGE_NAME", result.ImageName), kv("SKIP_BUILD", false))
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <latest-name>",
	Short: "Archive the images holding a -latest name and prune the pool",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := newProvider()
		if err != nil {
			return err
		}

		rotator := rotation.New(provider, rotation.Config{Retention: viper.GetInt(flags.Retention), Logger: log.Base})
		report, err := rotator.Rotate(cmd.Context(), args[0], viper.GetString(flags.Exclude))
		if err != nil {
			return err
		}

		return emit(cmd,
			kv("RENAMED", len(report.Renamed)),
			kv("KEPT", len(report.Kept)),
			kv("DELETED", len(report.Deleted)),
			kv("FAILED", len(report.Failed)),
		)
	},
}

var lookupImageCmd = &cobra.Command{
	Use:   "lookup-image <name>",
	Short: "Find the newest image with an exact name, or the newest image of a family",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := newProvider()
		if err != nil {
			return err
		}

		var image cloud.Image
		if viper.GetBool(flags.FromFamily) {
			image, err = provider.ImageFromFamily(cmd.Context(), args[0])
		} else {
			image, err = newestNamed(cmd, provider, args[0])
		}
		if err != nil {
			return err
		}

		outputs := []output{kv("IMAGE_ID", image.ID), kv("IMAGE_NAME", image.Name)}
		if !image.CreatedAt.IsZero() {
			outputs = append(outputs, kv("CREATION_TIME", image.CreatedAt.UTC().Format(time.RFC3339)))
		}
		if image.Architecture != "" {
			outputs = append(outputs, kv("ARCHITECTURE", image.Architecture))
		}
		if image.SizeGiB > 0 {
			outputs = append(outputs, kv("SIZE", image.SizeGiB))
		}
		if viper.GetBool(flags.FromFamily) {
			outputs = append(outputs, kv("VERSION_HASH", imagebuild.VersionHash(image)))
		}
		return emit(cmd, outputs...)
	},
}

func newestNamed(cmd *cobra.Command, provider cloud.Provider, name string) (cloud.Image, error) {
	images, err := provider.ListImages(cmd.Context(), cloud.ImageFilter{Name: name, Architecture: viper.GetString(flags.Arch)})
	if err != nil {
		return cloud.Image{}, err
	}
	if len(images) == 0 {
		return cloud.Image{}, fmt.Errorf("no image named '%s': %w", name, cloud.ErrNotFound)
	}
	if len(images) > 1 {
		log.Warn("Several images share the name, using the newest", "name", name, "images", len(images))
	}
	return slices.MaxFunc(images, func(a, b cloud.Image) int { return a.CreatedAt.Compare(b.CreatedAt) }), nil
}

var shareImageCmd = &cobra.Command{
	Use:   "share-image <image-id>",
	Short: "Share an image with other accounts",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		accounts := lo.Without(viper.GetStringSlice(flags.ShareWith), "")
		if len(accounts) == 0 {
			return fmt.Errorf("--%s is required", flags.ShareWith)
		}
		provider, err := newProvider()
		if err != nil {
			return err
		}

		if err := provider.ShareImage(cmd.Context(), args[0], accounts); err != nil {
			return err
		}
		log.Info("Image shared", "image", args[0], "accounts", accounts)
		return emit(cmd, kv("IMAGE_ID", args[0]))
	},
}

var diskSizeCmd = &cobra.Command{
	Use:   "disk-size <image-id>",
	Short: "Print the system disk size needed by an image",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := newProvider()
		if err != nil {
			return err
		}

		size := provisioner.ResolveDiskSize(cmd.Context(), provider, viper.GetInt(flags.ImageSize), args[0], log.Base)
		return emit(cmd, kv("DISK_SIZE", size))
	},
}

func init() {
	addProvisioningFlags(buildImageCmd)
	buildImageCmd.Flags().String(flags.ImagePrefix, "", "prefix of the image names")
	buildImageCmd.Flags().String(flags.Arch, string(advisor.AMD64), "architecture (amd64, arm64)")
	buildImageCmd.Flags().String(flags.ImageFamily, "", "family whose newest image is the base")
	buildImageCmd.Flags().String(flags.BaseImageID, "", "base image when no family is given or the family lookup fails")
	buildImageCmd.Flags().String(flags.Script, "", "image builder template replacing the built-in one")
	buildImageCmd.Flags().String(flags.RunnerVersion, bootscript.DefaultRunnerVersion, "runner version baked in the image")
	buildImageCmd.Flags().String(flags.AdvisorVersion, "", "spot-instance-advisor version baked in the image")
	buildImageCmd.Flags().String(flags.SelfDestructURL, "", "URL of the spotforge binary, installs the self-destruct supervisor")
	buildImageCmd.Flags().Duration(flags.GracePeriod, 5*time.Minute, "self-destruct grace period left for the capture to start")
	buildImageCmd.Flags().Duration(flags.BootWait, imagebuild.DefaultBootWait, "fixed wait for the boot script once the builder runs")
	buildImageCmd.Flags().Duration(flags.ImageTimeout, imagebuild.DefaultImageTimeout, "how long to wait for the image to become available")
	buildImageCmd.Flags().Int(flags.Retention, rotation.DefaultRetention, "images kept in the pool, the new one included")
	buildImageCmd.Flags().StringSlice(flags.ShareWith, nil, "accounts the new image is shared with")

	rotateCmd.Flags().Int(flags.Retention, rotation.DefaultRetention, "images kept in the pool")
	rotateCmd.Flags().String(flags.Exclude, "", "image keeping the latest name, counted in the retention")

	lookupImageCmd.Flags().String(flags.Arch, "", "architecture of the image")
	lookupImageCmd.Flags().Bool(flags.FromFamily, false, "treat the name as an image family")

	shareImageCmd.Flags().StringSlice(flags.ShareWith, nil, "accounts the image is shared with")

	diskSizeCmd.Flags().Int(flags.ImageSize, 0, "image size in GiB when already known")
}
