package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/bootfromvolume"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/members"
	"github.com/samber/lo"
)

type Config struct {
	Region string
	// Owner restricts image listings to one project.
	Owner string
	// VolumeTypes are the disk tiers offered by the block storage service.
	VolumeTypes []string

	Logger *slog.Logger `json:"-"`
}

// Provider drives an OpenStack cloud. Spot bids do not exist there, instances are
// plain servers booted from a volume of the requested tier.
type Provider struct {
	config  Config
	compute *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	log     *slog.Logger
}

// Provider implements cloud.Provider
var _ cloud.Provider = (*Provider)(nil)

// New authenticates with the standard OS_* environment variables.
func New(config Config) (*Provider, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	endpoint := gophercloud.EndpointOpts{Region: config.Region}
	compute, err := openstack.NewComputeV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}
	image, err := openstack.NewImageServiceV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get image client: %w", err)
	}

	return NewWithClients(config, compute, image), nil
}

func NewWithClients(config Config, compute, image *gophercloud.ServiceClient) *Provider {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Provider{
		config:  config,
		compute: compute,
		image:   image,
		log:     logger.With("component", "openstack", "region", config.Region),
	}
}

// apiError converts a gophercloud failure into a classified *cloud.APIError.
func apiError(operation string, err error) error {
	if err == nil {
		return nil
	}

	apiErr := cloud.NewAPIError(operation, 1, err.Error())
	var notFound gophercloud.ErrDefault404
	switch {
	case errors.As(err, &notFound):
		apiErr.Kind = cloud.ErrNotFound
	case strings.Contains(strings.ToLower(err.Error()), "volume type"):
		apiErr.Kind = cloud.ErrDiskTierUnsupported
	}
	return apiErr
}

func (p *Provider) CreateMachine(_ context.Context, request cloud.CreateMachineRequest) (string, error) {
	create := servers.CreateOpts{
		Name:             request.Name,
		FlavorRef:        request.InstanceType,
		AvailabilityZone: request.Zone,
		Metadata:         request.Tags,
	}
	if request.Network != "" {
		create.Networks = []servers.Network{{UUID: request.Network}}
	}
	if request.SecurityGroup != "" {
		create.SecurityGroups = []string{request.SecurityGroup}
	}
	if request.UserData != "" {
		create.UserData = []byte(bootscript.EnsureInterpreter(request.UserData))
	}

	var opts servers.CreateOptsBuilder = create
	if request.KeyPair != "" {
		opts = keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: request.KeyPair}
	}
	opts = bootfromvolume.CreateOptsExt{
		CreateOptsBuilder: opts,
		BlockDevice: []bootfromvolume.BlockDevice{{
			UUID:                request.ImageID,
			SourceType:          bootfromvolume.SourceImage,
			DestinationType:     bootfromvolume.DestinationVolume,
			VolumeSize:          request.DiskSizeGiB,
			VolumeType:          request.DiskTier,
			DeleteOnTermination: true,
		}},
	}

	if request.BidLimit > 0 {
		p.log.Debug("Ignoring bid limit, OpenStack has no spot market", "bid", request.BidLimit)
	}

	server, err := servers.Create(p.compute, opts).Extract()
	if err != nil {
		return "", apiError("CreateServer", err)
	}
	if server.ID == "" {
		return "", &cloud.APIError{Operation: "CreateServer", Kind: cloud.ErrNoMachineID}
	}
	return server.ID, nil
}

var serverStatuses = map[string]string{
	"ACTIVE":      cloud.MachineRunning,
	"BUILD":       cloud.MachineStarting,
	"REBOOT":      cloud.MachineStarting,
	"HARD_REBOOT": cloud.MachineStarting,
	"SHUTOFF":     cloud.MachineStopped,
	"STOPPED":     cloud.MachineStopped,
}

func (p *Provider) DescribeMachine(_ context.Context, id string) (cloud.Machine, error) {
	server, err := servers.Get(p.compute, id).Extract()
	if err != nil {
		return cloud.Machine{}, apiError("GetServer", err)
	}

	machine := cloud.Machine{
		ID:     server.ID,
		Name:   server.Name,
		Status: lo.ValueOr(serverStatuses, server.Status, server.Status),
	}
	if flavor, ok := server.Flavor["original_name"].(string); ok {
		machine.InstanceType = flavor
	} else if flavor, ok := server.Flavor["id"].(string); ok {
		machine.InstanceType = flavor
	}

	for _, entries := range server.Addresses {
		list, _ := entries.([]any)
		for _, entry := range list {
			address, _ := entry.(map[string]any)
			if version, _ := address["version"].(float64); version != 4 {
				continue
			}
			addr, _ := address["addr"].(string)
			if kind, _ := address["OS-EXT-IPS:type"].(string); kind == "floating" {
				machine.PublicIP = addr
			} else {
				machine.PrivateIP = addr
			}
		}
	}
	return machine, nil
}

func (p *Provider) DeleteMachine(_ context.Context, id string) error {
	err := apiError("DeleteServer", servers.Delete(p.compute, id).ExtractErr())
	if cloud.IsNotFound(err) {
		p.log.Info("Machine already deleted", "machine", id)
		return nil
	}
	return err
}

// ImageFromFamily picks the newest active image named after the family, as
// OpenStack has no image families.
func (p *Provider) ImageFromFamily(_ context.Context, family string) (cloud.Image, error) {
	found, err := p.listImages(images.ListOpts{Name: family, Status: images.ImageStatusActive})
	if err != nil {
		return cloud.Image{}, err
	}
	if len(found) == 0 {
		return cloud.Image{}, fmt.Errorf("image family '%s': %w", family, cloud.ErrNotFound)
	}

	newest := slices.MaxFunc(found, func(a, b cloud.Image) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return newest, nil
}

func (p *Provider) DescribeImage(_ context.Context, id string) (cloud.Image, error) {
	image, err := images.Get(p.image, id).Extract()
	if err != nil {
		return cloud.Image{}, apiError("GetImage", err)
	}
	return convertImage(*image), nil
}

var archNames = map[string]string{"amd64": "x86_64", "arm64": "aarch64"}

func (p *Provider) ListImages(_ context.Context, filter cloud.ImageFilter) ([]cloud.Image, error) {
	found, err := p.listImages(images.ListOpts{Name: filter.Name, Owner: p.config.Owner})
	if err != nil {
		return nil, err
	}

	arch := lo.ValueOr(archNames, filter.Architecture, filter.Architecture)
	return lo.Filter(found, func(image cloud.Image, _ int) bool {
		if filter.Name != "" && image.Name != filter.Name {
			return false
		}
		if arch != "" && image.Architecture != "" && image.Architecture != arch {
			return false
		}
		for key, value := range filter.Tags {
			if image.Tags[key] != value {
				return false
			}
		}
		return true
	}), nil
}

func (p *Provider) listImages(opts images.ListOpts) ([]cloud.Image, error) {
	pages, err := images.List(p.image, opts).AllPages()
	if err != nil {
		return nil, apiError("ListImages", err)
	}

	all, err := images.ExtractImages(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract images: %w", err)
	}
	return lo.Map(all, func(image images.Image, _ int) cloud.Image { return convertImage(image) }), nil
}

func (p *Provider) CreateImage(_ context.Context, request cloud.CreateImageRequest) (string, error) {
	metadata := lo.Assign(request.Tags)
	if request.Description != "" {
		metadata["description"] = request.Description
	}

	id, err := servers.CreateImage(p.compute, request.MachineID, servers.CreateImageOpts{
		Name:     request.Name,
		Metadata: metadata,
	}).ExtractImageID()
	if err != nil {
		return "", apiError("CreateImage", err)
	}
	if id == "" {
		return "", &cloud.APIError{Operation: "CreateImage", Kind: cloud.ErrNoImageID}
	}
	return id, nil
}

func (p *Provider) RenameImage(_ context.Context, id, name string) error {
	_, err := images.Update(p.image, id, images.UpdateOpts{images.ReplaceImageName{NewName: name}}).Extract()
	return apiError("UpdateImage", err)
}

func (p *Provider) DeleteImage(_ context.Context, id string) error {
	err := apiError("DeleteImage", images.Delete(p.image, id).ExtractErr())
	if cloud.IsNotFound(err) {
		p.log.Info("Image already deleted", "image", id)
		return nil
	}
	return err
}

func (p *Provider) ShareImage(_ context.Context, id string, accounts []string) error {
	if len(accounts) == 0 {
		return errors.New("no account to share the image with")
	}

	visibility := images.ImageVisibilityShared
	if _, err := images.Update(p.image, id, images.UpdateOpts{images.UpdateVisibility{Visibility: visibility}}).Extract(); err != nil {
		return apiError("UpdateImage", err)
	}
	for _, account := range accounts {
		if _, err := members.Create(p.image, id, account).Extract(); err != nil {
			return apiError("CreateImageMember", err)
		}
	}
	return nil
}

// SupportedDiskTiers reports the configured volume types, the block storage
// service does not tie them to flavors.
func (p *Provider) SupportedDiskTiers(context.Context, string, string) ([]string, error) {
	return p.config.VolumeTypes, nil
}

var imageStatuses = map[images.ImageStatus]string{
	images.ImageStatusActive:  cloud.ImageAvailable,
	images.ImageStatusQueued:  cloud.ImageCreating,
	images.ImageStatusSaving:  cloud.ImageCreating,
	images.ImageStatusKilled:  cloud.ImageCreateFailed,
	images.ImageStatusDeleted: cloud.ImageCreateFailed,
}

const gib = 1 << 30

func convertImage(image images.Image) cloud.Image {
	converted := cloud.Image{
		ID:        image.ID,
		Name:      image.Name,
		CreatedAt: image.CreatedAt.UTC(),
		Status:    lo.ValueOr(imageStatuses, image.Status, string(image.Status)),
		SizeGiB:   int((image.SizeBytes + gib - 1) / gib),
	}
	for key, value := range image.Properties {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if key == "architecture" {
			converted.Architecture = text
			continue
		}
		if converted.Tags == nil {
			converted.Tags = map[string]string{}
		}
		converted.Tags[key] = text
	}
	return converted
}
