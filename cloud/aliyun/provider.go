package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cloud"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

type Config struct {
	Region  string
	Invoker Invoker `json:"-"`
	// CallTimeout bounds mutating calls, QueryTimeout bounds describe calls.
	CallTimeout  time.Duration
	QueryTimeout time.Duration

	Logger *slog.Logger `json:"-"`
}

const (
	DefaultCallTimeout  = 60 * time.Second
	DefaultQueryTimeout = 30 * time.Second
	pageSize            = 100
)

// Provider drives ECS through the aliyun command line client.
type Provider struct {
	config Config
	log    *slog.Logger
}

// Provider implements cloud.Provider
var _ cloud.Provider = (*Provider)(nil)

func New(config Config) (*Provider, error) {
	if config.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.Invoker == nil {
		config.Invoker = &CLIInvoker{Logger: logger}
	}

	return &Provider{
		config: config,
		log:    logger.With("component", "aliyun", "region", config.Region),
	}, nil
}

func (p *Provider) Region() string {
	return p.config.Region
}

// call runs an operation in the provider region and turns a non-zero exit
// status into a classified *cloud.APIError.
func (p *Provider) call(ctx context.Context, operation string, params Params, timeout time.Duration) (Result, error) {
	if params == nil {
		params = Params{}
	}
	params["RegionId"] = p.config.Region

	result, err := p.config.Invoker.Invoke(ctx, operation, params, timeout)
	if err != nil {
		return result, fmt.Errorf("failed to invoke %s: %w", operation, err)
	}
	if result.ExitStatus != 0 {
		return result, cloud.NewAPIError(operation, result.ExitStatus, result.Output())
	}
	return result, nil
}

func (p *Provider) query(ctx context.Context, operation string, params Params) (gjson.Result, error) {
	result, err := p.call(ctx, operation, params, p.config.QueryTimeout)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.Valid(result.Stdout) {
		return gjson.Result{}, fmt.Errorf("%s returned invalid json: %w", operation, cloud.NewAPIError(operation, 0, result.Output()))
	}
	return gjson.Parse(result.Stdout), nil
}

func setTags(params Params, tags map[string]string) {
	keys := lo.Keys(tags)
	slices.Sort(keys)
	for i, key := range keys {
		params[fmt.Sprintf("Tag.%d.Key", i+1)] = key
		params[fmt.Sprintf("Tag.%d.Value", i+1)] = tags[key]
	}
}

var (
	machineIDPattern = regexp.MustCompile(`\bi-[a-z0-9]+`)
	imageIDPattern   = regexp.MustCompile(`\bm-[a-z0-9]+`)
)

// extractID reads the id at path in a JSON response and falls back to a
// pattern match over the raw output.
func extractID(output, path string, pattern *regexp.Regexp) string {
	if gjson.Valid(output) {
		if id := gjson.Get(output, path).String(); id != "" {
			return id
		}
	}
	return pattern.FindString(output)
}

func (p *Provider) CreateMachine(ctx context.Context, request cloud.CreateMachineRequest) (string, error) {
	params := Params{
		"ImageId":                     request.ImageID,
		"InstanceType":                request.InstanceType,
		"SecurityGroupId":             request.SecurityGroup,
		"VSwitchId":                   request.Network,
		"InstanceName":                request.Name,
		"InstanceChargeType":          "PostPaid",
		"SystemDisk.Category":         request.DiskTier,
		"SystemDisk.Size":             strconv.Itoa(request.DiskSizeGiB),
		"SecurityEnhancementStrategy": "Deactive",
	}
	if request.Zone != "" {
		params["ZoneId"] = request.Zone
	}
	if request.UserData != "" {
		params["UserData"] = bootscript.Encode(request.UserData)
	}
	if request.KeyPair != "" {
		params["KeyPairName"] = request.KeyPair
	}
	if request.Identity != "" {
		params["RamRoleName"] = request.Identity
	}
	if request.ClientToken != "" {
		params["ClientToken"] = request.ClientToken
	}
	if request.BidLimit > 0 {
		params["SpotStrategy"] = "SpotWithPriceLimit"
		params["SpotPriceLimit"] = strconv.FormatFloat(request.BidLimit, 'f', 4, 64)
	} else {
		params["SpotStrategy"] = "SpotAsPriceGo"
	}
	setTags(params, request.Tags)

	result, err := p.call(ctx, "RunInstances", params, p.config.CallTimeout)
	if err != nil {
		return "", err
	}

	id := extractID(result.Stdout, "InstanceIdSets.InstanceIdSet.0", machineIDPattern)
	if id == "" {
		return "", &cloud.APIError{Operation: "RunInstances", Output: result.Output(), Kind: cloud.ErrNoMachineID}
	}
	return id, nil
}

func (p *Provider) DescribeMachine(ctx context.Context, id string) (cloud.Machine, error) {
	ids, _ := json.Marshal([]string{id})
	response, err := p.query(ctx, "DescribeInstances", Params{"InstanceIds": string(ids)})
	if err != nil {
		return cloud.Machine{}, err
	}

	instance := response.Get("Instances.Instance.0")
	if !instance.Exists() {
		return cloud.Machine{}, fmt.Errorf("machine '%s': %w", id, cloud.ErrNotFound)
	}

	return cloud.Machine{
		ID:            instance.Get("InstanceId").String(),
		Name:          instance.Get("InstanceName").String(),
		Status:        instance.Get("Status").String(),
		Zone:          instance.Get("ZoneId").String(),
		InstanceType:  instance.Get("InstanceType").String(),
		PublicIP:      instance.Get("PublicIpAddress.IpAddress.0").String(),
		PrivateIP:     instance.Get("VpcAttributes.PrivateIpAddress.IpAddress.0").String(),
		PendingReboot: instance.Get("SystemEvent.EventType").String() == "SystemMaintenance.Reboot",
	}, nil
}

func (p *Provider) DeleteMachine(ctx context.Context, id string) error {
	_, err := p.call(ctx, "DeleteInstance", Params{"InstanceId": id, "Force": "true"}, p.config.CallTimeout)
	if cloud.IsNotFound(err) {
		p.log.Info("Machine already deleted", "machine", id)
		return nil
	}
	return err
}

func (p *Provider) ImageFromFamily(ctx context.Context, family string) (cloud.Image, error) {
	response, err := p.query(ctx, "DescribeImageFromFamily", Params{"ImageFamily": family})
	if err != nil {
		return cloud.Image{}, err
	}

	image := parseImage(response.Get("Image"))
	if image.ID == "" {
		return cloud.Image{}, fmt.Errorf("image family '%s': %w", family, cloud.ErrNotFound)
	}
	return image, nil
}

// DescribeImage looks an image up by id. The id is tried verbatim first, then
// as a JSON array, as both spellings are accepted depending on the CLI version.
func (p *Provider) DescribeImage(ctx context.Context, id string) (cloud.Image, error) {
	array, _ := json.Marshal([]string{id})

	var lastErr error
	for _, param := range []string{id, string(array)} {
		response, err := p.query(ctx, "DescribeImages", Params{"ImageId": param})
		if err != nil {
			lastErr = err
			continue
		}
		if image := parseImage(response.Get("Images.Image.0")); image.ID != "" {
			return image, nil
		}
		lastErr = fmt.Errorf("image '%s': %w", id, cloud.ErrNotFound)
	}
	return cloud.Image{}, lastErr
}

var archNames = map[string]string{"amd64": "x86_64", "arm64": "arm64"}

func (p *Provider) ListImages(ctx context.Context, filter cloud.ImageFilter) ([]cloud.Image, error) {
	var images []cloud.Image

	for page := 1; ; page++ {
		params := Params{
			"ImageOwnerAlias": "self",
			"PageSize":        strconv.Itoa(pageSize),
			"PageNumber":      strconv.Itoa(page),
		}
		if filter.Name != "" {
			params["ImageName"] = filter.Name
		}
		if filter.Architecture != "" {
			params["Architecture"] = lo.ValueOr(archNames, filter.Architecture, filter.Architecture)
		}
		setTags(params, filter.Tags)

		response, err := p.query(ctx, "DescribeImages", params)
		if err != nil {
			return nil, err
		}

		records := response.Get("Images.Image").Array()
		for _, record := range records {
			image := parseImage(record)
			// the name parameter is a prefix match on some API versions
			if filter.Name != "" && image.Name != filter.Name {
				continue
			}
			images = append(images, image)
		}

		// a missing total leaves paging to the first short page
		total := int(response.Get("TotalCount").Int())
		if len(records) < pageSize || (total > 0 && page*pageSize >= total) {
			break
		}
	}

	return images, nil
}

func (p *Provider) CreateImage(ctx context.Context, request cloud.CreateImageRequest) (string, error) {
	params := Params{
		"InstanceId": request.MachineID,
		"ImageName":  request.Name,
	}
	if request.Description != "" {
		params["Description"] = request.Description
	}
	setTags(params, request.Tags)

	result, err := p.call(ctx, "CreateImage", params, p.config.CallTimeout)
	if err != nil {
		return "", err
	}

	id := extractID(result.Stdout, "ImageId", imageIDPattern)
	if id == "" {
		return "", &cloud.APIError{Operation: "CreateImage", Output: result.Output(), Kind: cloud.ErrNoImageID}
	}
	return id, nil
}

func (p *Provider) RenameImage(ctx context.Context, id, name string) error {
	_, err := p.call(ctx, "ModifyImageAttribute", Params{"ImageId": id, "ImageName": name}, p.config.CallTimeout)
	return err
}

func (p *Provider) DeleteImage(ctx context.Context, id string) error {
	_, err := p.call(ctx, "DeleteImage", Params{"ImageId": id, "Force": "true"}, p.config.CallTimeout)
	if cloud.IsNotFound(err) {
		p.log.Info("Image already deleted", "image", id)
		return nil
	}
	return err
}

func (p *Provider) ShareImage(ctx context.Context, id string, accounts []string) error {
	if len(accounts) == 0 {
		return errors.New("no account to share the image with")
	}

	params := Params{"ImageId": id}
	for i, account := range accounts {
		params[fmt.Sprintf("AddAccount.%d", i+1)] = account
	}
	_, err := p.call(ctx, "ModifyImageSharePermission", params, p.config.CallTimeout)
	return err
}

func (p *Provider) SupportedDiskTiers(ctx context.Context, instanceType, zone string) ([]string, error) {
	params := Params{
		"InstanceType":        instanceType,
		"DestinationResource": "SystemDisk",
	}
	if zone != "" {
		params["ZoneId"] = zone
	}

	response, err := p.query(ctx, "DescribeAvailableResource", params)
	if err != nil {
		return nil, err
	}

	var tiers []string
	for _, resource := range response.Get("AvailableZones.AvailableZone.0.AvailableResources.AvailableResource.0.SupportedResources.SupportedResource").Array() {
		if status := resource.Get("Status").String(); status != "" && status != "Available" {
			continue
		}
		if value := resource.Get("Value").String(); value != "" {
			tiers = append(tiers, value)
		}
	}
	return tiers, nil
}

func parseImage(record gjson.Result) cloud.Image {
	image := cloud.Image{
		ID:           record.Get("ImageId").String(),
		Name:         record.Get("ImageName").String(),
		Status:       record.Get("Status").String(),
		Architecture: record.Get("Architecture").String(),
		SizeGiB:      int(record.Get("Size").Int()),
		CreatedAt:    ParseTime(record.Get("CreationTime").String()),
	}

	for _, tag := range record.Get("Tags.Tag").Array() {
		if image.Tags == nil {
			image.Tags = map[string]string{}
		}
		image.Tags[tag.Get("TagKey").String()] = tag.Get("TagValue").String()
	}
	return image
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses the timestamps returned by the API. It returns the zero time
// for values it does not understand.
func ParseTime(value string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
