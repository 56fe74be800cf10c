package imagebuild

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/spotforge/advisor"
	"github.com/gammadia/spotforge/bootscript"
	"github.com/gammadia/spotforge/cloud"
	"github.com/gammadia/spotforge/provisioner"
	"github.com/gammadia/spotforge/ranking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider keeps images and machines in memory.
type fakeProvider struct {
	mu sync.Mutex

	images      map[string]cloud.Image
	familyErr   error
	family      cloud.Image
	createErr   error
	imageStatus []string
	describes   int
	nextImage   int

	machines []cloud.CreateMachineRequest
	deleted  []string
	captured []cloud.CreateImageRequest
	shared   map[string][]string
}

func newFakeProvider(images ...cloud.Image) *fakeProvider {
	f := &fakeProvider{images: map[string]cloud.Image{}, shared: map[string][]string{}}
	for _, image := range images {
		f.images[image.ID] = image
	}
	return f
}

func (f *fakeProvider) CreateMachine(_ context.Context, request cloud.CreateMachineRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.machines = append(f.machines, request)
	if f.createErr != nil {
		return "", f.createErr
	}
	return fmt.Sprintf("i-builder-%d", len(f.machines)), nil
}

func (f *fakeProvider) DescribeMachine(_ context.Context, id string) (cloud.Machine, error) {
	return cloud.Machine{ID: id, Status: cloud.MachineRunning}, nil
}

func (f *fakeProvider) DeleteMachine(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeProvider) ImageFromFamily(_ context.Context, family string) (cloud.Image, error) {
	if f.familyErr != nil {
		return cloud.Image{}, f.familyErr
	}
	return f.family, nil
}

func (f *fakeProvider) DescribeImage(_ context.Context, id string) (cloud.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	image, ok := f.images[id]
	if !ok {
		return cloud.Image{}, fmt.Errorf("image '%s': %w", id, cloud.ErrNotFound)
	}
	if len(f.imageStatus) > 0 && image.Status == cloud.ImageCreating {
		image.Status = f.imageStatus[min(f.describes, len(f.imageStatus)-1)]
		f.describes++
		f.images[id] = image
	}
	return image, nil
}

func (f *fakeProvider) ListImages(_ context.Context, filter cloud.ImageFilter) ([]cloud.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var images []cloud.Image
	for _, image := range f.images {
		if filter.Name != "" && image.Name != filter.Name {
			continue
		}
		matches := true
		for key, value := range filter.Tags {
			matches = matches && image.Tags[key] == value
		}
		if matches {
			images = append(images, image)
		}
	}
	return images, nil
}

func (f *fakeProvider) CreateImage(_ context.Context, request cloud.CreateImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextImage++
	id := fmt.Sprintf("m-new-%d", f.nextImage)
	f.captured = append(f.captured, request)
	f.images[id] = cloud.Image{
		ID:        id,
		Name:      request.Name,
		Status:    cloud.ImageCreating,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Tags:      maps.Clone(request.Tags),
	}
	return id, nil
}

func (f *fakeProvider) RenameImage(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	image := f.images[id]
	image.Name = name
	f.images[id] = image
	return nil
}

func (f *fakeProvider) DeleteImage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.images, id)
	return nil
}

func (f *fakeProvider) ShareImage(_ context.Context, id string, accounts []string) error {
	f.shared[id] = accounts
	return nil
}

func (f *fakeProvider) SupportedDiskTiers(context.Context, string, string) ([]string, error) {
	return cloud.DefaultDiskTiers, nil
}

func (f *fakeProvider) named(name string) []cloud.Image {
	images, _ := f.ListImages(context.Background(), cloud.ImageFilter{Name: name})
	return images
}

var (
	baseImage = cloud.Image{
		ID:        "ubuntu_24_04_x64_20G_alibase_20250101.vhd",
		Name:      "Ubuntu 24.04 64 bit",
		CreatedAt: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
		Status:    cloud.ImageAvailable,
		SizeGiB:   20,
	}

	testCandidates = []ranking.RankedCandidate{{
		PriceCandidate: advisor.PriceCandidate{InstanceType: "ecs.c7.2xlarge", Zone: "cn-hangzhou-k", CPUCores: 8},
		Network:        "vsw-k",
		BidLimit:       0.48,
	}}
)

func newTestBuilder(provider *fakeProvider, config Config) *Builder {
	engine := provisioner.New(provider, provisioner.Config{
		ReadyInterval: time.Millisecond,
		ReadyTimeout:  time.Second,
		ReleaseDelay:  time.Millisecond,
	})
	if config.Prefix == "" {
		config.Prefix = "spot-runner"
	}
	config.ImageInterval = time.Millisecond
	config.ImageTimeout = time.Second

	builder := New(provider, engine, config)
	builder.now = func() time.Time { return time.Unix(1748779200, 0) }
	return builder
}

func TestBuild(t *testing.T) {
	provider := newFakeProvider(baseImage)
	provider.family = baseImage
	provider.imageStatus = []string{cloud.ImageCreating, cloud.ImageAvailable}

	builder := newTestBuilder(provider, Config{
		Arch:        "arm64",
		Family:      "acs:ubuntu_24_04_arm64",
		MachineTags: map[string]string{"GIHUB_RUNNER_TYPE": "aliyun-ecs-spot"},
		ShareWith:   []string{"1234567890"},
	})

	result, err := builder.Build(context.Background(), testCandidates)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, "m-new-1", result.ImageID)
	assert.Equal(t, "spot-runner-arm64-latest", result.ImageName)
	assert.Equal(t, "i-builder-1", result.Placement.MachineID)

	require.Len(t, provider.machines, 1)
	machine := provider.machines[0]
	assert.Equal(t, "image-builder-arm64-1748779200", machine.Name)
	assert.Equal(t, baseImage.ID, machine.ImageID)
	assert.Equal(t, 40, machine.DiskSizeGiB)
	assert.Equal(t, cloud.DiskTierESSD, machine.DiskTier)
	assert.Contains(t, machine.UserData, baseImage.ID)

	require.Len(t, provider.captured, 1)
	assert.Equal(t, "i-builder-1", provider.captured[0].MachineID)
	assert.Equal(t, map[string]string{
		TagVersionHash:    baseImage.ID + "_2025-01-01T08:00:00Z",
		TagBaseImageID:    baseImage.ID,
		TagArchitecture:   "arm64",
		TagBuildTimestamp: "1748779200",
		TagLatest:         "true",
	}, provider.captured[0].Tags)

	assert.Equal(t, []string{"1234567890"}, provider.shared["m-new-1"])
	assert.Equal(t, []string{"i-builder-1"}, provider.deleted)
}

func TestBuildSkipsKnownVersion(t *testing.T) {
	built := cloud.Image{
		ID:        "m-built",
		Name:      "spot-runner-amd64-latest",
		CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Tags:      map[string]string{TagVersionHash: VersionHash(baseImage)},
	}
	provider := newFakeProvider(baseImage, built)

	result, err := newTestBuilder(provider, Config{BaseImageID: baseImage.ID}).Build(context.Background(), testCandidates)
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Equal(t, "m-built", result.ImageID)
	assert.Empty(t, provider.machines)
}

func TestBuildArchivesPreviousLatest(t *testing.T) {
	previous := cloud.Image{
		ID:        "m-previous",
		Name:      "spot-runner-amd64-latest",
		CreatedAt: time.Date(2025, 5, 20, 9, 30, 0, 0, time.UTC),
		Status:    cloud.ImageAvailable,
		Tags:      map[string]string{TagVersionHash: "older_base"},
	}
	provider := newFakeProvider(baseImage, previous)
	provider.imageStatus = []string{cloud.ImageAvailable}

	result, err := newTestBuilder(provider, Config{BaseImageID: baseImage.ID, Retention: 2}).Build(context.Background(), testCandidates)
	require.NoError(t, err)

	latest := provider.named("spot-runner-amd64-latest")
	require.Len(t, latest, 1)
	assert.Equal(t, result.ImageID, latest[0].ID)
	assert.Equal(t, "spot-runner-amd64-202505200930", provider.images["m-previous"].Name)
}

func TestBuildFallsBackToBaseImageID(t *testing.T) {
	provider := newFakeProvider(baseImage)
	provider.familyErr = errors.New("family not found")
	provider.imageStatus = []string{cloud.ImageAvailable}

	result, err := newTestBuilder(provider, Config{Family: "acs:missing", BaseImageID: baseImage.ID}).Build(context.Background(), testCandidates)
	require.NoError(t, err)
	assert.Equal(t, baseImage, result.BaseImage)
}

func TestResolveBase(t *testing.T) {
	t.Run("nothing configured", func(t *testing.T) {
		_, err := newTestBuilder(newFakeProvider(), Config{}).ResolveBase(context.Background())
		assert.ErrorIs(t, err, ErrNoBaseImage)
	})

	t.Run("unknown base image", func(t *testing.T) {
		image, err := newTestBuilder(newFakeProvider(), Config{BaseImageID: "m-unknown"}).ResolveBase(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cloud.Image{ID: "m-unknown"}, image)
	})
}

func TestBuildImageCreateFailed(t *testing.T) {
	provider := newFakeProvider(baseImage)
	provider.imageStatus = []string{cloud.ImageCreating, cloud.ImageCreateFailed}

	result, err := newTestBuilder(provider, Config{BaseImageID: baseImage.ID}).Build(context.Background(), testCandidates)
	assert.ErrorIs(t, err, ErrImageCreateFailed)
	assert.Equal(t, "m-new-1", result.ImageID)
	assert.Equal(t, []string{"i-builder-1"}, provider.deleted)
}

func TestBuildCapacityExhausted(t *testing.T) {
	provider := newFakeProvider(baseImage)
	provider.createErr = errors.New("OperationDenied.NoStock")

	_, err := newTestBuilder(provider, Config{BaseImageID: baseImage.ID}).Build(context.Background(), testCandidates)
	assert.ErrorIs(t, err, provisioner.ErrCapacityExhausted)
	assert.ErrorContains(t, err, "NoStock")
	assert.Empty(t, provider.captured)
	assert.Empty(t, provider.deleted)
}

func TestBuildCustomScript(t *testing.T) {
	provider := newFakeProvider(baseImage)
	provider.imageStatus = []string{cloud.ImageAvailable}

	script := t.TempDir() + "/builder.sh.tmpl"
	require.NoError(t, os.WriteFile(script, []byte("echo {{ .BaseImageID | shellquote }} {{ .Arch }}\n"), 0o600))

	_, err := newTestBuilder(provider, Config{BaseImageID: baseImage.ID, Script: script, Builder: bootscript.ImageBuilder{}}).Build(context.Background(), testCandidates)
	require.NoError(t, err)
	assert.Equal(t, "echo "+baseImage.ID+" amd64\n", provider.machines[0].UserData)
}

func TestVersionHash(t *testing.T) {
	assert.Equal(t, "m-1_", VersionHash(cloud.Image{ID: "m-1"}))
	assert.Equal(t, "m-1_2025-01-01T08:00:00Z", VersionHash(cloud.Image{ID: "m-1", CreatedAt: time.Date(2025, 1, 1, 16, 0, 0, 0, time.FixedZone("CST", 8*3600))}))
}
