package rotation

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gammadia/spotforge/cloud"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake image store ---

type fakeImages struct {
	images     []cloud.Image
	renameErrs map[string]error
	deleteErrs map[string]error
	listErr    error

	renames int
	deletes int
}

func (f *fakeImages) ListImages(_ context.Context, filter cloud.ImageFilter) ([]cloud.Image, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return lo.Filter(slices.Clone(f.images), func(image cloud.Image, _ int) bool {
		return filter.Name == "" || image.Name == filter.Name
	}), nil
}

func (f *fakeImages) RenameImage(_ context.Context, id, name string) error {
	f.renames++
	if err := f.renameErrs[id]; err != nil {
		return err
	}
	for i := range f.images {
		if f.images[i].ID == id {
			f.images[i].Name = name
			return nil
		}
	}
	return cloud.ErrNotFound
}

func (f *fakeImages) DeleteImage(_ context.Context, id string) error {
	f.deletes++
	if err := f.deleteErrs[id]; err != nil {
		return err
	}
	f.images = lo.Reject(f.images, func(image cloud.Image, _ int) bool { return image.ID == id })
	return nil
}

func (f *fakeImages) names() map[string]string {
	return lo.SliceToMap(f.images, func(image cloud.Image) (string, string) { return image.ID, image.Name })
}

func (f *fakeImages) named(name string) []string {
	var ids []string
	for _, image := range f.images {
		if image.Name == name {
			ids = append(ids, image.ID)
		}
	}
	return ids
}

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func image(id, name string, hoursAfterBase int) cloud.Image {
	return cloud.Image{ID: id, Name: name, CreatedAt: base.Add(time.Duration(hoursAfterBase) * time.Hour)}
}

func ids(images []cloud.Image) []string {
	return lo.Map(images, func(image cloud.Image, _ int) string { return image.ID })
}

// --- Decide ---

func TestDecideKeepsLatestNamedFirst(t *testing.T) {
	pool := []cloud.Image{
		image("l1", "runner-amd64-latest", 10),
		image("l2", "runner-amd64-latest", 11),
		image("l3", "runner-amd64-latest", 12),
		image("d1", "runner-amd64-202501010100", 1),
		image("d2", "runner-amd64-202501010200", 2),
		image("d3", "runner-amd64-202501010300", 3),
		image("d4", "runner-amd64-202501010400", 4),
	}

	decision := Decide(pool, "runner-amd64", 5)
	assert.Equal(t, []string{"l3", "l2", "l1", "d4", "d3"}, ids(decision.Keep))
	assert.Equal(t, []string{"d2", "d1"}, ids(decision.Delete))
}

func TestDecideTooManyLatestNamed(t *testing.T) {
	pool := []cloud.Image{
		image("l1", "runner-latest", 1),
		image("l2", "runner-latest", 2),
		image("l3", "runner-latest", 3),
		image("d1", "runner-202501010100", 9),
	}

	decision := Decide(pool, "runner", 2)
	assert.Equal(t, []string{"l3", "l2"}, ids(decision.Keep))
	assert.Equal(t, []string{"l1", "d1"}, ids(decision.Delete))
}

func TestDecideIgnoresForeignImages(t *testing.T) {
	pool := []cloud.Image{
		image("a", "runner-amd64-latest-copy", 1),
		image("b", "runner-arm64-latest", 2),
		image("c", "runner-amd64-2025", 3),
		image("d", "other-runner-amd64-202501010100", 4),
		image("e", "runner-amd64-202501010100", 5),
	}

	decision := Decide(pool, "runner-amd64", 0)
	assert.Empty(t, decision.Keep)
	assert.Equal(t, []string{"e"}, ids(decision.Delete))
}

func TestDecideBreaksTiesByID(t *testing.T) {
	pool := []cloud.Image{
		image("b", "runner-202501010100", 1),
		image("a", "runner-202501010100", 1),
	}

	decision := Decide(pool, "runner", 1)
	assert.Equal(t, []string{"a"}, ids(decision.Keep))
	assert.Equal(t, []string{"b"}, ids(decision.Delete))
}

func TestArchivalName(t *testing.T) {
	created := time.Date(2025, 11, 19, 20, 49, 0, 0, time.FixedZone("CST", 8*3600))
	assert.Equal(t, "runner-amd64-202511191249", ArchivalName("runner-amd64-latest", created))
}

// --- Rotate ---

func TestRotateRetention(t *testing.T) {
	store := &fakeImages{images: []cloud.Image{
		image("l1", "runner-amd64-latest", 10),
		image("l2", "runner-amd64-latest", 11),
		image("l3", "runner-amd64-latest", 12),
		image("d1", "runner-amd64-202501010100", 1),
		image("d2", "runner-amd64-202501010200", 2),
		image("d3", "runner-amd64-202501010300", 3),
		image("d4", "runner-amd64-202501010400", 4),
		image("x", "unrelated", 0),
	}}
	// the latest-named images cannot be renamed, so they keep their name
	store.renameErrs = map[string]error{"l1": errors.New("denied"), "l2": errors.New("denied"), "l3": errors.New("denied")}
	store.deleteErrs = map[string]error{"l1": errors.New("denied"), "l2": errors.New("denied"), "l3": errors.New("denied")}

	report, err := New(store, Config{Retention: 5}).Rotate(context.Background(), "runner-amd64-latest", "")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"l1", "l2", "l3", "d3", "d4", "x"}, lo.Keys(store.names()))
	assert.Equal(t, []string{"l3", "l2", "l1", "d4", "d3"}, report.Kept)
	assert.Equal(t, []string{"d2", "d1"}, report.Deleted)
}

func TestRotateArchivesOutgoingLatest(t *testing.T) {
	store := &fakeImages{images: []cloud.Image{
		image("old", "runner-amd64-latest", 0),
		image("new", "runner-amd64-latest", 5),
	}}

	report, err := New(store, Config{Retention: 5}).Rotate(context.Background(), "runner-amd64-latest", "new")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"old": "runner-amd64-202501011200"}, report.Renamed)
	assert.Equal(t, map[string]string{
		"old": "runner-amd64-202501011200",
		"new": "runner-amd64-latest",
	}, store.names())
	assert.Empty(t, report.Deleted)
}

func TestRotateDeletesWhenRenameFails(t *testing.T) {
	store := &fakeImages{
		images: []cloud.Image{
			image("old", "runner-latest", 0),
			image("new", "runner-latest", 5),
		},
		renameErrs: map[string]error{"old": errors.New("denied")},
	}

	report, err := New(store, Config{}).Rotate(context.Background(), "runner-latest", "new")
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, report.Deleted)
	assert.Equal(t, []string{"new"}, store.named("runner-latest"))
}

func TestRotateDeletesImagesWithoutCreationTime(t *testing.T) {
	store := &fakeImages{images: []cloud.Image{
		{ID: "old", Name: "runner-latest"},
		image("new", "runner-latest", 5),
	}}

	report, err := New(store, Config{}).Rotate(context.Background(), "runner-latest", "new")
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, report.Deleted)
	assert.Zero(t, store.renames)
}

func TestRotateAliasInvariant(t *testing.T) {
	store := &fakeImages{images: []cloud.Image{
		image("a", "runner-latest", 1),
		image("b", "runner-latest", 2),
		image("c", "runner-latest", 3),
		image("d1", "runner-202412310100", -30),
		image("d2", "runner-202412310200", -29),
		image("d3", "runner-202412310300", -28),
		image("d4", "runner-202412310400", -27),
		image("d5", "runner-202412310500", -26),
		image("new", "runner-latest", 4),
	}}

	report, err := New(store, Config{Retention: 3}).Rotate(context.Background(), "runner-latest", "new")
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, store.named("runner-latest"))
	assert.Len(t, store.images, 3, "the new image and retention-1 others")
	assert.Equal(t, []string{"c", "b"}, report.Kept)
}

func TestRotateAliasStillShadowed(t *testing.T) {
	store := &fakeImages{
		images: []cloud.Image{
			image("old", "runner-latest", 0),
			image("new", "runner-latest", 5),
		},
		renameErrs: map[string]error{"old": errors.New("denied")},
		deleteErrs: map[string]error{"old": errors.New("denied")},
	}

	report, err := New(store, Config{Retention: 5}).Rotate(context.Background(), "runner-latest", "new")
	assert.ErrorIs(t, err, ErrAliasNotUnique)
	require.NotNil(t, report)
	assert.Equal(t, []string{"old"}, report.Failed)
}

func TestRotateIsIdempotent(t *testing.T) {
	store := &fakeImages{images: []cloud.Image{
		image("l1", "runner-latest", 10),
		image("l2", "runner-latest", 11),
		image("d1", "runner-202501010100", 1),
		image("d2", "runner-202501010200", 2),
		image("d3", "runner-202501010300", 3),
		image("d4", "runner-202501010400", 4),
		image("d5", "runner-202501010500", 5),
		image("new", "runner-latest", 12),
	}}
	rotator := New(store, Config{Retention: 4})

	_, err := rotator.Rotate(context.Background(), "runner-latest", "new")
	require.NoError(t, err)
	after := store.names()
	renames, deletes := store.renames, store.deletes

	report, err := rotator.Rotate(context.Background(), "runner-latest", "new")
	require.NoError(t, err)

	assert.Equal(t, after, store.names())
	assert.Equal(t, renames, store.renames)
	assert.Equal(t, deletes, store.deletes)
	assert.Empty(t, report.Renamed)
	assert.Empty(t, report.Deleted)
	assert.Len(t, after, 4)
}

func TestRotateKeepsGoingAfterDeleteFailures(t *testing.T) {
	store := &fakeImages{
		images: []cloud.Image{
			image("d1", "runner-202501010100", 1),
			image("d2", "runner-202501010200", 2),
			image("d3", "runner-202501010300", 3),
		},
		deleteErrs: map[string]error{"d1": errors.New("in use")},
	}

	report, err := New(store, Config{Retention: 1}).Rotate(context.Background(), "runner-latest", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"d2"}, report.Deleted)
	assert.Equal(t, []string{"d1"}, report.Failed)
	assert.Equal(t, []string{"d3"}, report.Kept)
}

func TestRotateListFailure(t *testing.T) {
	store := &fakeImages{listErr: errors.New("throttled")}

	_, err := New(store, Config{}).Rotate(context.Background(), "runner-latest", "")
	assert.ErrorContains(t, err, "throttled")
}

func TestRotateRejectsNonLatestName(t *testing.T) {
	_, err := New(&fakeImages{}, Config{}).Rotate(context.Background(), "runner", "")
	assert.Error(t, err)
}
