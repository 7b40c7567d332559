package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go-drive-transfer/internal/database"
	"go-drive-transfer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	mu    sync.Mutex
	files map[string]bool
}

func (o *fakeObjects) put(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.files == nil {
		o.files = map[string]bool{}
	}
	o.files[id] = true
}

func (o *fakeObjects) Exists(ctx context.Context, volumeID, fileID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.files[fileID], nil
}

func loadTestCatalog(t *testing.T) (*Catalog, *fakeObjects) {
	t.Helper()
	objects := &fakeObjects{}
	c, err := Load(filepath.Join("testdata", "catalog.yaml"), objects)
	require.NoError(t, err)
	return c, objects
}

func ids(links []models.Link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.LinkID()
	}
	return out
}

func TestDescendants(t *testing.T) {
	c, _ := loadTestCatalog(t)
	ctx := context.Background()
	docs := models.Folder{VolumeID: "vol-1", ID: "docs"}

	direct, err := c.Descendants(ctx, docs, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"report", "archive", "draft"}, ids(direct))
	assert.Equal(t, models.File{VolumeID: "vol-1", ID: "report", RevisionID: "r1"}, direct[0])
	assert.True(t, direct[2].(models.File).Placeholder)

	all, err := c.Descendants(ctx, docs, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"report", "archive", "notes", "draft"}, ids(all))

	empty, err := c.Descendants(ctx, models.Folder{VolumeID: "vol-1", ID: "empty"}, true)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = c.Descendants(ctx, models.Folder{VolumeID: "vol-1", ID: "nope"}, false)
	assert.ErrorIs(t, err, ErrUnknownLink)
	_, err = c.Descendants(ctx, models.Folder{VolumeID: "vol-9", ID: "docs"}, false)
	assert.ErrorIs(t, err, ErrUnknownVolume)
}

func TestDescendantsDetectsCycles(t *testing.T) {
	c, err := Parse([]byte(`
volumes:
  - id: v
    folders:
      - id: a
        children: [b]
      - id: b
        children: [a]
`), &fakeObjects{})
	require.NoError(t, err)

	_, err = c.Descendants(context.Background(), models.Folder{VolumeID: "v", ID: "a"}, true)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestLookup(t *testing.T) {
	c, _ := loadTestCatalog(t)

	link, err := c.Lookup("vol-1", models.KindAlbum, "holiday")
	require.NoError(t, err)
	assert.Equal(t, models.Album{VolumeID: "vol-1", ID: "holiday"}, link)

	_, err = c.Lookup("vol-1", models.KindFile, "docs")
	assert.ErrorIs(t, err, ErrUnknownLink)
}

func TestAlbumChildrenRefresh(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, src, 0644))

	c, err := Load(path, &fakeObjects{})
	require.NoError(t, err)
	ctx := context.Background()

	photos, err := c.AlbumChildren(ctx, "vol-1", "holiday", false)
	require.NoError(t, err)
	assert.Len(t, photos, 2)

	changed := []byte(`
volumes:
  - id: vol-1
    files:
      - id: photo-1
        revision: r9
    albums:
      - id: holiday
        photos: [photo-1]
`)
	require.NoError(t, os.WriteFile(path, changed, 0644))

	photos, err = c.AlbumChildren(ctx, "vol-1", "holiday", false)
	require.NoError(t, err)
	assert.Len(t, photos, 2, "cached listing without refresh")

	photos, err = c.AlbumChildren(ctx, "vol-1", "holiday", true)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, "r9", photos[0].RevisionID)
}

func TestIsMarkedAsOffline(t *testing.T) {
	c, _ := loadTestCatalog(t)
	ctx := context.Background()

	offline, err := c.IsMarkedAsOffline(ctx, models.File{VolumeID: "vol-1", ID: "notes"})
	require.NoError(t, err)
	assert.True(t, offline)

	offline, err = c.IsMarkedAsOffline(ctx, models.File{VolumeID: "vol-1", ID: "report"})
	require.NoError(t, err)
	assert.False(t, offline)
}

func TestCompletion(t *testing.T) {
	c, objects := loadTestCatalog(t)
	ctx := context.Background()
	docs := models.Folder{VolumeID: "vol-1", ID: "docs"}
	holiday := models.Album{VolumeID: "vol-1", ID: "holiday"}

	done, err := c.AllFolderFilesDownloaded(ctx, docs)
	require.NoError(t, err)
	assert.False(t, done)

	objects.put("report")
	objects.put("notes")
	done, err = c.AllFolderFilesDownloaded(ctx, docs)
	require.NoError(t, err)
	assert.True(t, done, "placeholders do not count")

	objects.put("photo-1")
	done, err = c.AllAlbumPhotosDownloaded(ctx, holiday)
	require.NoError(t, err)
	assert.False(t, done)

	objects.put("photo-2")
	done, err = c.AllAlbumPhotosDownloaded(ctx, holiday)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStateStore(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "states.db"))
	require.NoError(t, err)
	defer db.Close()

	s := NewStateStore(db)
	ctx := context.Background()
	folder := models.Folder{VolumeID: "vol-1", ID: "docs"}
	file := models.File{VolumeID: "vol-1", ID: "report"}

	require.NoError(t, s.SetDownloadState(ctx, folder, models.LinkDownloading))
	require.NoError(t, s.SetDownloadState(ctx, file, models.LinkReady))
	require.NoError(t, s.SetDownloadState(ctx, folder, models.LinkReady))

	state, err := s.State(folder)
	require.NoError(t, err)
	assert.Equal(t, models.LinkReady, state)

	entries, err := s.States()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.KindFile, entries[0].Kind)
	assert.Equal(t, "docs", entries[1].LinkID)
	assert.False(t, entries[1].UpdatedAt.IsZero())

	require.NoError(t, s.SetDownloadState(ctx, folder, models.LinkNone))
	require.NoError(t, s.SetDownloadState(ctx, folder, models.LinkNone))
	state, err = s.State(folder)
	require.NoError(t, err)
	assert.Equal(t, models.LinkNone, state)
}
