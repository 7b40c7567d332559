package transfer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-drive-transfer/internal/database"
	"go-drive-transfer/internal/models"
	"go-drive-transfer/internal/queue"

	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

type fakeTree struct {
	mu      sync.Mutex
	folders map[string][]models.Link
	albums  map[string][]models.File
}

func newFakeTree() *fakeTree {
	return &fakeTree{folders: map[string][]models.Link{}, albums: map[string][]models.File{}}
}

func (t *fakeTree) Descendants(ctx context.Context, folder models.Folder, recursive bool) ([]models.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	children, ok := t.folders[folder.ID]
	if !ok {
		return nil, errors.New("no such folder")
	}
	out := append([]models.Link(nil), children...)
	if recursive {
		for _, c := range children {
			if sub, ok := c.(models.Folder); ok {
				t.mu.Unlock()
				more, err := t.Descendants(ctx, sub, true)
				t.mu.Lock()
				if err != nil {
					return nil, err
				}
				out = append(out, more...)
			}
		}
	}
	return out, nil
}

func (t *fakeTree) AlbumChildren(ctx context.Context, volumeID, albumID string, refresh bool) ([]models.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	photos, ok := t.albums[albumID]
	if !ok {
		return nil, errors.New("no such album")
	}
	return append([]models.File(nil), photos...), nil
}

type fakeStates struct {
	mu      sync.Mutex
	history map[string][]models.LinkState
}

func (s *fakeStates) SetDownloadState(ctx context.Context, link models.Link, state models.LinkState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		s.history = map[string][]models.LinkState{}
	}
	s.history[link.LinkID()] = append(s.history[link.LinkID()], state)
	return nil
}

func (s *fakeStates) last(id string) models.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[id]
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1]
}

func (s *fakeStates) all(id string) []models.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LinkState(nil), s.history[id]...)
}

// fakeTransfer succeeds immediately unless behaviour for the file says otherwise.
type fakeTransfer struct {
	mu         sync.Mutex
	behaviour  map[string]func(ctx context.Context, progress func(float64)) error
	downloaded map[string]bool
	attempts   map[string]int
	order      []string

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{
		behaviour:  map[string]func(context.Context, func(float64)) error{},
		downloaded: map[string]bool{},
		attempts:   map[string]int{},
	}
}

func (f *fakeTransfer) on(fileID string, fn func(ctx context.Context, progress func(float64)) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviour[fileID] = fn
}

func (f *fakeTransfer) DownloadFile(ctx context.Context, volumeID, fileID, revisionID string, progress func(float64)) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	fn := f.behaviour[fileID]
	f.attempts[fileID]++
	f.order = append(f.order, fileID)
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, progress); err != nil {
			return err
		}
	} else {
		// Give other pipelines a chance to overlap.
		time.Sleep(5 * time.Millisecond)
	}
	progress(100)

	f.mu.Lock()
	f.downloaded[fileID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) isDownloaded(fileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloaded[fileID]
}

func (f *fakeTransfer) attemptsOf(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[fileID]
}

func (f *fakeTransfer) claimedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// fakeCompletion answers from what fakeTransfer has downloaded.
type fakeCompletion struct {
	tree     *fakeTree
	transfer *fakeTransfer
}

func (c *fakeCompletion) AllFolderFilesDownloaded(ctx context.Context, folder models.Folder) (bool, error) {
	links, err := c.tree.Descendants(ctx, folder, true)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if f, ok := l.(models.File); ok && !f.Placeholder && !c.transfer.isDownloaded(f.ID) {
			return false, nil
		}
	}
	return true, nil
}

func (c *fakeCompletion) AllAlbumPhotosDownloaded(ctx context.Context, album models.Album) (bool, error) {
	photos, err := c.tree.AlbumChildren(ctx, album.VolumeID, album.ID, false)
	if err != nil {
		return false, err
	}
	for _, p := range photos {
		if !p.Placeholder && !c.transfer.isDownloaded(p.ID) {
			return false, nil
		}
	}
	return true, nil
}

type fakeCleaner struct {
	mu      sync.Mutex
	cleaned []string
}

func (c *fakeCleaner) Cleanup(ctx context.Context, volumeID, linkID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, linkID)
	return nil
}

func (c *fakeCleaner) contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.cleaned {
		if v == id {
			return true
		}
	}
	return false
}

type fakeOffline map[string]bool

func (o fakeOffline) IsMarkedAsOffline(ctx context.Context, link models.Link) (bool, error) {
	return o[link.LinkID()], nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	finished map[string][]error
}

func (m *fakeMetrics) DownloadFinished(volumeID, fileID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = map[string][]error{}
	}
	m.finished[fileID] = append(m.finished[fileID], err)
}

type fakeNetwork chan models.NetworkSet

func (n fakeNetwork) AllowedNetworks(ctx context.Context) <-chan models.NetworkSet {
	return n
}

type harness struct {
	manager   *Manager
	downloads *queue.DownloadStore
	parents   *queue.ParentStore
	tree      *fakeTree
	states    *fakeStates
	transfer  *fakeTransfer
	cleaner   *fakeCleaner
	metrics   *fakeMetrics
	offline   fakeOffline
	network   fakeNetwork
	triggers  atomic.Int32
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "transfer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		downloads: queue.NewDownloadStore(db),
		parents:   queue.NewParentStore(db),
		tree:      newFakeTree(),
		states:    &fakeStates{},
		transfer:  newFakeTransfer(),
		cleaner:   &fakeCleaner{},
		metrics:   &fakeMetrics{},
		offline:   fakeOffline{},
		network:   make(fakeNetwork),
	}
	if opts.AllowedNetworks == nil {
		opts.AllowedNetworks = models.NewNetworkSet(models.NetworkAny)
	}
	h.manager = NewManager(h.downloads, h.parents, Collaborators{
		Tree:       h.tree,
		States:     h.states,
		Offline:    h.offline,
		Completion: &fakeCompletion{tree: h.tree, transfer: h.transfer},
		Transfer:   h.transfer,
		Cleaner:    h.cleaner,
		Metrics:    h.metrics,
		Scheduler:  SchedulerFunc(func(string) { h.triggers.Add(1) }),
		Network:    h.network,
	}, opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Start(context.Background(), testUser))
	t.Cleanup(func() {
		_ = h.manager.Stop(testUser)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.manager.Wait(ctx)
	})
}

func (h *harness) queued() int {
	n, err := h.downloads.Count(testUser)
	if err != nil {
		return -1
	}
	return n
}

func (h *harness) parentRows() int {
	n, err := h.parents.Count(testUser)
	if err != nil {
		return -1
	}
	return n
}

// blockUntilCancelled returns a transfer behaviour that reports start and then
// waits for cancellation.
func blockUntilCancelled(started chan<- struct{}) func(context.Context, func(float64)) error {
	var once sync.Once
	return func(ctx context.Context, progress func(float64)) error {
		progress(40)
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
}

func file(id string) models.File {
	return models.File{VolumeID: "vol", ID: id, RevisionID: "rev-" + id}
}

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)
