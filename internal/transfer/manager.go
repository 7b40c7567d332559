package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-drive-transfer/internal/models"
	"go-drive-transfer/internal/pipeline"
	"go-drive-transfer/internal/queue"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options configures a Manager.
type Options struct {
	MaxPipelines      int
	MaxApiAutoRetries int
	// AllowedNetworks is the initial allowed set. Defaults to UNMETERED.
	AllowedNetworks models.NetworkSet
}

// Manager schedules file downloads from the durable queue onto a bounded set of
// pipelines and keeps the parent table and link states in sync.
type Manager struct {
	downloads  DownloadQueue
	parents    ParentQueue
	pipelines  *pipeline.Manager[*DownloadFileTask]
	deps       Collaborators
	errors     *ErrorChannel
	maxRetries int

	// netMu serializes network set swaps.
	netMu sync.Mutex

	mu        sync.Mutex
	userID    string
	running   map[int64]*DownloadFileTask
	allowed   models.NetworkSet
	paused    bool
	stopWatch context.CancelFunc
	watchers  *errgroup.Group
}

// NewManager creates a stopped manager.
func NewManager(downloads DownloadQueue, parents ParentQueue, deps Collaborators, opts Options) *Manager {
	allowed := opts.AllowedNetworks
	if len(allowed) == 0 {
		allowed = models.NewNetworkSet(models.NetworkUnmetered)
	}
	maxRetries := opts.MaxApiAutoRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Manager{
		downloads:  downloads,
		parents:    parents,
		pipelines:  pipeline.NewManager[*DownloadFileTask](opts.MaxPipelines),
		deps:       deps,
		errors:     NewErrorChannel(),
		maxRetries: maxRetries,
		running:    make(map[int64]*DownloadFileTask),
		allowed:    allowed.Clone(),
	}
}

// Errors returns the channel every failed or cancelled file is broadcast on.
func (m *Manager) Errors() *ErrorChannel {
	return m.errors
}

// ActiveUser returns the user the manager was started for, or "".
func (m *Manager) ActiveUser() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// AllowedNetworks returns a copy of the current allowed network set.
func (m *Manager) AllowedNetworks() models.NetworkSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed.Clone()
}

// Start makes userID active. RUNNING rows left over by a previous process go back
// to IDLE, pipelines start and the queue observers run until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.stopWatch != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.userID = userID
	m.running = make(map[int64]*DownloadFileTask)
	m.paused = false
	m.mu.Unlock()

	reset, err := m.downloads.ResetRunning(userID)
	if err != nil {
		return fmt.Errorf("error resetting running downloads: %w", err)
	}
	if reset > 0 {
		log.WithFields(log.Fields{"user": userID, "rows": reset}).Info("Recovered interrupted downloads")
	}

	if err := m.pipelines.Start(ctx, m); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error { return m.watchIdleQueue(gctx, userID) })
	g.Go(func() error { return m.watchParents(gctx, userID) })
	g.Go(func() error { return m.watchNetwork(gctx) })

	m.mu.Lock()
	m.stopWatch = cancel
	m.watchers = g
	m.mu.Unlock()

	log.WithFields(log.Fields{"user": userID, "allowed": m.AllowedNetworks()}).Info("Download manager started")
	return nil
}

// Stop stops the pipelines and the observers. Running transfers are cancelled as
// an explicit stop. The active user is cleared only if it matches userID.
func (m *Manager) Stop(userID string) error {
	m.pipelines.Stop()

	m.mu.Lock()
	cancel, g := m.stopWatch, m.watchers
	m.stopWatch, m.watchers = nil, nil
	if m.userID == userID {
		m.userID = ""
	}
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	log.WithField("user", userID).Info("Download manager stopped")
	return err
}

// Wait blocks until every pipeline has exited or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	return m.pipelines.Wait(ctx)
}

// EnsurePipelines tops the pipeline pool up. It is what a Scheduler calls when it
// wakes up in the same process.
func (m *Manager) EnsurePipelines() int {
	return m.pipelines.StartPipelines()
}

// ActivePipelines returns the number of pipelines that have not exited.
func (m *Manager) ActivePipelines() int {
	return m.pipelines.Running()
}

// RunningTasks returns the tasks currently held by pipelines.
func (m *Manager) RunningTasks() []*DownloadFileTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := make([]*DownloadFileTask, 0, len(m.running))
	for _, t := range m.running {
		tasks = append(tasks, t)
	}
	return tasks
}

// Progress returns the live progress of a file that is currently being downloaded.
func (m *Manager) Progress(file models.File) (*Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.runningFileLocked(file.VolumeID, file.ID)
	if t == nil {
		return nil, false
	}
	return t.progress, true
}

// Download enqueues link for userID. Folders and albums are expanded into one row
// per downloadable file, placeholders skipped, and recorded in the parent table.
// An empty folder or album is published Ready right away.
func (m *Manager) Download(ctx context.Context, userID string, link models.Link, priority int64, retryable bool, network models.NetworkType) error {
	req := request{userID: userID, priority: priority, retryable: retryable, network: network}

	var err error
	switch l := link.(type) {
	case models.File:
		err = m.enqueueFile(ctx, req, l, nil)
	case models.Folder:
		err = m.enqueueFolder(ctx, req, l, nil)
	case models.Album:
		err = m.enqueueAlbum(ctx, req, l)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownLink, link)
	}
	if err != nil {
		return err
	}

	m.trigger(userID)
	return nil
}

type request struct {
	userID    string
	priority  int64
	retryable bool
	network   models.NetworkType
}

func (m *Manager) enqueueFile(ctx context.Context, req request, file models.File, parents []string) error {
	row, err := m.downloads.Insert(models.DownloadFileLink{
		UserID:      req.userID,
		VolumeID:    file.VolumeID,
		FileID:      file.ID,
		RevisionID:  file.RevisionID,
		ParentIDs:   parents,
		Priority:    req.priority,
		Retryable:   req.retryable,
		NetworkType: req.network,
	})
	if err != nil {
		return fmt.Errorf("error queueing file %s: %w", file.ID, err)
	}
	log.WithFields(log.Fields{"file": file.ID, "row": row.ID, "priority": row.Priority}).Debug("File queued")
	return nil
}

func (m *Manager) enqueueFolder(ctx context.Context, req request, folder models.Folder, ancestors []string) error {
	children, err := m.deps.Tree.Descendants(ctx, folder, false)
	if err != nil {
		m.publishState(ctx, folder, models.LinkError)
		return fmt.Errorf("error listing folder %s: %w", folder.ID, err)
	}

	children = downloadable(children)
	if len(children) == 0 {
		m.publishState(ctx, folder, models.LinkReady)
		return nil
	}

	m.publishState(ctx, folder, models.LinkDownloading)

	// Children go in before the parent row so the parent watcher never sees the
	// parent without its queued files.
	chain := append(append([]string(nil), ancestors...), folder.ID)
	for _, child := range children {
		switch c := child.(type) {
		case models.File:
			err = m.enqueueFile(ctx, req, c, chain)
		case models.Folder:
			err = m.enqueueFolder(ctx, req, c, chain)
		default:
			log.WithFields(log.Fields{"folder": folder.ID, "child": child.LinkID(), "kind": child.Kind()}).Warn("Skipping unsupported folder child")
		}
		if err != nil {
			return err
		}
	}
	return m.insertParent(req, folder)
}

func (m *Manager) enqueueAlbum(ctx context.Context, req request, album models.Album) error {
	photos, err := m.deps.Tree.AlbumChildren(ctx, album.VolumeID, album.ID, true)
	if err != nil {
		m.publishState(ctx, album, models.LinkError)
		return fmt.Errorf("error listing album %s: %w", album.ID, err)
	}

	files := make([]models.File, 0, len(photos))
	for _, p := range photos {
		if !p.Placeholder {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		m.publishState(ctx, album, models.LinkReady)
		return nil
	}

	m.publishState(ctx, album, models.LinkDownloading)
	for _, f := range files {
		if err := m.enqueueFile(ctx, req, f, []string{album.ID}); err != nil {
			return err
		}
	}
	return m.insertParent(req, album)
}

func (m *Manager) insertParent(req request, link models.Link) error {
	_, err := m.parents.Insert(models.DownloadParentLink{
		UserID:    req.userID,
		VolumeID:  link.Volume(),
		LinkID:    link.LinkID(),
		Kind:      link.Kind(),
		Priority:  req.priority,
		Retryable: req.retryable,
	})
	if err != nil {
		return fmt.Errorf("error recording %s %s: %w", link.Kind(), link.LinkID(), err)
	}
	return nil
}

func downloadable(links []models.Link) []models.Link {
	out := links[:0:0]
	for _, l := range links {
		if f, ok := l.(models.File); ok && f.Placeholder {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Cancel removes link from the queue. A file that is currently running has its
// pipeline stopped and is cleaned up by the cancellation callback. Folders and
// albums are cancelled recursively, except children kept offline on their own.
func (m *Manager) Cancel(ctx context.Context, userID string, link models.Link) error {
	switch l := link.(type) {
	case models.File:
		return m.cancelFile(ctx, userID, l)
	case models.Folder:
		return m.cancelParent(ctx, userID, l, func() ([]models.Link, error) {
			return m.deps.Tree.Descendants(ctx, l, false)
		})
	case models.Album:
		return m.cancelParent(ctx, userID, l, func() ([]models.Link, error) {
			photos, err := m.deps.Tree.AlbumChildren(ctx, l.VolumeID, l.ID, false)
			links := make([]models.Link, len(photos))
			for i, p := range photos {
				links[i] = p
			}
			return links, err
		})
	default:
		return fmt.Errorf("%w: %T", ErrUnknownLink, link)
	}
}

func (m *Manager) cancelFile(ctx context.Context, userID string, file models.File) error {
	m.mu.Lock()
	if t := m.runningFileLocked(file.VolumeID, file.ID); t != nil {
		stopped := m.pipelines.StopPipeline(t.PipelineID)
		m.mu.Unlock()
		if stopped {
			log.WithFields(log.Fields{"file": file.ID, "pipeline": t.PipelineID}).Info("Stopping running download")
			return nil
		}
	} else {
		m.mu.Unlock()
	}

	if _, err := m.downloads.DeleteFile(userID, file.VolumeID, file.ID); err != nil {
		return fmt.Errorf("error removing file %s from queue: %w", file.ID, err)
	}
	m.cleanup(ctx, file.VolumeID, file.ID)
	m.publishState(ctx, file, models.LinkNone)
	return nil
}

func (m *Manager) cancelParent(ctx context.Context, userID string, link models.Link, children func() ([]models.Link, error)) error {
	m.cleanup(ctx, link.Volume(), link.LinkID())
	if _, err := m.parents.Delete(userID, link.Volume(), link.LinkID()); err != nil {
		return fmt.Errorf("error removing %s %s: %w", link.Kind(), link.LinkID(), err)
	}
	m.publishState(ctx, link, models.LinkNone)

	links, err := children()
	if err != nil {
		return fmt.Errorf("error listing %s %s: %w", link.Kind(), link.LinkID(), err)
	}
	for _, child := range links {
		if m.deps.Offline != nil {
			offline, err := m.deps.Offline.IsMarkedAsOffline(ctx, child)
			if err != nil {
				log.WithError(err).WithField("link", child.LinkID()).Warn("Failed to read offline marker, cancelling anyway")
			} else if offline {
				continue
			}
		}
		if err := m.Cancel(ctx, userID, child); err != nil {
			return err
		}
	}
	return nil
}

// CancelAll stops every pipeline and empties both queues for userID. Every
// removed folder and album is published as LinkNone.
func (m *Manager) CancelAll(ctx context.Context, userID string) error {
	m.pipelines.StopPipelines(true)

	queued, err := m.parents.List(userID)
	if err != nil {
		return fmt.Errorf("error listing parents: %w", err)
	}
	files, err := m.downloads.DeleteAll(userID)
	if err != nil {
		return fmt.Errorf("error clearing download queue: %w", err)
	}
	parents, err := m.parents.DeleteAll(userID)
	if err != nil {
		return fmt.Errorf("error clearing parent queue: %w", err)
	}
	for _, p := range queued {
		if link := parentLink(p); link != nil {
			m.publishState(ctx, link, models.LinkNone)
		}
	}
	log.WithFields(log.Fields{"user": userID, "files": files, "parents": parents}).Info("Cancelled all downloads")
	return nil
}

// NextTask claims the best eligible row for the active user.
func (m *Manager) NextTask(ctx context.Context, pipelineID int64) (*DownloadFileTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userID == "" {
		return nil, fmt.Errorf("%w: no active user", pipeline.ErrNoTask)
	}
	if m.paused {
		return nil, fmt.Errorf("%w: network change in progress", pipeline.ErrNoTask)
	}

	row, err := m.downloads.Claim(m.userID, m.allowed)
	if errors.Is(err, queue.ErrNoEligibleRow) {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrNoTask, err)
	}
	if err != nil {
		return nil, fmt.Errorf("error claiming download: %w", err)
	}

	task := newDownloadFileTask(pipelineID, row, m.deps.Transfer)
	m.running[row.ID] = task
	log.WithFields(log.Fields{"pipeline": pipelineID, "file": row.FileID, "task": task.ID, "attempt": row.NumberOfRetries + 1}).Info("Download claimed")
	return task, nil
}

// TaskCompleted records the outcome of a task that ran to completion.
func (m *Manager) TaskCompleted(ctx context.Context, task *DownloadFileTask, err error) {
	link := task.Link
	m.release(task)
	if m.deps.Metrics != nil {
		m.deps.Metrics.DownloadFinished(link.VolumeID, link.FileID, err)
	}

	if err == nil {
		m.publishState(ctx, fileOf(link), models.LinkReady)
		if err := m.downloads.Delete(link.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			log.WithError(err).WithField("file", link.FileID).Error("Failed to remove finished download")
		}
		log.WithFields(log.Fields{"file": link.FileID, "task": task.ID}).Info("Download finished")
		return
	}

	log.WithError(err).WithFields(log.Fields{"file": link.FileID, "task": task.ID}).Warn("Download failed")
	m.errors.publish(TransferError{VolumeID: link.VolumeID, FileID: link.FileID, Cause: err})
	m.settleFailure(ctx, link, false)
}

// TaskCancelled records a task interrupted by cancellation. The cause is
// published as is; only pipeline.ErrStopped counts as an explicit stop.
func (m *Manager) TaskCancelled(ctx context.Context, task *DownloadFileTask, cause error) {
	link := task.Link
	m.release(task)

	if cause == nil {
		cause = ErrCancelled
	}
	byStop := errors.Is(cause, pipeline.ErrStopped)
	m.errors.publish(TransferError{VolumeID: link.VolumeID, FileID: link.FileID, Cause: cause, Cancelled: true})
	m.settleFailure(ctx, link, byStop)
}

// settleFailure requeues a retryable row that has attempts left and drops
// everything else.
func (m *Manager) settleFailure(ctx context.Context, link models.DownloadFileLink, byStop bool) {
	logger := log.WithFields(log.Fields{"file": link.FileID, "retries": link.NumberOfRetries})

	if link.Retryable && !byStop && link.NumberOfRetries < m.maxRetries {
		if _, err := m.downloads.MarkFailed(link.ID); err != nil {
			logger.WithError(err).Error("Failed to requeue download")
			return
		}
		logger.Info("Download requeued")
		m.trigger(link.UserID)
		return
	}

	m.cleanup(ctx, link.VolumeID, link.FileID)
	if byStop {
		m.publishState(ctx, fileOf(link), models.LinkNone)
	} else {
		m.publishState(ctx, fileOf(link), models.LinkError)
	}
	if err := m.downloads.Delete(link.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		logger.WithError(err).Error("Failed to remove download")
	}
	logger.WithField("byStop", byStop).Info("Download dropped")
}

// RemoveDownloadedParents deletes every parent row of userID that has no queued
// file left and whose files are all on disk, publishing it Ready.
func (m *Manager) RemoveDownloadedParents(ctx context.Context, userID string) error {
	parents, err := m.parents.List(userID)
	if err != nil {
		return fmt.Errorf("error listing parents: %w", err)
	}

	for _, p := range parents {
		children, err := m.downloads.CountChildren(userID, p.LinkID)
		if err != nil {
			return fmt.Errorf("error counting children of %s: %w", p.LinkID, err)
		}
		if children > 0 {
			continue
		}

		link, complete, err := m.parentComplete(ctx, p)
		if err != nil {
			log.WithError(err).WithField("parent", p.LinkID).Warn("Failed to check parent completion")
			continue
		}
		if !complete {
			log.WithField("parent", p.LinkID).Debug("Parent has no queued files but is not complete yet")
			continue
		}

		if _, err := m.parents.Delete(userID, p.VolumeID, p.LinkID); err != nil {
			return fmt.Errorf("error removing parent %s: %w", p.LinkID, err)
		}
		m.publishState(ctx, link, models.LinkReady)
		log.WithFields(log.Fields{"parent": p.LinkID, "kind": p.Kind}).Info("Parent download finished")
	}
	return nil
}

func (m *Manager) parentComplete(ctx context.Context, p models.DownloadParentLink) (models.Link, bool, error) {
	switch link := parentLink(p).(type) {
	case models.Folder:
		ok, err := m.deps.Completion.AllFolderFilesDownloaded(ctx, link)
		return link, ok, err
	case models.Album:
		ok, err := m.deps.Completion.AllAlbumPhotosDownloaded(ctx, link)
		return link, ok, err
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownLink, p.Kind)
	}
}

// parentLink returns the folder or album a parent row stands for, or nil.
func parentLink(p models.DownloadParentLink) models.Link {
	switch p.Kind {
	case models.KindFolder:
		return models.Folder{VolumeID: p.VolumeID, ID: p.LinkID}
	case models.KindAlbum:
		return models.Album{VolumeID: p.VolumeID, ID: p.LinkID}
	default:
		return nil
	}
}

// SetAllowedNetworks swaps the allowed network set. Running transfers are cancelled
// and no row is claimed until every RUNNING row has settled and the old pipelines
// have exited. Overlapping calls are applied one after the other.
func (m *Manager) SetAllowedNetworks(ctx context.Context, allowed models.NetworkSet) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.mu.Lock()
	if m.allowed.Equal(allowed) {
		m.mu.Unlock()
		return nil
	}
	userID := m.userID
	m.paused = true
	m.mu.Unlock()

	log.WithFields(log.Fields{"allowed": allowed}).Info("Allowed networks changed, restarting downloads")
	m.pipelines.CancelPipelines(ErrNetworkChanged)

	err := m.waitNoRunning(ctx, userID)
	if err == nil {
		err = m.pipelines.Wait(ctx)
	}

	m.mu.Lock()
	if err == nil {
		m.allowed = allowed.Clone()
	}
	m.paused = false
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.pipelines.StartPipelines()
	return nil
}

func (m *Manager) waitNoRunning(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	changes, unsubscribe := m.downloads.Subscribe()
	defer unsubscribe()

	for {
		n, err := m.downloads.Count(userID, models.StateRunning)
		if err != nil {
			return fmt.Errorf("error counting running downloads: %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) release(task *DownloadFileTask) {
	m.mu.Lock()
	delete(m.running, task.Link.ID)
	m.mu.Unlock()
	task.progress.finish()
}

// runningFileLocked finds the running task of a file. Callers hold mu.
func (m *Manager) runningFileLocked(volumeID, fileID string) *DownloadFileTask {
	for _, t := range m.running {
		if t.Link.VolumeID == volumeID && t.Link.FileID == fileID {
			return t
		}
	}
	return nil
}

func (m *Manager) cleanup(ctx context.Context, volumeID, linkID string) {
	if m.deps.Cleaner == nil {
		return
	}
	if err := m.deps.Cleaner.Cleanup(ctx, volumeID, linkID); err != nil {
		log.WithError(err).WithField("link", linkID).Warn("Failed to clean up download")
	}
}

func (m *Manager) publishState(ctx context.Context, link models.Link, state models.LinkState) {
	if m.deps.States == nil {
		return
	}
	if err := m.deps.States.SetDownloadState(ctx, link, state); err != nil {
		log.WithError(err).WithFields(log.Fields{"link": link.LinkID(), "state": state}).Warn("Failed to publish download state")
	}
}

func (m *Manager) trigger(userID string) {
	if m.deps.Scheduler != nil {
		m.deps.Scheduler.Trigger(userID)
	}
}

func fileOf(link models.DownloadFileLink) models.File {
	return models.File{VolumeID: link.VolumeID, ID: link.FileID, RevisionID: link.RevisionID}
}
