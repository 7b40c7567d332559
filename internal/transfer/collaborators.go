package transfer

import (
	"context"

	"go-drive-transfer/internal/models"
)

// LinkTree enumerates the remote tree.
type LinkTree interface {
	// Descendants lists the children of folder, or every descendant when recursive.
	Descendants(ctx context.Context, folder models.Folder, recursive bool) ([]models.Link, error)
	// AlbumChildren lists the photos of an album. refresh bypasses any cached listing.
	AlbumChildren(ctx context.Context, volumeID, albumID string, refresh bool) ([]models.File, error)
}

// StatePublisher publishes the download state of a link to the rest of the app.
type StatePublisher interface {
	SetDownloadState(ctx context.Context, link models.Link, state models.LinkState) error
}

// OfflineMarker tells whether a link is independently kept offline.
type OfflineMarker interface {
	IsMarkedAsOffline(ctx context.Context, link models.Link) (bool, error)
}

// CompletionIndex answers whether every descendant of a folder or album is on disk.
type CompletionIndex interface {
	AllFolderFilesDownloaded(ctx context.Context, folder models.Folder) (bool, error)
	AllAlbumPhotosDownloaded(ctx context.Context, album models.Album) (bool, error)
}

// Transferer moves one file revision to local storage. progress receives 0-100.
type Transferer interface {
	DownloadFile(ctx context.Context, volumeID, fileID, revisionID string, progress func(percent float64)) error
}

// Cleaner removes partially downloaded data of a link. It is called for
// folders and albums too, before their children are cancelled one by one.
type Cleaner interface {
	Cleanup(ctx context.Context, volumeID, linkID string) error
}

// MetricsNotifier receives the outcome of every finished transfer. err is nil on success.
type MetricsNotifier interface {
	DownloadFinished(volumeID, fileID string, err error)
}

// Scheduler wakes background execution for a user. Best effort, at least once.
type Scheduler interface {
	Trigger(userID string)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(userID string)

// Trigger calls f(userID).
func (f SchedulerFunc) Trigger(userID string) { f(userID) }

// NetworkMonitor emits the allowed network set whenever it changes.
type NetworkMonitor interface {
	AllowedNetworks(ctx context.Context) <-chan models.NetworkSet
}

// DownloadQueue is the durable per-file queue the manager schedules from.
type DownloadQueue interface {
	Insert(row models.DownloadFileLink) (models.DownloadFileLink, error)
	Claim(userID string, allowed models.NetworkSet) (models.DownloadFileLink, error)
	MarkFailed(id int64) (models.DownloadFileLink, error)
	Delete(id int64) error
	DeleteFile(userID, volumeID, fileID string) (int, error)
	DeleteAll(userID string) (int, error)
	ResetRunning(userID string) (int, error)
	Count(userID string, states ...models.QueueState) (int, error)
	CountChildren(userID, parentID string) (int, error)
	Subscribe() (<-chan struct{}, func())
}

// ParentQueue is the durable table of folders and albums being downloaded.
type ParentQueue interface {
	Insert(row models.DownloadParentLink) (models.DownloadParentLink, error)
	Delete(userID, volumeID, linkID string) (int, error)
	DeleteAll(userID string) (int, error)
	List(userID string) ([]models.DownloadParentLink, error)
	Count(userID string) (int, error)
	Subscribe() (<-chan struct{}, func())
}

// Collaborators groups the external services the manager depends on.
// Metrics, Scheduler and Network may be nil.
type Collaborators struct {
	Tree       LinkTree
	States     StatePublisher
	Offline    OfflineMarker
	Completion CompletionIndex
	Transfer   Transferer
	Cleaner    Cleaner
	Metrics    MetricsNotifier
	Scheduler  Scheduler
	Network    NetworkMonitor
}
