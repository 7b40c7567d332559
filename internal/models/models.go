package models

import (
	"fmt"
	"strings"
)

type (
	Config struct {
		// Identity
		UserID string `toml:"UserID"`

		// Paths
		DatabasePath string `toml:"DatabasePath"`
		CachePath    string `toml:"CachePath"`   // Cache directory or blob bucket URL (file:///..., mem://)
		CatalogPath  string `toml:"CatalogPath"` // YAML description of the remote tree

		// Remote API
		RemoteBaseURL       string `toml:"RemoteBaseURL"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`
		LogApiRequests      bool   `toml:"LogApiRequests"`

		// Scheduler Behavior
		MaxPipelines      int      `toml:"MaxPipelines"`
		MaxApiAutoRetries int      `toml:"MaxApiAutoRetries"`
		AllowedNetworks   []string `toml:"AllowedNetworks"`
	}

	// DownloadFileLink is one durable per-file download request.
	DownloadFileLink struct {
		ID              int64       `json:"id"`
		UserID          string      `json:"userId"`
		VolumeID        string      `json:"volumeId"`
		FileID          string      `json:"fileId"`
		RevisionID      string      `json:"revisionId"`
		ParentIDs       []string    `json:"parentIds,omitempty"` // Enqueued folders/albums this file counts towards
		Priority        int64       `json:"priority"`
		Retryable       bool        `json:"retryable"`
		State           QueueState  `json:"state"`
		NumberOfRetries int         `json:"numberOfRetries"`
		NetworkType     NetworkType `json:"networkType"`
	}

	// DownloadParentLink marks a folder or album that still has pending descendants.
	DownloadParentLink struct {
		ID        int64    `json:"id"`
		UserID    string   `json:"userId"`
		VolumeID  string   `json:"volumeId"`
		LinkID    string   `json:"linkId"`
		Kind      LinkKind `json:"kind"`
		Priority  int64    `json:"priority"`
		Retryable bool     `json:"retryable"`
	}
)

// HasParent reports whether the row counts towards the given folder or album.
func (l DownloadFileLink) HasParent(linkID string) bool {
	for _, id := range l.ParentIDs {
		if id == linkID {
			return true
		}
	}
	return false
}

// Queue row states
type QueueState string

const (
	StateIdle    QueueState = "IDLE"
	StateRunning QueueState = "RUNNING"
	StateFailed  QueueState = "FAILED"
)

// Priorities. Lower values are claimed first.
const (
	PriorityUser       int64 = 0
	PriorityBackground int64 = 100
)

// NetworkType is the most restrictive network a row may be transferred over.
// UNMETERED < METERED < ANY in permissiveness.
type NetworkType string

const (
	NetworkUnmetered NetworkType = "UNMETERED"
	NetworkMetered   NetworkType = "METERED"
	NetworkAny       NetworkType = "ANY"
)

func (n NetworkType) rank() int {
	switch n {
	case NetworkUnmetered:
		return 0
	case NetworkMetered:
		return 1
	case NetworkAny:
		return 2
	}
	return -1
}

// ParseNetworkType accepts the canonical names case-insensitively.
func ParseNetworkType(s string) (NetworkType, error) {
	n := NetworkType(strings.ToUpper(strings.TrimSpace(s)))
	if n.rank() < 0 {
		return "", fmt.Errorf("unknown network type %q", s)
	}
	return n, nil
}

// NetworkSet is the set of network types currently allowed for transfers.
type NetworkSet map[NetworkType]struct{}

// NewNetworkSet builds a set from the given types.
func NewNetworkSet(types ...NetworkType) NetworkSet {
	set := make(NetworkSet, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Satisfies reports whether a row requiring req may run under this set:
// the set must contain a type at least as permissive as req.
func (s NetworkSet) Satisfies(req NetworkType) bool {
	want := req.rank()
	if want < 0 {
		return false
	}
	for t := range s {
		if t.rank() >= want {
			return true
		}
	}
	return false
}

// Equal compares two sets by membership.
func (s NetworkSet) Equal(other NetworkSet) bool {
	if len(s) != len(other) {
		return false
	}
	for t := range s {
		if _, ok := other[t]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s NetworkSet) Clone() NetworkSet {
	out := make(NetworkSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

func (s NetworkSet) String() string {
	names := make([]string, 0, len(s))
	for _, t := range []NetworkType{NetworkUnmetered, NetworkMetered, NetworkAny} {
		if _, ok := s[t]; ok {
			names = append(names, string(t))
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}

// Link kinds
type LinkKind string

const (
	KindFile   LinkKind = "file"
	KindFolder LinkKind = "folder"
	KindAlbum  LinkKind = "album"
)

// Link is a node of the remote tree: one of File, Folder or Album.
type Link interface {
	Volume() string
	LinkID() string
	Kind() LinkKind
	isLink()
}

// File is a downloadable leaf.
type File struct {
	VolumeID   string
	ID         string
	RevisionID string
	// Placeholder files have no downloadable content and are never enqueued.
	Placeholder bool
}

// Folder is a container that may hold files and further folders.
type Folder struct {
	VolumeID string
	ID       string
}

// Album is a flat collection of photos.
type Album struct {
	VolumeID string
	ID       string
}

func (f File) Volume() string   { return f.VolumeID }
func (f File) LinkID() string   { return f.ID }
func (File) Kind() LinkKind     { return KindFile }
func (File) isLink()            {}
func (f Folder) Volume() string { return f.VolumeID }
func (f Folder) LinkID() string { return f.ID }
func (Folder) Kind() LinkKind   { return KindFolder }
func (Folder) isLink()          {}
func (a Album) Volume() string  { return a.VolumeID }
func (a Album) LinkID() string  { return a.ID }
func (Album) Kind() LinkKind    { return KindAlbum }
func (Album) isLink()           {}

// Published per-link download states
type LinkState string

const (
	LinkDownloading LinkState = "Downloading"
	LinkReady       LinkState = "Ready"
	LinkError       LinkState = "Error"
	LinkNone        LinkState = "None" // Download cancelled, nothing kept offline
)
