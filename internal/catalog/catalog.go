package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go-drive-transfer/internal/models"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Catalog errors
var (
	ErrUnknownVolume = errors.New("unknown volume")
	ErrUnknownLink   = errors.New("unknown link")
	ErrCycle         = errors.New("folder cycle")
)

// document is the on-disk YAML layout.
type document struct {
	Volumes []volumeDoc `yaml:"volumes"`
}

type volumeDoc struct {
	ID      string      `yaml:"id"`
	Files   []fileDoc   `yaml:"files"`
	Folders []folderDoc `yaml:"folders"`
	Albums  []albumDoc  `yaml:"albums"`
}

type fileDoc struct {
	ID          string `yaml:"id"`
	Revision    string `yaml:"revision"`
	Placeholder bool   `yaml:"placeholder"`
	KeepOffline bool   `yaml:"keepOffline"`
}

type folderDoc struct {
	ID          string   `yaml:"id"`
	Children    []string `yaml:"children"`
	KeepOffline bool     `yaml:"keepOffline"`
}

type albumDoc struct {
	ID          string   `yaml:"id"`
	Photos      []string `yaml:"photos"`
	KeepOffline bool     `yaml:"keepOffline"`
}

type volume struct {
	files   map[string]fileDoc
	folders map[string]folderDoc
	albums  map[string]albumDoc
}

// ObjectChecker tells whether a file has been downloaded.
type ObjectChecker interface {
	Exists(ctx context.Context, volumeID, fileID string) (bool, error)
}

// Catalog is a YAML description of the remote tree. It resolves links, enumerates
// folders and albums and answers completion questions against the local cache.
type Catalog struct {
	path    string
	objects ObjectChecker

	mu      sync.RWMutex
	volumes map[string]*volume
}

// Load reads the catalog at path.
func Load(path string, objects ObjectChecker) (*Catalog, error) {
	c := &Catalog{path: path, objects: objects}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes. Reload is a no-op for it.
func Parse(data []byte, objects ObjectChecker) (*Catalog, error) {
	volumes, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Catalog{objects: objects, volumes: volumes}, nil
}

// Reload re-reads the catalog file.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("error reading catalog %s: %w", c.path, err)
	}
	volumes, err := parse(data)
	if err != nil {
		return fmt.Errorf("error parsing catalog %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.volumes = volumes
	c.mu.Unlock()
	log.WithFields(log.Fields{"path": c.path, "volumes": len(volumes)}).Debug("Catalog loaded")
	return nil
}

func parse(data []byte) (map[string]*volume, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	volumes := make(map[string]*volume, len(doc.Volumes))
	for _, vd := range doc.Volumes {
		if vd.ID == "" {
			return nil, errors.New("volume without id")
		}
		v := &volume{
			files:   make(map[string]fileDoc, len(vd.Files)),
			folders: make(map[string]folderDoc, len(vd.Folders)),
			albums:  make(map[string]albumDoc, len(vd.Albums)),
		}
		for _, f := range vd.Files {
			v.files[f.ID] = f
		}
		for _, f := range vd.Folders {
			v.folders[f.ID] = f
		}
		for _, a := range vd.Albums {
			v.albums[a.ID] = a
		}
		volumes[vd.ID] = v
	}
	return volumes, nil
}

func (c *Catalog) volume(id string) (*volume, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.volumes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVolume, id)
	}
	return v, nil
}

func (v *volume) link(volumeID, id string) (models.Link, error) {
	if f, ok := v.files[id]; ok {
		return models.File{VolumeID: volumeID, ID: f.ID, RevisionID: f.Revision, Placeholder: f.Placeholder}, nil
	}
	if _, ok := v.folders[id]; ok {
		return models.Folder{VolumeID: volumeID, ID: id}, nil
	}
	if _, ok := v.albums[id]; ok {
		return models.Album{VolumeID: volumeID, ID: id}, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownLink, volumeID, id)
}

// Lookup resolves a link id of the given kind.
func (c *Catalog) Lookup(volumeID string, kind models.LinkKind, id string) (models.Link, error) {
	v, err := c.volume(volumeID)
	if err != nil {
		return nil, err
	}
	link, err := v.link(volumeID, id)
	if err != nil {
		return nil, err
	}
	if link.Kind() != kind {
		return nil, fmt.Errorf("%w: %s/%s is a %s, not a %s", ErrUnknownLink, volumeID, id, link.Kind(), kind)
	}
	return link, nil
}

// Descendants lists the children of folder, or every descendant when recursive.
func (c *Catalog) Descendants(ctx context.Context, folder models.Folder, recursive bool) ([]models.Link, error) {
	v, err := c.volume(folder.VolumeID)
	if err != nil {
		return nil, err
	}
	return v.descendants(folder.VolumeID, folder.ID, recursive, map[string]bool{})
}

func (v *volume) descendants(volumeID, folderID string, recursive bool, seen map[string]bool) ([]models.Link, error) {
	fd, ok := v.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("%w: folder %s/%s", ErrUnknownLink, volumeID, folderID)
	}
	if seen[folderID] {
		return nil, fmt.Errorf("%w at %s/%s", ErrCycle, volumeID, folderID)
	}
	seen[folderID] = true

	var out []models.Link
	for _, id := range fd.Children {
		child, err := v.link(volumeID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
		if sub, ok := child.(models.Folder); ok && recursive {
			more, err := v.descendants(volumeID, sub.ID, true, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
	}
	return out, nil
}

// AlbumChildren lists the photos of an album. refresh re-reads the catalog file first.
func (c *Catalog) AlbumChildren(ctx context.Context, volumeID, albumID string, refresh bool) ([]models.File, error) {
	if refresh {
		if err := c.Reload(); err != nil {
			return nil, err
		}
	}
	v, err := c.volume(volumeID)
	if err != nil {
		return nil, err
	}
	ad, ok := v.albums[albumID]
	if !ok {
		return nil, fmt.Errorf("%w: album %s/%s", ErrUnknownLink, volumeID, albumID)
	}

	photos := make([]models.File, 0, len(ad.Photos))
	for _, id := range ad.Photos {
		f, ok := v.files[id]
		if !ok {
			return nil, fmt.Errorf("%w: photo %s/%s", ErrUnknownLink, volumeID, id)
		}
		photos = append(photos, models.File{VolumeID: volumeID, ID: f.ID, RevisionID: f.Revision, Placeholder: f.Placeholder})
	}
	return photos, nil
}

// IsMarkedAsOffline reports the keepOffline flag of a link.
func (c *Catalog) IsMarkedAsOffline(ctx context.Context, link models.Link) (bool, error) {
	v, err := c.volume(link.Volume())
	if err != nil {
		return false, err
	}
	switch link.Kind() {
	case models.KindFile:
		return v.files[link.LinkID()].KeepOffline, nil
	case models.KindFolder:
		return v.folders[link.LinkID()].KeepOffline, nil
	case models.KindAlbum:
		return v.albums[link.LinkID()].KeepOffline, nil
	}
	return false, nil
}

// AllFolderFilesDownloaded reports whether every non-placeholder file below folder
// is in the cache.
func (c *Catalog) AllFolderFilesDownloaded(ctx context.Context, folder models.Folder) (bool, error) {
	links, err := c.Descendants(ctx, folder, true)
	if err != nil {
		return false, err
	}
	files := make([]models.File, 0, len(links))
	for _, l := range links {
		if f, ok := l.(models.File); ok {
			files = append(files, f)
		}
	}
	return c.allDownloaded(ctx, files)
}

// AllAlbumPhotosDownloaded reports whether every non-placeholder photo of album is
// in the cache.
func (c *Catalog) AllAlbumPhotosDownloaded(ctx context.Context, album models.Album) (bool, error) {
	photos, err := c.AlbumChildren(ctx, album.VolumeID, album.ID, false)
	if err != nil {
		return false, err
	}
	return c.allDownloaded(ctx, photos)
}

func (c *Catalog) allDownloaded(ctx context.Context, files []models.File) (bool, error) {
	for _, f := range files {
		if f.Placeholder {
			continue
		}
		ok, err := c.objects.Exists(ctx, f.VolumeID, f.ID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
