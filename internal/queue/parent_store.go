package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-drive-transfer/internal/database"
	"go-drive-transfer/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	parentPrefix   = "dpl:"
	parentSequence = "download_parent_link"
)

func parentKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016d", parentPrefix, id))
}

// ParentStore is the durable table of folders and albums with pending descendants.
type ParentStore struct {
	db *database.DB
	mu sync.Mutex
	notifier
}

// NewParentStore creates a store on top of an open database.
func NewParentStore(db *database.DB) *ParentStore {
	return &ParentStore{db: db}
}

// Insert adds a parent row unless one already exists for the same link and user,
// in which case the existing row is returned unchanged.
func (s *ParentStore) Insert(row models.DownloadParentLink) (models.DownloadParentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		existing models.DownloadParentLink
		found    bool
	)
	err := s.scan(func(r models.DownloadParentLink) error {
		if r.UserID == row.UserID && r.VolumeID == row.VolumeID && r.LinkID == row.LinkID {
			existing, found = r, true
		}
		return nil
	})
	if err != nil {
		return models.DownloadParentLink{}, err
	}
	if found {
		return existing, nil
	}

	id, err := s.db.NextSequence(parentSequence)
	if err != nil {
		return models.DownloadParentLink{}, fmt.Errorf("allocating parent row id: %w", err)
	}
	row.ID = id
	raw, err := json.Marshal(row)
	if err != nil {
		return models.DownloadParentLink{}, fmt.Errorf("failed to marshal parent row %d: %w", id, err)
	}
	if err := s.db.Put(parentKey(id), raw); err != nil {
		return models.DownloadParentLink{}, err
	}
	log.WithFields(log.Fields{"id": id, "linkId": row.LinkID, "kind": row.Kind}).Debug("Inserted parent row")
	s.notify()
	return row, nil
}

// Delete removes the parent row of one folder or album.
func (s *ParentStore) Delete(userID, volumeID, linkID string) (int, error) {
	return s.deleteWhere(func(r models.DownloadParentLink) bool {
		return r.UserID == userID && r.VolumeID == volumeID && r.LinkID == linkID
	})
}

// DeleteAll removes every parent row of a user.
func (s *ParentStore) DeleteAll(userID string) (int, error) {
	return s.deleteWhere(func(r models.DownloadParentLink) bool {
		return r.UserID == userID
	})
}

// List returns every parent row of a user ordered by id.
func (s *ParentStore) List(userID string) ([]models.DownloadParentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []models.DownloadParentLink
	err := s.scan(func(r models.DownloadParentLink) error {
		if r.UserID == userID {
			rows = append(rows, r)
		}
		return nil
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, err
}

// Count returns how many parent rows a user has.
func (s *ParentStore) Count(userID string) (int, error) {
	rows, err := s.List(userID)
	return len(rows), err
}

func (s *ParentStore) deleteWhere(match func(models.DownloadParentLink) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	err := s.scan(func(r models.DownloadParentLink) error {
		if match(r) {
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if err := s.db.Delete(parentKey(id)); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		s.notify()
	}
	return deleted, nil
}

func (s *ParentStore) scan(fn func(models.DownloadParentLink) error) error {
	return s.db.FoldPrefix([]byte(parentPrefix), func(key, value []byte) error {
		var row models.DownloadParentLink
		if err := json.Unmarshal(value, &row); err != nil {
			log.WithError(err).Warnf("Skipping undecodable parent row %s", string(key))
			return nil
		}
		return fn(row)
	})
}
