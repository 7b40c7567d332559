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

// Queue errors
var (
	ErrNotFound      = errors.New("queue row not found")
	ErrNoEligibleRow = errors.New("no eligible download row")
)

const (
	downloadPrefix   = "dfl:"
	downloadSequence = "download_file_link"
)

func downloadKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016d", downloadPrefix, id))
}

// DownloadStore is the durable table of per-file download requests.
// Every read-modify-write runs under one mutex, which makes Claim atomic:
// a row is handed to at most one caller until it leaves RUNNING.
type DownloadStore struct {
	db *database.DB
	mu sync.Mutex
	notifier
}

// NewDownloadStore creates a store on top of an open database.
func NewDownloadStore(db *database.DB) *DownloadStore {
	return &DownloadStore{db: db}
}

// Insert adds a request in state IDLE. A request for a file that already has a row
// for the same user is merged into it: parent ids are unioned, the stronger
// priority wins and retryable is ORed. The state of an existing row is kept.
func (s *DownloadStore) Insert(row models.DownloadFileLink) (models.DownloadFileLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.findFile(row.UserID, row.VolumeID, row.FileID)
	if err != nil {
		return models.DownloadFileLink{}, err
	}
	if found {
		merged := mergeRequest(existing, row)
		if err := s.write(merged); err != nil {
			return models.DownloadFileLink{}, err
		}
		log.WithFields(log.Fields{"id": merged.ID, "fileId": merged.FileID}).Debug("Merged download request into existing row")
		s.notify()
		return merged, nil
	}

	id, err := s.db.NextSequence(downloadSequence)
	if err != nil {
		return models.DownloadFileLink{}, fmt.Errorf("allocating download row id: %w", err)
	}
	row.ID = id
	row.State = models.StateIdle
	row.NumberOfRetries = 0
	if row.NetworkType == "" {
		row.NetworkType = models.NetworkUnmetered
	}
	if err := s.write(row); err != nil {
		return models.DownloadFileLink{}, err
	}
	log.WithFields(log.Fields{"id": row.ID, "fileId": row.FileID, "priority": row.Priority}).Debug("Inserted download row")
	s.notify()
	return row, nil
}

func mergeRequest(existing, req models.DownloadFileLink) models.DownloadFileLink {
	for _, p := range req.ParentIDs {
		if !existing.HasParent(p) {
			existing.ParentIDs = append(existing.ParentIDs, p)
		}
	}
	if req.Priority < existing.Priority {
		existing.Priority = req.Priority
	}
	existing.Retryable = existing.Retryable || req.Retryable
	if req.RevisionID != "" {
		existing.RevisionID = req.RevisionID
	}
	return existing
}

// Claim atomically picks the best eligible row for userID, flips it to RUNNING and
// returns it. Eligible rows are IDLE or FAILED and their network requirement is
// satisfied by allowed. Lower priority values win; ties go to the older row.
func (s *DownloadStore) Claim(userID string, allowed models.NetworkSet) (models.DownloadFileLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  models.DownloadFileLink
		found bool
	)
	err := s.scan(func(row models.DownloadFileLink) error {
		if row.UserID != userID || row.State == models.StateRunning || !allowed.Satisfies(row.NetworkType) {
			return nil
		}
		if !found || row.Priority < best.Priority || (row.Priority == best.Priority && row.ID < best.ID) {
			best, found = row, true
		}
		return nil
	})
	if err != nil {
		return models.DownloadFileLink{}, err
	}
	if !found {
		return models.DownloadFileLink{}, ErrNoEligibleRow
	}

	best.State = models.StateRunning
	if err := s.write(best); err != nil {
		return models.DownloadFileLink{}, err
	}
	s.notify()
	return best, nil
}

// MarkFailed moves a row to FAILED and counts the retry. FAILED rows are claimable.
func (s *DownloadStore) MarkFailed(id int64) (models.DownloadFileLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.get(id)
	if err != nil {
		return models.DownloadFileLink{}, err
	}
	row.State = models.StateFailed
	row.NumberOfRetries++
	if err := s.write(row); err != nil {
		return models.DownloadFileLink{}, err
	}
	s.notify()
	return row, nil
}

// Get returns a row by id.
func (s *DownloadStore) Get(id int64) (models.DownloadFileLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// Delete removes a row by id.
func (s *DownloadStore) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(downloadKey(id)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.notify()
	return nil
}

// DeleteFile removes the row for one file of a user, if any.
func (s *DownloadStore) DeleteFile(userID, volumeID, fileID string) (int, error) {
	return s.deleteWhere(func(row models.DownloadFileLink) bool {
		return row.UserID == userID && row.VolumeID == volumeID && row.FileID == fileID
	})
}

// DeleteAll removes every row of a user.
func (s *DownloadStore) DeleteAll(userID string) (int, error) {
	return s.deleteWhere(func(row models.DownloadFileLink) bool {
		return row.UserID == userID
	})
}

// ResetRunning moves every RUNNING row of a user back to IDLE. Used on start, when any
// RUNNING row is a leftover from a previous process.
func (s *DownloadStore) ResetRunning(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []models.DownloadFileLink
	err := s.scan(func(row models.DownloadFileLink) error {
		if row.UserID == userID && row.State == models.StateRunning {
			stale = append(stale, row)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, row := range stale {
		row.State = models.StateIdle
		if err := s.write(row); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		s.notify()
	}
	return len(stale), nil
}

// Count returns how many rows of a user are in one of states, or all rows when no
// state is given.
func (s *DownloadStore) Count(userID string, states ...models.QueueState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.scan(func(row models.DownloadFileLink) error {
		if row.UserID != userID {
			return nil
		}
		if len(states) == 0 {
			n++
			return nil
		}
		for _, st := range states {
			if row.State == st {
				n++
				break
			}
		}
		return nil
	})
	return n, err
}

// CountChildren returns how many rows of a user count towards the given folder or album.
func (s *DownloadStore) CountChildren(userID, parentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.scan(func(row models.DownloadFileLink) error {
		if row.UserID == userID && row.HasParent(parentID) {
			n++
		}
		return nil
	})
	return n, err
}

// List returns every row of a user ordered by id.
func (s *DownloadStore) List(userID string) ([]models.DownloadFileLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []models.DownloadFileLink
	err := s.scan(func(row models.DownloadFileLink) error {
		if row.UserID == userID {
			rows = append(rows, row)
		}
		return nil
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, err
}

func (s *DownloadStore) deleteWhere(match func(models.DownloadFileLink) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	err := s.scan(func(row models.DownloadFileLink) error {
		if match(row) {
			ids = append(ids, row.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if err := s.db.Delete(downloadKey(id)); err != nil {
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

func (s *DownloadStore) findFile(userID, volumeID, fileID string) (models.DownloadFileLink, bool, error) {
	var (
		match models.DownloadFileLink
		found bool
	)
	err := s.scan(func(row models.DownloadFileLink) error {
		if row.UserID == userID && row.VolumeID == volumeID && row.FileID == fileID {
			match, found = row, true
		}
		return nil
	})
	return match, found, err
}

func (s *DownloadStore) get(id int64) (models.DownloadFileLink, error) {
	raw, err := s.db.Get(downloadKey(id))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.DownloadFileLink{}, ErrNotFound
		}
		return models.DownloadFileLink{}, err
	}
	var row models.DownloadFileLink
	if err := json.Unmarshal(raw, &row); err != nil {
		return models.DownloadFileLink{}, fmt.Errorf("failed to unmarshal download row %d: %w", id, err)
	}
	return row, nil
}

func (s *DownloadStore) write(row models.DownloadFileLink) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal download row %d: %w", row.ID, err)
	}
	return s.db.Put(downloadKey(row.ID), raw)
}

// scan visits every stored row. Undecodable rows are skipped.
func (s *DownloadStore) scan(fn func(models.DownloadFileLink) error) error {
	return s.db.FoldPrefix([]byte(downloadPrefix), func(key, value []byte) error {
		var row models.DownloadFileLink
		if err := json.Unmarshal(value, &row); err != nil {
			log.WithError(err).Warnf("Skipping undecodable download row %s", string(key))
			return nil
		}
		return fn(row)
	})
}
