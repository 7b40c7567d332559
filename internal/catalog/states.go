package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go-drive-transfer/internal/database"
	"go-drive-transfer/internal/models"

	log "github.com/sirupsen/logrus"
)

const statePrefix = "state:"

// LinkStateEntry is the last download state published for a link.
type LinkStateEntry struct {
	VolumeID  string           `json:"volumeId"`
	LinkID    string           `json:"linkId"`
	Kind      models.LinkKind  `json:"kind"`
	State     models.LinkState `json:"state"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// StateStore persists published link states. None clears the entry.
type StateStore struct {
	db *database.DB
}

// NewStateStore creates a StateStore on db.
func NewStateStore(db *database.DB) *StateStore {
	return &StateStore{db: db}
}

func stateKey(link models.Link) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", statePrefix, link.Kind(), link.Volume(), link.LinkID()))
}

// SetDownloadState records state for link.
func (s *StateStore) SetDownloadState(ctx context.Context, link models.Link, state models.LinkState) error {
	key := stateKey(link)
	if state == models.LinkNone {
		if err := s.db.Delete(key); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return nil
	}

	value, err := json.Marshal(LinkStateEntry{
		VolumeID:  link.Volume(),
		LinkID:    link.LinkID(),
		Kind:      link.Kind(),
		State:     state,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"link": link.LinkID(), "kind": link.Kind(), "state": state}).Debug("Download state changed")
	return s.db.Put(key, value)
}

// State returns the recorded state of link, or None.
func (s *StateStore) State(link models.Link) (models.LinkState, error) {
	value, err := s.db.Get(stateKey(link))
	if errors.Is(err, database.ErrNotFound) {
		return models.LinkNone, nil
	}
	if err != nil {
		return "", err
	}
	var entry LinkStateEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return "", err
	}
	return entry.State, nil
}

// States lists every recorded state ordered by kind, volume and link id.
func (s *StateStore) States() ([]LinkStateEntry, error) {
	var entries []LinkStateEntry
	err := s.db.FoldPrefix([]byte(statePrefix), func(key, value []byte) error {
		var entry LinkStateEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping unreadable state entry %s", key)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.VolumeID != b.VolumeID {
			return a.VolumeID < b.VolumeID
		}
		return a.LinkID < b.LinkID
	})
	return entries, err
}
