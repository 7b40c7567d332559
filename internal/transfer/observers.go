package transfer

import (
	"context"

	"go-drive-transfer/internal/models"

	log "github.com/sirupsen/logrus"
)

// watchIdleQueue starts pipelines whenever IDLE rows exist for userID.
func (m *Manager) watchIdleQueue(ctx context.Context, userID string) error {
	changes, unsubscribe := m.downloads.Subscribe()
	defer unsubscribe()

	for {
		idle, err := m.downloads.Count(userID, models.StateIdle)
		if err != nil {
			log.WithError(err).Error("Failed to count idle downloads")
		} else if idle > 0 {
			m.pipelines.StartPipelines()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}

// watchParents runs RemoveDownloadedParents whenever the row count of either
// queue changes.
func (m *Manager) watchParents(ctx context.Context, userID string) error {
	fileChanges, unsubscribeFiles := m.downloads.Subscribe()
	defer unsubscribeFiles()
	parentChanges, unsubscribeParents := m.parents.Subscribe()
	defer unsubscribeParents()

	lastFiles, lastParents := -1, -1
	for {
		files, ferr := m.downloads.Count(userID)
		parents, perr := m.parents.Count(userID)
		switch {
		case ferr != nil || perr != nil:
			log.WithField("files", ferr).WithField("parents", perr).Error("Failed to count queued rows")
		case files != lastFiles || parents != lastParents:
			lastFiles, lastParents = files, parents
			if err := m.RemoveDownloadedParents(ctx, userID); err != nil {
				log.WithError(err).Error("Failed to remove downloaded parents")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-fileChanges:
		case <-parentChanges:
		}
	}
}

// watchNetwork applies every allowed network set the monitor emits.
func (m *Manager) watchNetwork(ctx context.Context) error {
	if m.deps.Network == nil {
		return nil
	}

	updates := m.deps.Network.AllowedNetworks(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case allowed, ok := <-updates:
			if !ok {
				return nil
			}
			if err := m.SetAllowedNetworks(ctx, allowed); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Failed to apply allowed networks")
			}
		}
	}
}
