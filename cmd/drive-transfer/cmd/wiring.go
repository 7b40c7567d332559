package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"go-drive-transfer/internal/catalog"
	"go-drive-transfer/internal/config"
	"go-drive-transfer/internal/database"
	"go-drive-transfer/internal/helpers"
	"go-drive-transfer/internal/models"
	"go-drive-transfer/internal/queue"
	"go-drive-transfer/internal/remote"
	"go-drive-transfer/internal/transfer"
)

// app holds everything a command needs, opened from globalConfig.
type app struct {
	cfg       models.Config
	db        *database.DB
	bucket    *blob.Bucket
	fetcher   *remote.Fetcher
	catalog   *catalog.Catalog
	states    *catalog.StateStore
	downloads *queue.DownloadStore
	parents   *queue.ParentStore
	metrics   *transferMetrics
	manager   *transfer.Manager
}

// openApp opens the database, the cache bucket and the catalog and builds the
// download manager on top of them.
func openApp(ctx context.Context, cfg models.Config) (*app, error) {
	allowed, err := config.AllowedNetworkSet(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening database %s: %w", cfg.DatabasePath, err)
	}

	bucket, err := openBucket(ctx, cfg.CachePath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.RemoteBaseURL == "" {
		log.Warn("RemoteBaseURL is not set, downloads will fail")
	}
	transport := globalHttpTransport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := &http.Client{
		Timeout:   time.Duration(cfg.ApiClientTimeoutSec) * time.Second,
		Transport: transport,
	}
	fetcher := remote.NewFetcher(client, cfg.RemoteBaseURL, bucket)

	cat, err := catalog.Load(cfg.CatalogPath, fetcher)
	if err != nil {
		_ = bucket.Close()
		_ = db.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		db:        db,
		bucket:    bucket,
		fetcher:   fetcher,
		catalog:   cat,
		states:    catalog.NewStateStore(db),
		downloads: queue.NewDownloadStore(db),
		parents:   queue.NewParentStore(db),
		metrics:   &transferMetrics{},
	}

	deps := transfer.Collaborators{
		Tree:       cat,
		States:     a.states,
		Offline:    cat,
		Completion: cat,
		Transfer:   fetcher,
		Cleaner:    fetcher,
		Metrics:    a.metrics,
		Scheduler: transfer.SchedulerFunc(func(userID string) {
			if a.manager.ActiveUser() == userID {
				a.manager.EnsurePipelines()
			}
		}),
		Network: newConfigNetworkMonitor(cfgFile),
	}
	a.manager = transfer.NewManager(a.downloads, a.parents, deps, transfer.Options{
		MaxPipelines:      cfg.MaxPipelines,
		MaxApiAutoRetries: cfg.MaxApiAutoRetries,
		AllowedNetworks:   allowed,
	})
	return a, nil
}

// Close releases the bucket and the database.
func (a *app) Close() {
	if err := a.bucket.Close(); err != nil {
		log.WithError(err).Warn("Error closing cache bucket")
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Error("Error closing database")
	}
}

// openBucket opens location as a blob URL, or as a local directory when it has
// no scheme.
func openBucket(ctx context.Context, location string) (*blob.Bucket, error) {
	if strings.Contains(location, "://") {
		bucket, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("error opening cache bucket %s: %w", location, err)
		}
		return bucket, nil
	}

	dir, err := filepath.Abs(location)
	if err != nil {
		return nil, err
	}
	if !helpers.CheckAndMakeDir(dir) {
		return nil, fmt.Errorf("could not create cache directory %s", dir)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening cache directory %s: %w", dir, err)
	}
	return bucket, nil
}

// transferMetrics counts finished transfers.
type transferMetrics struct {
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (m *transferMetrics) DownloadFinished(volumeID, fileID string, err error) {
	if err == nil {
		m.succeeded.Add(1)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	m.failed.Add(1)
}

func (m *transferMetrics) String() string {
	return fmt.Sprintf("%d succeeded, %d failed attempts", m.succeeded.Load(), m.failed.Load())
}
