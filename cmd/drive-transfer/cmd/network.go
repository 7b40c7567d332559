package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"go-drive-transfer/internal/config"
	"go-drive-transfer/internal/models"
)

// configNetworkMonitor re-reads AllowedNetworks from the config file every time
// the process receives SIGHUP.
type configNetworkMonitor struct {
	path   string
	reload chan os.Signal
	notify bool
}

func newConfigNetworkMonitor(path string) *configNetworkMonitor {
	return &configNetworkMonitor{path: path, reload: make(chan os.Signal, 1), notify: true}
}

// AllowedNetworks emits the configured set after each reload. The channel closes
// when ctx is done.
func (n *configNetworkMonitor) AllowedNetworks(ctx context.Context) <-chan models.NetworkSet {
	out := make(chan models.NetworkSet)
	if n.notify {
		signal.Notify(n.reload, syscall.SIGHUP)
	}

	go func() {
		defer close(out)
		if n.notify {
			defer signal.Stop(n.reload)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.reload:
			}

			cfg, err := config.LoadConfig(n.path)
			if err != nil {
				log.WithError(err).Warn("Failed to reload allowed networks, keeping the current set")
				continue
			}
			set, err := config.AllowedNetworkSet(cfg)
			if err != nil {
				log.WithError(err).Warn("Failed to reload allowed networks, keeping the current set")
				continue
			}
			log.WithField("allowed", set).Info("Allowed networks reloaded")

			select {
			case out <- set:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
