package cmd

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-drive-transfer/internal/models"
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Queue a file, folder or album for offline download",
	Long: `Adds a link to the durable download queue. Folders are expanded into
every file below them and albums into their photos; placeholders are skipped.
Use "drive-transfer run" to process the queue.`,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	for _, sub := range linkSubcommands("Download", runDownloadLink) {
		downloadCmd.AddCommand(sub)
	}

	downloadCmd.PersistentFlags().String("priority", "user", "Queue priority: user, background or a number (lower runs first)")
	downloadCmd.PersistentFlags().Bool("retryable", true, "Retry failed transfers up to MaxApiAutoRetries times")
	downloadCmd.PersistentFlags().String("network", string(models.NetworkUnmetered), "Least permissive network the transfer may use (UNMETERED, METERED, ANY)")

	_ = viper.BindPFlag("download.priority", downloadCmd.PersistentFlags().Lookup("priority"))
	_ = viper.BindPFlag("download.retryable", downloadCmd.PersistentFlags().Lookup("retryable"))
	_ = viper.BindPFlag("download.network", downloadCmd.PersistentFlags().Lookup("network"))
}

// linkSubcommands builds one "<kind> VOLUME_ID LINK_ID" subcommand per link kind.
func linkSubcommands(verb string, run func(cmd *cobra.Command, kind models.LinkKind, volumeID, linkID string) error) []*cobra.Command {
	kinds := []models.LinkKind{models.KindFile, models.KindFolder, models.KindAlbum}
	cmds := make([]*cobra.Command, 0, len(kinds))
	for _, kind := range kinds {
		kind := kind
		cmds = append(cmds, &cobra.Command{
			Use:   fmt.Sprintf("%s VOLUME_ID LINK_ID", kind),
			Short: fmt.Sprintf("%s a %s", verb, kind),
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, kind, args[0], args[1])
			},
		})
	}
	return cmds
}

// parsePriority accepts the named priorities or a raw number.
func parsePriority(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return models.PriorityUser, nil
	case "background":
		return models.PriorityBackground, nil
	}
	p, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q, expected user, background or a number", s)
	}
	return p, nil
}

func runDownloadLink(cmd *cobra.Command, kind models.LinkKind, volumeID, linkID string) error {
	priority, err := parsePriority(viper.GetString("download.priority"))
	if err != nil {
		return err
	}
	network, err := models.ParseNetworkType(viper.GetString("download.network"))
	if err != nil {
		return err
	}
	retryable := viper.GetBool("download.retryable")

	ctx := cmd.Context()
	a, err := openApp(ctx, globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	link, err := a.catalog.Lookup(volumeID, kind, linkID)
	if err != nil {
		return err
	}

	user := globalConfig.UserID
	log.WithFields(log.Fields{
		"user":      user,
		"link":      linkID,
		"kind":      kind,
		"priority":  priority,
		"retryable": retryable,
		"network":   network,
	}).Debug("Queueing download")
	if err := a.manager.Download(ctx, user, link, priority, retryable, network); err != nil {
		return fmt.Errorf("failed to queue %s %s/%s: %w", kind, volumeID, linkID, err)
	}

	queued, err := a.downloads.Count(user)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s/%s, %d file(s) waiting\n", kind, volumeID, linkID, queued)
	return nil
}
