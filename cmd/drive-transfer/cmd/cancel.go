package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-drive-transfer/internal/models"
)

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a queued file, folder or album",
	Long: `Removes a link from the download queue and deletes whatever was cached
for it. Cancelling a folder or album cancels its children too, except those
that are kept offline on their own.`,
}

// cancelAllCmd represents the cancel-all command
var cancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Empty the download queue of the user",
	Args:  cobra.NoArgs,
	RunE:  runCancelAll,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cancelAllCmd)
	for _, sub := range linkSubcommands("Cancel", runCancelLink) {
		cancelCmd.AddCommand(sub)
	}
}

func runCancelLink(cmd *cobra.Command, kind models.LinkKind, volumeID, linkID string) error {
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
	if err := a.manager.Cancel(ctx, globalConfig.UserID, link); err != nil {
		return fmt.Errorf("failed to cancel %s %s/%s: %w", kind, volumeID, linkID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s %s/%s\n", kind, volumeID, linkID)
	return nil
}

func runCancelAll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	files, err := a.downloads.Count(globalConfig.UserID)
	if err != nil {
		return err
	}
	if err := a.manager.CancelAll(ctx, globalConfig.UserID); err != nil {
		return fmt.Errorf("failed to cancel downloads: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d queued download(s)\n", files)
	return nil
}
