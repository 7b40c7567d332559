package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-drive-transfer/internal/models"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the download queue and the recorded link states",
	Long: `Lists the queued files and folders of the user together with the last
download state published for every link.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	user := globalConfig.UserID
	rows, err := a.downloads.List(user)
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}
	parents, err := a.parents.List(user)
	if err != nil {
		return fmt.Errorf("failed to list parents: %w", err)
	}
	states, err := a.states.States()
	if err != nil {
		return fmt.Errorf("failed to list link states: %w", err)
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(out, "Queued files for %s (%d):\n", user, len(rows))
	fmt.Fprintln(tw, "ID\tVolume\tFile\tRevision\tState\tPriority\tRetries\tNetwork\tParents")
	fmt.Fprintln(tw, "--\t------\t----\t--------\t-----\t--------\t-------\t-------\t-------")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.VolumeID, r.FileID, r.RevisionID, r.State, r.Priority, r.NumberOfRetries, r.NetworkType, strings.Join(r.ParentIDs, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nQueued folders and albums (%d):\n", len(parents))
	fmt.Fprintln(tw, "ID\tKind\tVolume\tLink\tPriority")
	fmt.Fprintln(tw, "--\t----\t------\t----\t--------")
	for _, p := range parents {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", p.ID, p.Kind, p.VolumeID, p.LinkID, p.Priority)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nLink states (%d):\n", len(states))
	fmt.Fprintln(tw, "Kind\tVolume\tLink\tState\tCached\tUpdated")
	fmt.Fprintln(tw, "----\t------\t----\t-----\t------\t-------")
	for _, s := range states {
		cached := "-"
		if s.Kind == models.KindFile {
			ok, err := a.fetcher.Exists(ctx, s.VolumeID, s.LinkID)
			if err != nil {
				log.WithError(err).Warnf("Failed to check cache for %s", s.LinkID)
			}
			cached = fmt.Sprintf("%t", ok)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Kind, s.VolumeID, s.LinkID, s.State, cached, s.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
