package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-drive-transfer/internal/transfer"
)

const (
	pollInterval    = 250 * time.Millisecond
	stallPolls      = 8
	shutdownTimeout = 30 * time.Second
)

type queueOutcome int

const (
	queueDrained queueOutcome = iota
	queueStalled
	queueInterrupted
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the download queue",
	Long: `Starts the download manager for the configured user and runs queued
transfers until the queue is empty or the process is interrupted. Interrupted
transfers stay queued and resume on the next run. Send SIGHUP to re-read
AllowedNetworks from the config file.`,
	RunE: runQueue,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("watch", false, "Show live progress of running transfers")
	runCmd.Flags().Bool("keep-alive", false, "Keep running after the queue is empty")
	_ = viper.BindPFlag("run.watch", runCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("run.keep_alive", runCmd.Flags().Lookup("keep-alive"))
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	user := globalConfig.UserID
	events, unsubscribe := a.manager.Errors().Subscribe(64)
	defer unsubscribe()
	go logTransferErrors(events)

	if err := a.manager.Start(ctx, user); err != nil {
		return err
	}

	var progress io.Writer
	var writer *uilive.Writer
	if viper.GetBool("run.watch") {
		writer = uilive.New()
		writer.Out = cmd.OutOrStdout()
		writer.Start()
		progress = writer
	}
	outcome := waitForQueue(ctx, a, user, viper.GetBool("run.keep_alive"), progress)
	if writer != nil {
		writer.Stop()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.manager.Wait(waitCtx); err != nil {
		log.WithError(err).Warn("Pipelines did not exit in time")
	}
	if outcome == queueDrained {
		if err := a.manager.RemoveDownloadedParents(waitCtx, user); err != nil {
			log.WithError(err).Warn("Failed to settle downloaded folders")
		}
	}
	if err := a.manager.Stop(user); err != nil {
		log.WithError(err).Error("Error stopping download manager")
	}

	out := cmd.OutOrStdout()
	switch outcome {
	case queueDrained:
		fmt.Fprintln(out, "Download queue is empty.")
	case queueStalled:
		waiting, _ := a.downloads.Count(user)
		fmt.Fprintf(out, "%d download(s) are waiting for an allowed network (allowed: %s).\n", waiting, a.manager.AllowedNetworks())
	case queueInterrupted:
		waiting, _ := a.downloads.Count(user)
		fmt.Fprintf(out, "Interrupted, %d download(s) left in the queue.\n", waiting)
	}
	fmt.Fprintf(out, "Transfers: %s\n", a.metrics)
	return nil
}

// waitForQueue returns once the queue of user is empty, once nothing can make
// progress, or when ctx is done.
func waitForQueue(ctx context.Context, a *app, user string, keepAlive bool, progress io.Writer) queueOutcome {
	changes, unsubscribe := a.downloads.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	idlePolls := 0
	for {
		polled := false
		select {
		case <-ctx.Done():
			return queueInterrupted
		case <-changes:
		case <-ticker.C:
			polled = true
		}

		if progress != nil && polled {
			renderProgress(progress, a.manager.RunningTasks())
		}
		if keepAlive {
			continue
		}

		queued, err := a.downloads.Count(user)
		if err != nil {
			log.WithError(err).Error("Failed to count queued downloads")
			continue
		}
		if queued == 0 && len(a.manager.RunningTasks()) == 0 {
			return queueDrained
		}
		if !polled {
			continue
		}
		if a.manager.ActivePipelines() == 0 {
			idlePolls++
		} else {
			idlePolls = 0
		}
		if idlePolls >= stallPolls {
			return queueStalled
		}
	}
}

// renderProgress writes one line per running transfer, ordered by pipeline.
func renderProgress(w io.Writer, tasks []*transfer.DownloadFileTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PipelineID < tasks[j].PipelineID })

	var b strings.Builder
	if len(tasks) == 0 {
		b.WriteString("Waiting for downloads...\n")
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "Pipeline %d: %s/%s %5.1f%%\n", t.PipelineID, t.Link.VolumeID, t.Link.FileID, t.Progress().Value())
	}
	fmt.Fprint(w, b.String())
}

func logTransferErrors(events <-chan transfer.TransferError) {
	for ev := range events {
		entry := log.WithError(ev.Cause).WithFields(log.Fields{"volume": ev.VolumeID, "file": ev.FileID})
		if ev.Cancelled {
			entry.Info("Transfer cancelled")
		} else {
			entry.Warn("Transfer failed")
		}
	}
}
