package cmd

import (
	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	"go-civitai-batch/internal/models"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a previous run from the persisted task queue",
	Long: `Reopens the task store under the output root, moves abandoned in-flight
tasks back to pending, reattaches partial .tmp files, and drains the
queue. Completed tasks are never re-downloaded.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "Disable the live terminal progress view")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	r, ctx, err := newRuntime(!flagNoProgress)
	if err != nil {
		return err
	}
	defer r.close()

	counts := r.st.CountByStatus()
	if counts[models.StatusPending] == 0 && counts[models.StatusInFlight] == 0 && counts[models.StatusFailed] == 0 {
		log.Info("Nothing to resume: the task queue is empty")
		return nil
	}
	if counts[models.StatusFailed] > 0 {
		requeued, err := r.st.RetryFailed()
		if err != nil {
			return err
		}
		log.Infof("Requeued %d previously failed tasks", requeued)
	}

	if code := r.run(ctx); code != ExitOK {
		return &exitError{code: code}
	}
	return nil
}
