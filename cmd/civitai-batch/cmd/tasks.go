package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/store"
)

var tasksShowFailed bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show the state of the persisted task queue",
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().BoolVar(&tasksShowFailed, "failed", false, "List failed and quarantined tasks with their last error")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	st, err := store.Open(filepath.Join(globalConfig.StateDir(), "tasks.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	counts := st.CountByStatus()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range []models.TaskStatus{
		models.StatusPending, models.StatusInFlight, models.StatusDone,
		models.StatusFailed, models.StatusQuarantined, models.StatusSkipped,
	} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}
	w.Flush()

	if !tasksShowFailed {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tSTATUS\tATTEMPTS\tERROR\tTARGET")
	err = st.Walk(func(task models.Task) error {
		if task.Status != models.StatusFailed && task.Status != models.StatusQuarantined {
			return nil
		}
		errText := ""
		if task.LastError != nil {
			errText = task.LastError.Class + ": " + task.LastError.Message
		}
		if len(errText) > 80 {
			errText = errText[:77] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", task.Kind, task.Status, task.Attempts, errText, task.TargetPath)
		return nil
	})
	w.Flush()
	return err
}
