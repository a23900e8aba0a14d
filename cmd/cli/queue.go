package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/queue"
)

var (
	dlqStart int64
	dlqEnd   int64
	dlqYes   bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue depth and dead-letter count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		stats, err := client.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), stats, func(w io.Writer) {
			fmt.Fprintf(w, "Queued:       %d\n", stats.Depth)
			fmt.Fprintf(w, "Dead letters: %d\n", stats.DLQSize)
			if len(stats.Next) > 0 {
				fmt.Fprintf(w, "Next up:      %s\n", strings.Join(stats.Next, ", "))
			}
		})
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect or clear the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	Long: `List dead-letter entries. The range is inclusive and negative indexes
count from the end, so the default lists every entry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		entries, err := client.DeadLetters(cmd.Context(), dlqStart, dlqEnd)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), entries, func(w io.Writer) { printDeadLetters(w, entries) })
	},
}

var dlqClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every dead-letter entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !dlqYes && !confirm(cmd, "Remove every dead-letter entry?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		n, err := client.ClearDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d dead-letter entries\n", n)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().Int64Var(&dlqStart, "start", 0, "first index")
	dlqListCmd.Flags().Int64Var(&dlqEnd, "end", -1, "last index")
	dlqClearCmd.Flags().BoolVarP(&dlqYes, "yes", "y", false, "skip confirmation")

	dlqCmd.AddCommand(dlqListCmd, dlqClearCmd)
	queueCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(queueCmd)
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printDeadLetters(w io.Writer, entries []queue.DeadLetter) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Dead-letter queue is empty.")
		return
	}
	table := newTable(w, "Task", "Targets", "Reason", "Failed")
	for _, e := range entries {
		id, targets := "(undecodable)", ""
		if e.Task != nil {
			id = e.Task.TaskID
			targets = truncate(e.Task.Payload.Targets, maxTargetWidth)
		}
		_ = table.Append([]string{id, targets, e.Reason, e.FailedAt.Local().Format(time.DateTime)})
	}
	_ = table.Render()
}
