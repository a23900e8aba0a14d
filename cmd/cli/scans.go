package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/api/handlers"
	"github.com/anstrom/scanqueue/internal/orchestrator"
)

var (
	submitName        string
	submitDescription string
	submitScanType    string
	submitProfile     string
	submitScanner     string
	submitPool        string
	submitCredentials map[string]string
	submitIdemKey     string
	submitWatch       bool

	listStatus   string
	listScanType string
	listPool     string
	listTarget   string
	listLimit    int

	resultsProfile  string
	resultsFields   []string
	resultsPage     int
	resultsPageSize int
	resultsFilters  map[string]string
)

var submitCmd = &cobra.Command{
	Use:   "submit <targets>",
	Short: "Submit a scan",
	Long: `Submit a scan of one or more targets. Targets are a comma-separated list
of IPv4 or IPv6 addresses and CIDR ranges.`,
	Example: `  scanqueue submit 10.0.0.0/24
  scanqueue submit 10.0.0.5,10.0.1.0/28 --scan-type trusted --pool dmz
  scanqueue submit 192.168.1.0/24 --idempotency-key nightly-2026-10-18 --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		view, err := client.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), view, func(w io.Writer) { printTask(w, view) })
	},
}

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"list"},
	Short:   "List tasks",
	Example: `  scanqueue tasks --status RUNNING
  scanqueue tasks --target 10.0.0.7 --limit 20`,
	Args: cobra.NoArgs,
	RunE: runTasks,
}

var resultsCmd = &cobra.Command{
	Use:   "results <task-id>",
	Short: "Fetch the results of a completed task",
	Long: `Fetch the result records of a completed task as newline-delimited JSON.
Records can be projected with a schema profile or an explicit field list,
filtered per field and paginated.`,
	Example: `  scanqueue results 3f1c... --profile brief
  scanqueue results 3f1c... --fields host,severity --filter severity=>=7
  scanqueue results 3f1c... --page 2 --page-size 100`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Stream status changes of a task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchTask(cmd, args[0])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, tasksCmd, resultsCmd, watchCmd, deleteCmd)
	for _, op := range []string{"pause", "resume", "stop"} {
		rootCmd.AddCommand(newControlCmd(op))
	}

	f := submitCmd.Flags()
	f.StringVar(&submitName, "name", "", "human readable task name")
	f.StringVar(&submitDescription, "description", "", "task description")
	f.StringVar(&submitScanType, "scan-type", "", "scan type: untrusted, trusted or privileged")
	f.StringVar(&submitProfile, "profile", "", "result schema profile: full, summary, brief or minimal")
	f.StringVar(&submitScanner, "scanner-type", "", "scanner type, e.g. nessus")
	f.StringVar(&submitPool, "pool", "", "scanner pool")
	f.StringToStringVar(&submitCredentials, "credential", nil, "scan credential as key=value (repeatable)")
	f.StringVar(&submitIdemKey, "idempotency-key", "", "idempotency key for safe retries")
	f.BoolVarP(&submitWatch, "watch", "w", false, "watch the task after submitting")

	f = tasksCmd.Flags()
	f.StringVar(&listStatus, "status", "", "filter by status")
	f.StringVar(&listScanType, "scan-type", "", "filter by scan type")
	f.StringVar(&listPool, "pool", "", "filter by scanner pool")
	f.StringVar(&listTarget, "target", "", "only tasks whose targets contain this address")
	f.IntVar(&listLimit, "limit", 0, "maximum number of tasks (0 for all)")

	f = resultsCmd.Flags()
	f.StringVar(&resultsProfile, "profile", "", "schema profile: full, summary, brief or minimal")
	f.StringSliceVar(&resultsFields, "fields", nil, "explicit field list")
	f.IntVar(&resultsPage, "page", 0, "page number starting at 1 (0 for all records)")
	f.IntVar(&resultsPageSize, "page-size", 0, "records per page")
	f.StringToStringVar(&resultsFilters, "filter", nil, "field filter as field=condition (repeatable)")
	resultsCmd.MarkFlagsMutuallyExclusive("profile", "fields")
}

func newControlCmd(op string) *cobra.Command {
	past := map[string]string{"pause": "paused", "resume": "resumed", "stop": "stopped"}[op]
	return &cobra.Command{
		Use:   op + " <task-id>",
		Short: strings.ToUpper(op[:1]) + op[1:] + " a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			view, err := client.Control(cmd.Context(), args[0], op)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), view, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s %s (status %s)\n", view.TaskID, past, view.Status)
			})
		},
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	req := orchestrator.SubmitRequest{
		Targets:       args[0],
		Name:          submitName,
		Description:   submitDescription,
		ScanType:      submitScanType,
		SchemaProfile: submitProfile,
		ScannerType:   submitScanner,
		ScannerPool:   submitPool,
		Credentials:   submitCredentials,
	}
	resp, err := client.Submit(cmd.Context(), req, submitIdemKey)
	if err != nil {
		return err
	}

	err = render(cmd.OutOrStdout(), resp, func(w io.Writer) {
		if resp.Duplicate {
			fmt.Fprintf(w, "Task %s already submitted with this idempotency key\n", resp.TaskID)
			return
		}
		fmt.Fprintf(w, "Task %s %s on %s (trace %s)\n", resp.TaskID, resp.Status, resp.ScannerInstance, resp.TraceID)
	})
	if err != nil || !submitWatch {
		return err
	}
	return watchTask(cmd, resp.TaskID)
}

func runTasks(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	filter := url.Values{}
	for key, value := range map[string]string{
		"status":    listStatus,
		"scan_type": listScanType,
		"pool":      listPool,
		"target":    listTarget,
	} {
		if value != "" {
			filter.Set(key, value)
		}
	}
	if listLimit > 0 {
		filter.Set("limit", strconv.Itoa(listLimit))
	}

	tasks, err := client.ListTasks(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), tasks, func(w io.Writer) { printTasks(w, tasks) })
}

func runResults(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	if resultsProfile != "" {
		query.Set("schema_profile", resultsProfile)
	}
	if len(resultsFields) > 0 {
		query.Set("fields", strings.Join(resultsFields, ","))
	}
	if resultsPage > 0 {
		query.Set("page", strconv.Itoa(resultsPage))
	}
	if resultsPageSize > 0 {
		query.Set("page_size", strconv.Itoa(resultsPageSize))
	}
	for field, cond := range resultsFilters {
		query.Set("filter."+field, cond)
	}

	doc, err := client.Results(cmd.Context(), args[0], query)
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), doc)
	return err
}

// watchTask prints one line per status frame until the stream closes or
// the user interrupts.
func watchTask(cmd *cobra.Command, taskID string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return client.Watch(ctx, taskID, func(msg handlers.WatchMessage) error {
		ts := msg.Timestamp.Local().Format(time.TimeOnly)
		switch msg.Type {
		case handlers.MessageStatus:
			data, _ := msg.Data.(map[string]interface{})
			status, _ := data["status"].(string)
			progress, _ := data["progress"].(float64)
			line := fmt.Sprintf("%s  %-10s %3.0f%%", ts, status, progress)
			if paused, _ := data["paused"].(bool); paused {
				line += "  paused"
			}
			if errMsg, _ := data["error_message"].(string); errMsg != "" {
				line += "  " + errMsg
			}
			fmt.Fprintln(out, line)
		case handlers.MessageDeleted:
			fmt.Fprintf(out, "%s  task deleted\n", ts)
		default:
			fmt.Fprintf(out, "%s  %s\n", ts, msg.Type)
		}
		return nil
	})
}
