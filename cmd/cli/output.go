package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"

	"github.com/anstrom/scanqueue/internal/orchestrator"
)

const maxTargetWidth = 32

func outputFormat() (string, error) {
	switch format := strings.ToLower(viper.GetString("output")); format {
	case "", outputTable:
		return outputTable, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use table or json)", format)
	}
}

// render writes v as indented JSON when --output json is set, otherwise
// it calls table.
func render(w io.Writer, v interface{}, table func(io.Writer)) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table(w)
	return nil
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	cells := make([]any, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	table.Header(cells...)
	return table
}

func printTasks(w io.Writer, tasks []orchestrator.StatusView) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	table := newTable(w, "ID", "Name", "Targets", "Type", "Status", "Progress", "Scanner", "Created")
	for i := range tasks {
		t := &tasks[i]
		status := string(t.Status)
		if t.Paused {
			status += " (paused)"
		}
		_ = table.Append([]string{
			t.TaskID,
			t.Name,
			truncate(t.Targets, maxTargetWidth),
			string(t.ScanType),
			status,
			fmt.Sprintf("%d%%", t.Progress),
			t.ScannerInstance,
			t.CreatedAt,
		})
	}
	_ = table.Render()
}

func printTask(w io.Writer, t *orchestrator.StatusView) {
	table := newTable(w, "Field", "Value")
	rows := [][]string{
		{"Task ID", t.TaskID},
		{"Trace ID", t.TraceID},
		{"Name", t.Name},
		{"Targets", t.Targets},
		{"Scan type", string(t.ScanType)},
		{"Status", string(t.Status)},
		{"Progress", fmt.Sprintf("%d%%", t.Progress)},
		{"Paused", fmt.Sprintf("%t", t.Paused)},
		{"Scanner pool", t.ScannerPool},
		{"Scanner instance", t.ScannerInstance},
		{"Backend scan ID", t.BackendScanID},
		{"Created", t.CreatedAt},
		{"Started", t.StartedAt},
		{"Completed", t.CompletedAt},
		{"Error", t.ErrorMessage},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		_ = table.Append(row)
	}
	_ = table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
