package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/scanner"
)

var (
	scannersPool        string
	scannersEnabledOnly bool
)

var scannersCmd = &cobra.Command{
	Use:   "scanners",
	Short: "List scanner instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		instances, err := client.Scanners(cmd.Context(), scannersPool, scannersEnabledOnly)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), instances, func(w io.Writer) { printScanners(w, instances) })
	},
}

var scannerStatusCmd = &cobra.Command{
	Use:       "set-status <scanner-id> <healthy|unhealthy|disabled>",
	Short:     "Change the operational status of a scanner instance",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(scanner.StatusHealthy), string(scanner.StatusUnhealthy), string(scanner.StatusDisabled)},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		inst, err := client.SetScannerStatus(cmd.Context(), args[0], strings.ToLower(args[1]))
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), inst, func(w io.Writer) {
			fmt.Fprintf(w, "Scanner %s is now %s\n", inst.ID, inst.Status)
		})
	},
}

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Show scanner pool health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		health, err := client.Pools(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), health, func(w io.Writer) { printPools(w, health) })
	},
}

func init() {
	scannersCmd.Flags().StringVar(&scannersPool, "pool", "", "only instances in this pool")
	scannersCmd.Flags().BoolVar(&scannersEnabledOnly, "enabled-only", false, "hide disabled instances")
	scannersCmd.AddCommand(scannerStatusCmd)
	rootCmd.AddCommand(scannersCmd, poolsCmd)
}

func printScanners(w io.Writer, instances []scanner.Instance) {
	if len(instances) == 0 {
		fmt.Fprintln(w, "No scanners configured.")
		return
	}
	table := newTable(w, "ID", "Pool", "Type", "Status", "Load", "Enabled", "URL")
	for i := range instances {
		inst := &instances[i]
		_ = table.Append([]string{
			inst.ID,
			inst.Pool,
			inst.ScannerType,
			string(inst.Status),
			fmt.Sprintf("%d/%d", inst.Load, inst.Capacity),
			strconv.FormatBool(inst.Enabled),
			inst.URL,
		})
	}
	_ = table.Render()
}

func printPools(w io.Writer, health *scanner.PoolHealth) {
	overall := "healthy"
	if !health.Healthy {
		overall = "unhealthy"
	}
	fmt.Fprintf(w, "Overall: %s\n", overall)
	if len(health.Pools) == 0 {
		return
	}
	table := newTable(w, "Pool", "Instances", "Healthy", "Unhealthy", "Disabled", "Load")
	for _, p := range health.Pools {
		_ = table.Append([]string{
			p.Pool,
			strconv.Itoa(p.Total),
			strconv.Itoa(p.Healthy),
			strconv.Itoa(p.Unhealthy),
			strconv.Itoa(p.Disabled),
			fmt.Sprintf("%d/%d", p.Load, p.Capacity),
		})
	}
	_ = table.Render()
}
