package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dsmanager/internal/catalog"
)

var listStatus string

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [FILTER]",
		Short: "List datasets in the catalog and their local state",
		Long: `List every dataset in the catalog with its type, size, local and remote
version and install status. An optional FILTER matches name, description,
key and type case-insensitively.`,
		Example: `  dsmanager list
  dsmanager list gaia
  dsmanager list --status outdated`,
		Args: cobra.MaximumNArgs(1),
		RunE: listRun,
	}

	cmd.Flags().StringVar(&listStatus, "status", "", "only show datasets with this status (installed, outdated, not-installed)")

	return cmd
}

func listRun(cmd *cobra.Command, args []string) error {
	if globalRegistry == nil {
		return fmt.Errorf("catalog not loaded")
	}

	filter := ""
	if len(args) > 0 {
		filter = args[0]
	}

	var rows []catalog.Dataset
	for _, d := range globalRegistry.Filter(filter) {
		if listStatus != "" && d.Status().String() != listStatus {
			continue
		}
		rows = append(rows, d)
	}

	if len(rows) == 0 {
		fmt.Println("No datasets match.")
		return nil
	}

	fmt.Printf("%-3s %-28s %-16s %10s %8s %-14s\n", "", "Key", "Type", "Size", "Version", "Status")
	fmt.Println(strings.Repeat("-", 84))
	for _, d := range rows {
		mark := ""
		if d.Enabled {
			mark = "*"
		}
		ver := fmt.Sprintf("%d", d.RemoteVersion)
		if d.Exists {
			ver = fmt.Sprintf("%d/%d", d.LocalVersion, d.RemoteVersion)
		}
		size := "-"
		if d.SizeBytes > 0 {
			size = humanize.Bytes(uint64(d.SizeBytes))
		}
		fmt.Printf("%-3s %-28s %-16s %10s %8s %-14s\n", mark, truncate(d.Key, 28), d.Type, size, ver, d.Status())
	}

	diff := globalRegistry.Diff()
	fmt.Printf("\n%d installed, %d outdated, %d not installed (* = enabled)\n",
		len(diff.Installed), len(diff.Outdated), len(diff.Missing))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
