package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var enableForce bool

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove KEY...",
		Short: "Delete installed datasets from the data root",
		Long: `Delete every file a dataset's manifest names. Base data cannot be removed
and datasets with an active download are skipped. Removing a dataset that is
already gone does nothing.`,
		Example: `  dsmanager remove hip`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    removeRun,
	}
}

func removeRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	failed := 0
	for _, key := range args {
		deleted, errs := globalOrch.Remove(key)
		for _, err := range errs {
			fmt.Printf("  %s: %v\n", key, err)
		}
		switch {
		case len(errs) > 0:
			failed++
		case deleted:
			fmt.Printf("Removed %s\n", key)
		default:
			fmt.Printf("%s is not installed\n", key)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d removals reported errors", failed, len(args))
	}
	return nil
}

func newEnableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enable KEY...",
		Short: "Mark installed datasets as selected",
		Long: `Mark installed datasets as selected for loading. Texture packs cannot be
enabled. Level-of-detail star catalogs, cluster catalogs and SDSS galaxy
catalogs are mutually exclusive; use --force to enable one anyway.`,
		Example: `  dsmanager enable hip
  dsmanager enable gaia-dr3-large --force`,
		Args: cobra.MinimumNArgs(1),
		RunE: enableRun,
	}
	cmd.Flags().BoolVar(&enableForce, "force", false, "enable even if a conflicting dataset is enabled")
	return cmd
}

func enableRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	for _, key := range args {
		if err := globalOrch.Enable(key, enableForce); err != nil {
			return err
		}
		fmt.Printf("Enabled %s\n", key)
	}
	return nil
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "disable KEY...",
		Short:   "Deselect datasets",
		Long:    `Deselect datasets. Base data always stays enabled.`,
		Example: `  dsmanager disable hip`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    disableRun,
	}
}

func disableRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	for _, key := range args {
		if err := globalOrch.Disable(key); err != nil {
			return err
		}
		if ds, _ := globalRegistry.Get(key); ds.Enabled {
			fmt.Printf("%s is base data and stays enabled\n", key)
			continue
		}
		fmt.Printf("Disabled %s\n", key)
	}
	return nil
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete leftover partial downloads",
		Long: `Delete *.part files and stale staging directories under <data>/tmp. Files
owned by running downloads are kept.`,
		RunE: cleanupRun,
	}
}

func cleanupRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	removed, err := globalOrch.CleanupTemp()
	for _, p := range removed {
		fmt.Printf("Removed %s\n", p)
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to clean up.")
	}
	return err
}

var (
	historyKey   string
	historyLimit int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded download jobs",
		Example: `  dsmanager history
  dsmanager history --key hip --limit 5`,
		RunE: historyRun,
	}
	cmd.Flags().StringVar(&historyKey, "key", "", "only show jobs for this dataset")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of jobs to show (0 for all)")
	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	runs, err := globalStore.ListDownloadRuns(historyKey, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No download history.")
		return nil
	}

	fmt.Printf("%-24s %-10s %10s %-8s %-16s %s\n", "Dataset", "Status", "Bytes", "Resumed", "Started", "Error")
	for _, r := range runs {
		resumed := "no"
		if r.Resumed {
			resumed = "yes"
		}
		errMsg := r.ErrorMessage
		if r.FailureKind != "" {
			errMsg = r.FailureKind + ": " + errMsg
		}
		fmt.Printf("%-24s %-10s %10s %-8s %-16s %s\n",
			truncate(r.DatasetKey, 24), r.Status, humanize.Bytes(uint64(r.Bytes)), resumed,
			humanize.Time(r.StartTime), errMsg)
	}
	return nil
}
