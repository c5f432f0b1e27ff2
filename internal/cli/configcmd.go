package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resource configuration this environment would run with",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("queue backend:            %s\n", cfg.QueueBackend)
	fmt.Printf("queue namespace:          %s\n", cfg.QueueNamespace)
	fmt.Printf("worker image:             %s\n", cfg.WorkerImage)
	fmt.Printf("object store root:        %s\n", cfg.ObjectStoreRoot)
	fmt.Println()
	fmt.Printf("global chunk ceiling:     %d\n", cfg.Resource.GlobalChunkCeiling)
	fmt.Printf("chunk size (images):      %d\n", cfg.Resource.ChunkSizeImages)
	fmt.Printf("max chunk retries:        %d\n", cfg.Resource.MaxChunkRetries)
	fmt.Printf("temp storage budget (MB): %d\n", cfg.Resource.TempStorageBudgetMB)
	fmt.Printf("storage safety margin:    %.2f\n", cfg.Resource.StorageSafetyMargin)
	fmt.Printf("cleanup warning pct:      %.1f\n", cfg.Resource.WarningThresholdPercent)
	fmt.Printf("cleanup emergency pct:    %.1f\n", cfg.Resource.EmergencyThresholdPercent)
	fmt.Printf("max orphan age (hours):   %d\n", cfg.Resource.MaxOrphanAgeHours)
	fmt.Printf("strict capacity mode:     %t\n", cfg.Resource.StrictCapacityMode)
	return nil
}
