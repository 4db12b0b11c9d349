package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tether/internal/embedding"
	"tether/internal/memory"
	"tether/internal/store"
)

// statsCmd prints store occupancy.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show trace store statistics",
	RunE:  runStats,
}

// consolidateCmd runs one maintenance pass by hand.
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation/archival/forgetting pass",
	Long: `Performs the same pass the background worker runs on its ticker:
consolidate every user whose hot tier is over capacity or age, archive
aged warm records into the cold tier, then apply the forgetting policy.`,
	RunE: runConsolidate,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Trace store: %s\n", cfg.DatabasePath())
	fmt.Printf("  hot:       %d records\n", stats.HotRecords)
	fmt.Printf("  warm:      %d records\n", stats.WarmRecords)
	fmt.Printf("  cold:      %d records (%d preserved)\n", stats.ColdRecords, stats.Preserved)
	fmt.Printf("  users:     %d\n", stats.Users)

	breakers, err := st.BreakerStates()
	if err != nil {
		return err
	}
	if len(breakers) > 0 {
		fmt.Println("Breakers:")
		for _, b := range breakers {
			line := fmt.Sprintf("  %-20s %-9s negatives=%d", b.UserID, b.Status, b.ConsecutiveNegative)
			if !b.OpenedAt.IsZero() {
				line += fmt.Sprintf(" opened=%s", b.OpenedAt.Format("2006-01-02 15:04"))
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return err
	}
	if embedder != nil {
		st.SetEmbeddingEngine(embedder)
	}

	manager := memory.NewManager(st, cfg.Memory, embedder, nil)
	if err := manager.RunMaintenance(context.Background()); err != nil {
		return err
	}

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("maintenance complete: hot=%d warm=%d cold=%d\n",
		stats.HotRecords, stats.WarmRecords, stats.ColdRecords)
	return nil
}

// newRecordID mints a trace record id.
func newRecordID() string {
	return uuid.NewString()
}
