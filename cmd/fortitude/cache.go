package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/fortitude/internal/config"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Research cache maintenance",
	}
	cmd.AddCommand(newCacheGCCmd())
	return cmd
}

func newCacheGCCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "List quarantined (.corrupt) cache files older than the retention window",
		Long: "Walks research_results/ for .corrupt files older than the retention window and " +
			"reports them. Never deletes automatically; quarantine removal is an operator decision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			root := filepath.Join(cfg.Cache.BasePath, "research_results")
			cutoff := time.Now().Add(-retention)

			var stale []string
			err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if info.IsDir() || !strings.HasSuffix(path, ".corrupt") {
					return nil
				}
				if info.ModTime().Before(cutoff) {
					stale = append(stale, path)
				}
				return nil
			})
			if err != nil {
				return err
			}

			if len(stale) == 0 {
				fmt.Println("no quarantined files older than", retention)
				return nil
			}
			fmt.Printf("%d quarantined files older than %s:\n", len(stale), retention)
			for _, p := range stale {
				fmt.Println(" ", p)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 7*24*time.Hour, "age threshold for reporting quarantined files")
	return cmd
}
