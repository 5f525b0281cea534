package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newCircuitsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "Print per-provider circuit breaker and health state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr + "/providers")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out []map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			for _, p := range out {
				fmt.Printf("%-20v health=%-6v circuit=%v\n", p["provider"], p["health_score"], p["circuit"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "running instance's HTTP address")
	return cmd
}
