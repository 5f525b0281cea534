package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func newResearchCmd() *cobra.Command {
	var query string
	var researchType string
	var addr string
	var priority int

	cmd := &cobra.Command{
		Use:   "research",
		Short: "Submit a one-off research request to a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(query) == "" {
				return fmt.Errorf("--query is required")
			}
			body, err := json.Marshal(map[string]any{
				"query":         query,
				"research_type": researchType,
				"priority":      priority,
			})
			if err != nil {
				return err
			}
			resp, err := http.Post(addr+"/research", "application/json", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("status=%d response=%v\n", resp.StatusCode, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "the research question")
	cmd.Flags().StringVar(&researchType, "type", "implementation", "one of implementation|learning|troubleshooting|decision|validation")
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "running instance's HTTP address")
	cmd.Flags().IntVar(&priority, "priority", 5, "task priority, 1-10")
	return cmd
}
