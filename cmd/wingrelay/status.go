package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/gateway"
)

func statusCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running relay's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(strings.TrimRight(urlFlag, "/") + "/api/health")
			if err != nil {
				return fmt.Errorf("relay unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health returned %s", resp.Status)
			}
			var h gateway.HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
				return fmt.Errorf("decode health: %w", err)
			}
			printHealth(h)
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "http://localhost:8080", "relay base URL")
	return cmd
}

func printHealth(h gateway.HealthResponse) {
	started := h.Timestamp.Add(-time.Duration(h.UptimeSeconds * float64(time.Second)))
	fmt.Printf("status:        %s (version %s, started %s)\n", h.Status, h.Version, humanize.Time(started))
	fmt.Printf("connections:   %d primary, %d secondary\n", h.Connections[agent.Primary], h.Connections[agent.Secondary])
	for _, c := range h.Clients {
		fmt.Printf("  %-9s %-16s %-21s connected %s\n", c.Kind, c.Subject, c.RemoteAddr, humanize.Time(c.ConnectedAt))
	}
	fmt.Printf("conversations: %s in memory, %d pending writes\n", humanize.Comma(int64(h.Conversations.Total)), h.Conversations.Dirty)
	fmt.Printf("traces:        %d retained\n", h.Traces)
	if b := h.Bridge; b != nil {
		state := "ready"
		if !b.Ready {
			state = "NOT READY"
		}
		fmt.Printf("bridge:        %s (%s %s, script %s)\n", state, b.Runtime, b.RuntimeVersion, b.ScriptPath)
	}

	fmt.Printf("sessions:      %d\n", h.Pool.Total)
	for _, s := range h.Pool.Sessions {
		state := "idle"
		if s.Alive {
			state = "running"
		}
		fmt.Printf("  %-12s %-9s %3d turns  %-7s  last used %s\n",
			s.SessionID, s.Kind, s.TurnCount, state,
			humanize.Time(h.Timestamp.Add(-time.Duration(s.IdleSeconds*float64(time.Second)))))
	}
}
