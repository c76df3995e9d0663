// Command gateway runs the Triologue agent gateway: the upstream bridge,
// the router, the three downstream transports, and the HTTP surface that
// fronts them.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var logger *slog.Logger

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Triologue agent gateway",
		Long:  "Bridges external AI agents to chat rooms over a persistent socket, an SSE stream, and a webhook.",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(healthcheckCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func healthcheckCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running gateway's /health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(addr + "/health")
			if err != nil {
				return fmt.Errorf("healthcheck request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8090", "gateway base URL")
	return cmd
}
