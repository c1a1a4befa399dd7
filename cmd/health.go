// cmd/health.go
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markb/buildboard/internal/server"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the health endpoint of a running watcher",
	Long:  `Fetches /health from a watcher started with --health-addr and prints it. Exits non-zero when degraded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		channels, _ := cmd.Flags().GetBool("channels")

		path := "/health"
		if channels {
			path = "/health/channels"
		}
		return fetchHealth(&http.Client{Timeout: timeout}, healthURL(addr, path), cmd.OutOrStdout())
	},
}

func init() {
	healthCmd.Flags().String("addr", "localhost:9090", "Address of the watcher's health endpoint")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	healthCmd.Flags().Bool("channels", false, "Print per-channel details only")
}

func healthURL(addr, path string) string {
	addr = strings.TrimSuffix(addr, "/")
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr + path
}

func fetchHealth(client *http.Client, url string, out io.Writer) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("unexpected response (%s): %s", resp.Status, body)
	}
	pretty.WriteByte('\n')
	if _, err := pretty.WriteTo(out); err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusServiceUnavailable:
		return fmt.Errorf("realtime is %s", server.StatusDegraded)
	default:
		return fmt.Errorf("health check failed: %s", resp.Status)
	}
}
