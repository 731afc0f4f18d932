package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenwiresh/screenwire/internal/protocol"
	"github.com/screenwiresh/screenwire/internal/relay"
)

var (
	relayURLFlag   string
	adminTokenFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sw",
		Short: "Command relay for remote device control",
	}
	rootCmd.PersistentFlags().StringVar(&relayURLFlag, "relay-url", "http://localhost:8080", "Relay admin API base URL")
	rootCmd.PersistentFlags().StringVar(&adminTokenFlag, "admin-token", "", "Admin API token (or SCREENWIRE_ADMIN_TOKEN)")

	rootCmd.AddCommand(
		relayCmd(),
		drainCmd(),
		statusCmd(),
		deviceCmd(),
		controllerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dataDir() string {
	if dir := os.Getenv("SCREENWIRE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".screenwire"
	}
	return filepath.Join(home, ".screenwire")
}

// ---------------------------------------------------------------------------
// relayCmd
// ---------------------------------------------------------------------------

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "[sw] shutting down...")
				cancel()
			}()

			return relay.RunRelay(ctx, dir)
		},
	}
}

// ---------------------------------------------------------------------------
// Admin API client helpers
// ---------------------------------------------------------------------------

func adminToken() string {
	if adminTokenFlag != "" {
		return adminTokenFlag
	}
	return os.Getenv("SCREENWIRE_ADMIN_TOKEN")
}

func adminRequest(method, path string, body any) (map[string]any, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, relayURLFlag+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s (%d)", method, path, bytes.TrimSpace(data), resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// drainCmd
// ---------------------------------------------------------------------------

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Drain the relay: close all connections, reject new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminRequest(http.MethodPost, "/api/v1/drain", nil)
			if err != nil {
				return err
			}
			fmt.Printf("relay is %s\n", out["status"])
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// statusCmd
// ---------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay instance status",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, relayURLFlag+"/api/v1/status", nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 15 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var st map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("parsing status: %w", err)
			}
			fmt.Printf("instance:    %v\n", st["instance_id"])
			fmt.Printf("status:      %v\n", st["status"])
			fmt.Printf("devices:     %v\n", st["devices"])
			fmt.Printf("controllers: %v\n", st["controllers"])
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// deviceCmd
// ---------------------------------------------------------------------------

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage provisioned devices",
	}

	var nameFlag string
	addCmd := &cobra.Command{
		Use:   "add <device-id>",
		Short: "Provision a device and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminRequest(http.MethodPost, "/api/v1/devices", map[string]string{
				"device_id": args[0],
				"name":      nameFlag,
			})
			if err != nil {
				return err
			}
			fmt.Printf("device %s registered\ntoken: %s\n", out["device_id"], out["device_token"])
			return nil
		},
	}
	addCmd.Flags().StringVar(&nameFlag, "name", "", "Human-readable device name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioned devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, relayURLFlag+"/api/v1/devices", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+adminToken())
			client := &http.Client{Timeout: 15 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("listing devices: status %d", resp.StatusCode)
			}

			var devices []struct {
				DeviceID   string    `json:"device_id"`
				Name       string    `json:"name"`
				Connected  bool      `json:"connected"`
				LastSeenAt time.Time `json:"last_seen_at"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
				return fmt.Errorf("parsing device list: %w", err)
			}

			if len(devices) == 0 {
				fmt.Println("no devices registered")
				return nil
			}
			for _, d := range devices {
				state := "offline"
				if d.Connected {
					state = "online"
				}
				fmt.Printf("%-24s %-8s %-20s last seen %s\n", d.DeviceID, state, d.Name, d.LastSeenAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <device-id>",
		Short: "Revoke a device and discard its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminRequest(http.MethodDelete, "/api/v1/devices/"+args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("device %s revoked\n", out["device"])
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, rmCmd)
	return cmd
}

// ---------------------------------------------------------------------------
// controllerCmd
// ---------------------------------------------------------------------------

func controllerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Manage controller API keys",
	}

	var labelFlag, ttlFlag string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a controller API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminRequest(http.MethodPost, "/api/v1/controllers", map[string]string{
				"label": labelFlag,
				"ttl":   ttlFlag,
			})
			if err != nil {
				return err
			}
			fmt.Printf("key: %s\n", out["key"])
			return nil
		},
	}
	addCmd.Flags().StringVar(&labelFlag, "label", "", "Label for the key")
	addCmd.Flags().StringVar(&ttlFlag, "ttl", "", "Key lifetime (e.g. 720h); empty means no expiry")

	rmCmd := &cobra.Command{
		Use:   "rm <key>",
		Short: "Revoke a controller API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := adminRequest(http.MethodDelete, "/api/v1/controllers/"+args[0], nil); err != nil {
				return err
			}
			fmt.Println("key revoked")
			return nil
		},
	}

	cmd.AddCommand(addCmd, rmCmd)
	return cmd
}

// ---------------------------------------------------------------------------
// versionCmd
// ---------------------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(protocol.RelayVersion.String())
		},
	}
}
