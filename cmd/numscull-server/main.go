// Package main provides the CLI entry point for the Numscull server.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/postalsys/numscull/internal/config"
	"github.com/postalsys/numscull/internal/control"
	"github.com/postalsys/numscull/internal/domain"
	"github.com/postalsys/numscull/internal/identity"
	"github.com/postalsys/numscull/internal/logging"
	"github.com/postalsys/numscull/internal/metrics"
	"github.com/postalsys/numscull/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "numscull-server",
		Short:   "Numscull - code review collaboration server",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	createKeypair := createKeypairCmd()
	createKeypair.GroupID = "admin"
	rootCmd.AddCommand(createKeypair)

	status := statusCmd()
	status.GroupID = "admin"
	rootCmd.AddCommand(status)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		port        int
		host        string
		configDir   string
		statusAddr  string
		idleTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Numscull server",
		Long:  "Start the Numscull server, listening for review sessions on the given host and port.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configDir == "" {
				return fmt.Errorf("--config-dir is required")
			}
			portSet := cmd.Flags().Changed("port")
			if v := os.Getenv("NUMSCULL_PORT"); v != "" && !portSet {
				if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
					portSet = true
				}
			}
			if v := os.Getenv("NUMSCULL_CONFIG_DIR"); v != "" && !cmd.Flags().Changed("config-dir") {
				configDir = v
			}

			cfg, err := config.Load(filepath.Join(configDir, "server.json"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if portSet {
				cfg.Port = port
			}

			identities, err := identity.NewStore(configDir)
			if err != nil {
				return fmt.Errorf("open identity store: %w", err)
			}
			serverKey, err := identities.LoadOrCreateServerKeyPair()
			if err != nil {
				return fmt.Errorf("load server key: %w", err)
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.Default()
			domainDB := domain.NewStore()

			srv := session.NewServer(session.ServerConfig{Address: fmt.Sprintf("%s:%d", host, cfg.Port), IdleTimeout: idleTimeout}, identities, domainDB, serverKey, logger, m)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}

			var sidecar *control.Server
			if statusAddr != "" {
				sidecar = control.NewServer(control.ServerConfig{Address: statusAddr, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}, srv, domainDB, Version)
				if err := sidecar.Start(); err != nil {
					return fmt.Errorf("start status sidecar: %w", err)
				}
			}

			printBanner(srv.Address().String(), statusAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if sidecar != nil {
				sidecar.Stop()
			}
			if err := srv.Stop(); err != nil {
				return fmt.Errorf("stop server: %w", err)
			}
			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Port to listen on")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host to bind to")
	cmd.Flags().StringVarP(&configDir, "config-dir", "c", "", "Directory holding identities, keys, and server.json (required)")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Optional address for the /status and /metrics sidecar (disabled if empty)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Close a session that sends no frames for this long (0 disables)")

	return cmd
}

func createKeypairCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "create_keypair [identity]",
		Short: "Create a static identity keypair",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configDir == "" {
				return fmt.Errorf("--config-dir is required")
			}

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("identity name required (non-interactive session)")
				}
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title("Identity name").
						Validate(func(s string) error {
							if s == "" {
								return fmt.Errorf("identity name cannot be empty")
							}
							return nil
						}).
						Value(&name),
				))
				if err := form.Run(); err != nil {
					return fmt.Errorf("prompt for identity name: %w", err)
				}
			}

			identities, err := identity.NewStore(configDir)
			if err != nil {
				return fmt.Errorf("open identity store: %w", err)
			}
			kp, err := identities.CreateIdentity(name)
			if err != nil {
				return fmt.Errorf("create identity: %w", err)
			}

			fmt.Printf("Created identity %q\n", name)
			fmt.Printf("Public key: %s\n", base64.StdEncoding.EncodeToString(kp.Public[:]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configDir, "config-dir", "c", "", "Directory to store identities in (required)")

	return cmd
}

func statusCmd() *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server's status sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(statusAddr)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}

			fmt.Printf("Numscull server %s (running: %v)\n", resp.Version, resp.Running)
			fmt.Printf("Sessions: %s\n", humanize.Comma(int64(resp.SessionCount)))
			fmt.Printf("Projects: %s\n", humanize.Comma(int64(resp.ProjectCount)))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:7723", "Address of the running server's status sidecar")

	return cmd
}

func printBanner(addr, statusAddr string) {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Render("Numscull")
	fmt.Printf("%s server %s\n", title, Version)
	fmt.Printf("Listening on %s\n", addr)
	if statusAddr != "" {
		fmt.Printf("Status sidecar on http://%s/status (metrics at /metrics)\n", statusAddr)
	}
}
