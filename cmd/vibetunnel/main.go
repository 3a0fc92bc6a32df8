package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vibetunnel/server/pkg/api"
	"github.com/vibetunnel/server/pkg/config"
	"github.com/vibetunnel/server/pkg/hq"
	"github.com/vibetunnel/server/pkg/session"
	"github.com/vibetunnel/server/pkg/tunnel"
)

// version is injected at build time.
var version = "dev"

var (
	configFile string

	listSessions  bool
	cleanupExited bool
	sendText      string
	sendKey       string
	signalName    string
	killSession   bool
	targetSession string
)

var rootCmd = &cobra.Command{
	Use:   "vibetunnel",
	Short: "VibeTunnel - terminal sessions over the network",
	Long: `VibeTunnel exposes local terminal sessions to browsers and mobile
clients over HTTP, SSE and a multiplexed WebSocket. In HQ mode one
server federates a fleet of peers.`,
	RunE: run,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(homeDir, ".vibetunnel", "config.yaml")
	defaultControl := filepath.Join(homeDir, ".vibetunnel", "control")

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", defaultConfig, "Configuration file path")
	flags.String("control-dir", defaultControl, "Control directory path")

	flags.StringP("port", "p", "4020", "Server port")
	flags.String("bind", "", "Bind address (overrides access mode)")
	flags.Bool("localhost", false, "Bind to localhost only")
	flags.Bool("network", false, "Bind to all interfaces")
	flags.Bool("no-auth", false, "Disable authentication")

	flags.Bool("hq", false, "Run as HQ, aggregating peer servers")
	flags.String("hq-url", "", "Register with this HQ on startup")
	flags.String("hq-name", "", "Name to register at the HQ")
	flags.String("hq-token", "", "Bearer token shared with the HQ")

	flags.Bool("tls", false, "Serve HTTPS")
	flags.String("tls-port", "4443", "HTTPS port")
	flags.String("tls-domain", "", "Domain for managed certificates")
	flags.String("tls-cert", "", "Custom TLS certificate path")
	flags.String("tls-key", "", "Custom TLS key path")

	flags.Bool("ngrok", false, "Expose the server through an ngrok tunnel")
	flags.String("ngrok-token", "", "ngrok auth token")

	flags.Bool("debug", false, "Enable debug logging")
	flags.Bool("cleanup-startup", false, "Remove exited sessions on startup")

	// Session management without a server round-trip.
	flags.BoolVar(&listSessions, "list-sessions", false, "List sessions and exit")
	flags.BoolVar(&cleanupExited, "cleanup-exited", false, "Remove exited sessions and exit")
	flags.StringVar(&targetSession, "session", "", "Target session (id, name or id prefix)")
	flags.StringVar(&sendText, "send-text", "", "Send text to the target session")
	flags.StringVar(&sendKey, "send-key", "", "Send a key to the target session")
	flags.StringVar(&signalName, "signal", "", "Send a signal to the target session")
	flags.BoolVar(&killSession, "kill", false, "Kill the target session")

	rootCmd.AddCommand(fwdCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vibetunnel %s\n", version)
		},
	})
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig(configFile)
	cfg.MergeFlags(cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Advanced.DebugMode {
		if err := os.Setenv("VIBETUNNEL_DEBUG", "1"); err != nil {
			log.Printf("[WARN] failed to set debug env: %v", err)
		}
	}

	store := session.NewStore(cfg.ControlDir)

	// One-shot session management modes.
	switch {
	case listSessions:
		return printSessions(store)
	case cleanupExited:
		cleaned := store.CleanupExited()
		fmt.Printf("Cleaned up %d session(s)\n", len(cleaned))
		return nil
	case sendText != "" || sendKey != "" || signalName != "" || killSession:
		return sessionCommand(store)
	}

	return serve(cfg)
}

func printSessions(store *session.Store) error {
	sessions := store.ListSessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}
	for _, info := range sessions {
		exit := ""
		if info.ExitCode != nil {
			exit = fmt.Sprintf(" exit=%d", *info.ExitCode)
		}
		fmt.Printf("%s  %-20s %-8s %s%s\n",
			info.ID[:8], info.Name, info.Status, strings.Join(info.Command, " "), exit)
	}
	return nil
}

// sessionCommand drives a running session through its IPC socket, so it
// works against sessions owned by another server process.
func sessionCommand(store *session.Store) error {
	if targetSession == "" {
		return fmt.Errorf("--session is required")
	}
	info, err := store.FindSession(targetSession)
	if err != nil {
		return err
	}

	client, err := session.DialIPC(store.SessionPaths(info.ID).Socket())
	if err != nil {
		return fmt.Errorf("session %s is not reachable: %w", info.Name, err)
	}
	defer client.Close()

	switch {
	case sendText != "":
		return client.SendStdin([]byte(sendText))
	case sendKey != "":
		data, err := api.KeyToBytes(sendKey)
		if err != nil {
			return err
		}
		return client.SendStdin(data)
	case signalName != "":
		return client.Kill(signalName)
	case killSession:
		return client.Kill("SIGTERM")
	}
	return nil
}

func serve(cfg *config.Config) error {
	if err := cfg.EnsureJWTSecret(configFile); err != nil {
		return err
	}

	server := api.NewServer(cfg, version)

	if cfg.Advanced.CleanupStartup {
		cleaned := server.Store().CleanupExited()
		if len(cleaned) > 0 {
			log.Printf("[INFO] cleaned up %d exited session(s) on startup", len(cleaned))
		}
	}

	if cfg.Ngrok.Enabled {
		provider := tunnel.NewNgrokProvider(cfg.Ngrok.AuthToken)
		port, _ := strconv.Atoi(cfg.Server.Port)
		if err := provider.Start(port); err != nil {
			log.Printf("[WARN] ngrok tunnel failed to start: %v", err)
		} else {
			server.SetTunnel(provider)
			defer func() {
				if err := provider.Stop(); err != nil {
					log.Printf("[WARN] ngrok tunnel stop failed: %v", err)
				}
			}()
		}
	}

	if cfg.HQ.URL != "" {
		myURL := fmt.Sprintf("http://%s", cfg.BindAddr())
		if err := hq.RegisterWithHQ(cfg.HQ.URL, uuid.New().String(), cfg.HQ.Name, myURL, cfg.HQ.BearerToken); err != nil {
			log.Printf("[WARN] HQ registration failed: %v", err)
		} else {
			log.Printf("[INFO] registered with HQ at %s as %s", cfg.HQ.URL, cfg.HQ.Name)
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[ERROR] shutdown failed: %v", err)
		}
	}()

	if cfg.TLS.Enabled {
		return api.NewTLSServer(server, &cfg.TLS).StartTLS(":" + cfg.TLS.Port)
	}
	return server.Start(cfg.BindAddr())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vibetunnel: %v\n", err)
		os.Exit(1)
	}
}
