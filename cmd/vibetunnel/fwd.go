package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vibetunnel/server/pkg/config"
	"github.com/vibetunnel/server/pkg/protocol"
	"github.com/vibetunnel/server/pkg/session"
	"github.com/vibetunnel/server/pkg/stream"
	"golang.org/x/term"
)

var fwdName string

var fwdCmd = &cobra.Command{
	Use:   "fwd [--] command [args...]",
	Short: "Run a command in the current terminal while recording it as a session",
	Long: `fwd spawns the command under a PTY, writes the standard control
directory layout so browsers can attach, and mirrors the session into
the current terminal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFwd,
}

func init() {
	fwdCmd.Flags().StringVar(&fwdName, "name", "", "Session name")
}

func runFwd(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig(configFile)
	store := session.NewStore(cfg.ControlDir)

	cols, rows := 80, 24
	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if w, h, err := term.GetSize(stdinFd); err == nil {
			cols, rows = w, h
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	info, err := store.AllocateSession(session.Config{
		Name:       fwdName,
		Command:    args,
		WorkingDir: cwd,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		return err
	}

	host, err := session.StartHost(store, info, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session %s (%s)\r\n", info.Name, info.ID[:8])

	if interactive {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer func() {
			if err := term.Restore(stdinFd, oldState); err != nil {
				log.Printf("[ERROR] failed to restore terminal: %v", err)
			}
		}()
	}

	// Mirror the stream file: the same bytes every remote viewer gets.
	streams := stream.NewService()
	defer streams.Close()

	cancel, err := streams.Subscribe(store.SessionPaths(info.ID).Stdout(), 0,
		func(line []byte, offset int64) error {
			event, err := protocol.ParseEventLine(line)
			if err != nil {
				return nil
			}
			if event.Type == "event" && event.Event.Type == protocol.EventOutput {
				if _, err := os.Stdout.WriteString(event.Event.Data); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	defer cancel()

	// Forward keystrokes to the child.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := host.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Mirror local terminal resizes into the session.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdinFd); err == nil {
				if rerr := host.Resize(w, h); rerr != nil {
					log.Printf("[WARN] fwd resize failed: %v", rerr)
				}
			}
		}
	}()

	<-host.Done()

	final, err := store.GetInfo(info.ID)
	if err == nil && final.ExitCode != nil && *final.ExitCode != 0 {
		os.Exit(*final.ExitCode)
	}
	return nil
}
