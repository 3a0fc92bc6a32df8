// vt is a thin wrapper that locates the vibetunnel binary and forwards
// its arguments, so `vt fwd ...` and `vt --list-sessions` work from any
// shell without knowing where the server binary lives.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

func main() {
	binary := findVibetunnel()
	if binary == "" {
		fmt.Fprintln(os.Stderr, "vt: vibetunnel binary not found")
		os.Exit(1)
	}

	cmd := exec.Command(binary, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				os.Exit(status.ExitStatus())
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "vt: %v\n", err)
		os.Exit(1)
	}
}

// findVibetunnel checks next to this executable first, then PATH.
func findVibetunnel() string {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "vibetunnel")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling
		}
	}
	if path, err := exec.LookPath("vibetunnel"); err == nil {
		return path
	}
	return ""
}
