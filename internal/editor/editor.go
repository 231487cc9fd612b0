// Package editor implements the editor gateway (C4): it round-trips an
// HTTP message buffer through an external editor process. The buffer is
// written to a fresh private temp file and the file is closed before the
// editor is started — resolving spec.md §9 Open Question 3, which flags
// the original implementation's concurrent write/exec as a race.
package editor

import (
	"fmt"
	"os"
	"os/exec"
)

// Gateway invokes an external editor to let a human (or scripted
// collaborator) rewrite a message buffer before it is forwarded.
type Gateway struct {
	// Command is the editor binary, e.g. "nvim". Args are passed before
	// the temp file path, which Run appends as the final argument —
	// matching the editor contract in spec.md §6.
	Command string
	Args    []string
}

// New returns a Gateway that runs command with args, appending the temp
// file path as the final argument.
func New(command string, args []string) *Gateway {
	return &Gateway{Command: command, Args: args}
}

// Run writes in to a new temporary file, closes it, runs the configured
// editor synchronously against that path, and returns the file's contents
// after the editor exits. A non-zero editor exit is returned as an error;
// the caller treats that as fatal to the current message (retire the
// session), not to the process.
func (g *Gateway) Run(in []byte) ([]byte, error) {
	f, err := os.CreateTemp("", "socks5intercept-msg-*")
	if err != nil {
		return nil, fmt.Errorf("editor: create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(in); err != nil {
		f.Close()
		return nil, fmt.Errorf("editor: write temp file: %w", err)
	}
	// Close before exec: the editor subprocess owns the file from here,
	// no concurrent writer remains.
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("editor: close temp file: %w", err)
	}

	args := append(append([]string{}, g.Args...), path)
	cmd := exec.Command(g.Command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("editor: %s exited abnormally: %w", g.Command, err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("editor: read temp file back: %w", err)
	}
	return out, nil
}
