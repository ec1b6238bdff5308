// Package cmdutils provides utility functions for running commands.
package cmdutils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Run executes the command specified by cmd with arguments args using the provided context.
// Returns stdout and stderr output and error code.
func Run(ctx context.Context, cmd string, args ...string) (stdout, stderr *bytes.Buffer, err error) {
	return RunInDir(ctx, "", nil, cmd, args...)
}

// RunInDir executes the command from dir with env appended to the inherited environment.
// Entries in env override inherited variables of the same name.
// An empty dir runs the command from the current working directory.
func RunInDir(ctx context.Context, dir string, env []string, cmd string, args ...string) (stdout, stderr *bytes.Buffer, err error) {
	stdout = &bytes.Buffer{}
	stderr = &bytes.Buffer{}
	if cmd == "" {
		return stdout, stderr, fmt.Errorf("no command provided")
	}

	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = dir
	c.Stdout = stdout
	c.Stderr = stderr
	// Later duplicates win: LANG=C overrides the inherited locale, the
	// caller's env overrides both.
	c.Env = append(os.Environ(), "LANG=C")
	c.Env = append(c.Env, env...)
	err = c.Run()

	return stdout, stderr, err
}

// RunWithTimeout calls Run but a timeout is added to the provided context.
func RunWithTimeout(ctx context.Context, timeout time.Duration, cmd string, args ...string) (stdout, stderr *bytes.Buffer, err error) {
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return Run(c, cmd, args...)
}
