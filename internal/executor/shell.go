package executor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// allowedCommands is the allowlist for shell-backed steps.
var allowedCommands = map[string]bool{
	"go": true, "make": true, "cmake": true,
	"npm": true, "yarn": true, "pip": true, "pip3": true,
	"git": true,
	"ls":  true, "cat": true, "grep": true, "find": true, "echo": true,
	"pwd": true, "date": true, "wc": true, "head": true, "tail": true,
	"diff": true, "tree": true,
	"docker": true,
	"node":   true, "python": true, "python3": true,
}

// validateCommand checks the allowlist and reports whether the command needs
// shell interpretation (pipes, redirects, substitution).
func validateCommand(command string) ([]string, bool, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, false, fmt.Errorf("empty command")
	}

	requiresShell := false
	for _, meta := range []string{"|", "&&", "||", ";", ">", "<", "&", "`", "$(", "\"", "'", "\\"} {
		if strings.Contains(command, meta) {
			requiresShell = true
			break
		}
	}

	parts := strings.Fields(trimmed)
	binary := filepath.Base(parts[0])
	if !allowedCommands[binary] {
		return nil, false, fmt.Errorf("command not allowed: %s", binary)
	}

	if requiresShell {
		return []string{command}, true, nil
	}
	return parts, false, nil
}

// ShellStep builds a workflow step that runs one allowlisted shell command.
// The step records exit code and output into workflow state, so a resumed
// workflow can read what earlier commands produced. A non-zero exit fails
// the step.
func ShellStep(name, command, workingDir string, timeout time.Duration) Step {
	return Step{
		Name: name,
		Run: func(ctx context.Context, state map[string]string) (map[string]string, error) {
			parts, requiresShell, err := validateCommand(command)
			if err != nil {
				return nil, fmt.Errorf("command validation failed: %w", err)
			}

			if timeout <= 0 {
				timeout = 5 * time.Minute
			}
			cmdCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var cmd *exec.Cmd
			if requiresShell {
				cmd = exec.CommandContext(cmdCtx, "/bin/sh", "-c", parts[0])
			} else {
				cmd = exec.CommandContext(cmdCtx, parts[0], parts[1:]...)
			}
			if workingDir != "" {
				cmd.Dir = workingDir
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			log.Printf("[Executor] Running step %s: %s", name, command)
			started := time.Now()
			runErr := cmd.Run()

			exitCode := 0
			if runErr != nil {
				exitCode = -1
				if exitErr, ok := runErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				}
			}
			log.Printf("[Executor] Step %s finished: exit_code=%d duration=%dms",
				name, exitCode, time.Since(started).Milliseconds())

			updates := map[string]string{
				name + ".exit_code": strconv.Itoa(exitCode),
				name + ".stdout":    stdout.String(),
				name + ".stderr":    stderr.String(),
			}
			if runErr != nil {
				return nil, fmt.Errorf("command %q failed with exit code %d: %w", command, exitCode, runErr)
			}
			return updates, nil
		},
	}
}
