// Package promptsynth constructs `[user@host dir]$ ` prompts and
// assembles the echo-plus-result fragment that is the sole representation
// a browser viewer sees of a completed command turn. The remote shell
// never emits a prompt because every command runs as a discrete exec.
package promptsynth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sshcoterm/coterm/internal/sshexec"
)

// InvalidatesDir reports whether the just-completed command may have
// changed the working directory: cd (bare or with arguments), pushd, popd,
// and compound commands embedding cd; or cd&&.
func InvalidatesDir(command string) bool {
	trimmed := strings.TrimSpace(command)
	if trimmed == "cd" || strings.HasPrefix(trimmed, "cd ") {
		return true
	}
	if trimmed == "pushd" || strings.HasPrefix(trimmed, "pushd ") {
		return true
	}
	if trimmed == "popd" || strings.HasPrefix(trimmed, "popd ") {
		return true
	}
	if strings.Contains(trimmed, "cd;") || strings.Contains(trimmed, "cd&&") {
		return true
	}
	return false
}

// DisplayDir rewrites an absolute path for prompt display: paths under
// /home/{username} become ~-relative, "/" stays "/", anything else is
// unchanged.
func DisplayDir(username, dir string) string {
	if dir == "/" {
		return "/"
	}
	home := "/home/" + username
	if dir == home {
		return "~"
	}
	if strings.HasPrefix(dir, home+"/") {
		return "~" + strings.TrimPrefix(dir, home)
	}
	return dir
}

// Prompt formats the literal prompt string. Callers must ensure username
// contains no "@" and host contains no whitespace.
func Prompt(username, host, displayDir string) string {
	return fmt.Sprintf("[%s@%s %s]$ ", username, host, displayDir)
}

// RefreshDir performs a silent `pwd` over conn to refresh the cached
// directory, falling back to "~" on any error.
func RefreshDir(ctx context.Context, conn sshexec.SSHConnection) string {
	stdout, _, exitCode, err := sshexec.BufferedExec(ctx, conn, "pwd")
	if err != nil || exitCode != 0 {
		return "~"
	}
	dir := strings.TrimSpace(stdout)
	if dir == "" {
		return "~"
	}
	return dir
}

// NormalizeCRLF converts any "\n" not preceded by "\r" into "\r\n". The
// browser surface applies it to every outgoing data payload so viewers only
// ever see CRLF line endings; it is idempotent on already-normalized text.
func NormalizeCRLF(output string) string {
	var b strings.Builder
	b.Grow(len(output))
	for i := 0; i < len(output); i++ {
		c := output[i]
		if c == '\n' && (i == 0 || output[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Echo assembles the single raw transcript representation of a completed
// command turn: `{prompt}{command}\r\n{normalized_output}`.
func Echo(prompt, command, output string) string {
	return prompt + command + "\r\n" + NormalizeCRLF(output)
}
