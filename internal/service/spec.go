package service

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ovren/stagehand/internal/logsink"
)

// DepFailurePolicy controls what happens to a pending service when one of its
// dependencies reaches the fatal state.
type DepFailurePolicy string

const (
	// DepFailFast marks the pending dependent fatal without spawning it.
	DepFailFast DepFailurePolicy = "fail-fast"
	// DepHold leaves the dependent pending until shutdown.
	DepHold DepFailurePolicy = "hold"
)

// Spec describes one supervised service. Specs are loaded once at startup and
// are immutable afterwards.
type Spec struct {
	Name         string        `json:"name" mapstructure:"name"`
	Command      string        `json:"command" mapstructure:"command"`
	Directory    string        `json:"directory" mapstructure:"directory"`
	Env          []string      `json:"env" mapstructure:"env"`
	DependsOn    []string      `json:"depends_on" mapstructure:"depends_on"`
	AutoStart    *bool         `json:"autostart" mapstructure:"autostart"`   // default true
	AutoRestart  bool          `json:"autorestart" mapstructure:"autorestart"`
	Priority     int           `json:"priority" mapstructure:"priority"`     // lower starts first among ready services
	StartSecs    time.Duration `json:"startsecs" mapstructure:"startsecs"`   // minimum uptime to count as stable
	StartRetries int           `json:"startretries" mapstructure:"startretries"` // max consecutive failed starts
	// RestartInterval is the backoff delay before a retry; zero means
	// immediate retry.
	RestartInterval time.Duration `json:"restart_interval" mapstructure:"restart_interval"`
	// OnDependencyFailure defaults to fail-fast.
	OnDependencyFailure DepFailurePolicy `json:"on_dependency_failure" mapstructure:"on_dependency_failure"`
	Log                 logsink.Config   `json:"log" mapstructure:"log"`
}

// Autostart resolves the autostart default (true when unset).
func (s *Spec) Autostart() bool { return s.AutoStart == nil || *s.AutoStart }

// FailurePolicy resolves the dependency failure policy default.
func (s *Spec) FailurePolicy() DepFailurePolicy {
	if s.OnDependencyFailure == DepHold {
		return DepHold
	}
	return DepFailFast
}

// Validate rejects malformed definitions at load time.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("service requires a name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %s requires a command", s.Name)
	}
	if s.StartSecs < 0 {
		return fmt.Errorf("service %s: startsecs must not be negative", s.Name)
	}
	if s.StartRetries < 0 {
		return fmt.Errorf("service %s: startretries must not be negative", s.Name)
	}
	switch s.OnDependencyFailure {
	case "", DepFailFast, DepHold:
	default:
		return fmt.Errorf("service %s: unknown on_dependency_failure %q", s.Name, s.OnDependencyFailure)
	}
	for _, d := range s.DependsOn {
		if d == s.Name {
			return fmt.Errorf("service %s depends on itself", s.Name)
		}
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec's command string. It
// avoids invoking a shell when none is needed, and it respects an explicit
// shell invocation already present in the command (e.g. "sh -c 'echo hi'")
// instead of wrapping it in a second shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := explicitShellArg(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShellArg detects "sh -c <ARG>" style prefixes and returns the
// argument with one outer quote pair stripped so redirections inside the
// script still parse.
func explicitShellArg(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
