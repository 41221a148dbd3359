package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults applied when a field is unset.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where a service's stdout and stderr are captured.
// If StdoutPath/StderrPath are empty and Dir is set, files default to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation parameters
// follow lumberjack semantics: files are capped at MaxSizeMB and at most
// MaxBackups rotated files are retained, oldest discarded first.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout" mapstructure:"stdout"`
	StderrPath string `json:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Paths resolves the effective stdout/stderr file paths for a service name.
// Either may be empty when no capture is configured for that stream.
func (c Config) Paths(name string) (stdout, stderr string) {
	stdout = c.StdoutPath
	stderr = c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return stdout, stderr
}

// Writers returns append-only rotating writers for the service's stdout and
// stderr. A nil writer is returned for a stream with no configured path.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	stdout, stderr := c.Paths(name)
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.newWriter(stdout)
	}
	if stderr != "" {
		errW = c.newWriter(stderr)
	}
	return outW, errW
}

// Validate verifies that every configured log destination is openable for
// append. Unwritable paths are configuration errors and must be rejected
// before any process is spawned.
func (c Config) Validate(name string) error {
	stdout, stderr := c.Paths(name)
	for _, p := range []string{stdout, stderr} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return fmt.Errorf("log dir for %s: %w", name, err)
		}
		f, err := os.OpenFile(filepath.Clean(p), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("log path for %s: %w", name, err)
		}
		_ = f.Close()
	}
	return nil
}

func (c Config) newWriter(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Merge overlays per-service settings over top-level defaults.
func Merge(base, override Config) Config {
	out := base
	if override.Dir != "" {
		out.Dir = override.Dir
	}
	if override.StdoutPath != "" {
		out.StdoutPath = override.StdoutPath
	}
	if override.StderrPath != "" {
		out.StderrPath = override.StderrPath
	}
	if override.MaxSizeMB != 0 {
		out.MaxSizeMB = override.MaxSizeMB
	}
	if override.MaxBackups != 0 {
		out.MaxBackups = override.MaxBackups
	}
	if override.MaxAgeDays != 0 {
		out.MaxAgeDays = override.MaxAgeDays
	}
	if override.Compress {
		out.Compress = true
	}
	return out
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
