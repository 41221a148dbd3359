package env

import (
	"os"
	"strings"
)

// Env composes environments for supervised services: the OS environment as
// base, global overrides from the config, then per-service entries last.
type Env struct {
	global map[string]string
	base   map[string]string // cached OS environment
}

func New() *Env { return &Env{global: make(map[string]string)} }

// SetGlobal applies "KEY=VALUE" entries as global overrides.
func (e *Env) SetGlobal(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := splitKV(kv); ok {
			e.global[k] = v
		}
	}
}

// Merge returns the final environment slice for a service, with ${VAR}
// expansion performed against the composed map (single pass, no recursion).
func (e *Env) Merge(perService []string) []string {
	m := e.composed()
	for _, kv := range perService {
		if k, v, ok := splitKV(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+Expand(v, m))
	}
	return out
}

// Lookup resolves a single variable through the composed environment. Used to
// pull external dependency endpoints (e.g. POSTGRES_HOST) from the
// environment at load time.
func (e *Env) Lookup(key string) (string, bool) {
	v, ok := e.composed()[key]
	return v, ok
}

// Expand substitutes ${VAR} occurrences in s from m.
func Expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

func (e *Env) composed() map[string]string {
	if e.base == nil {
		e.base = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := splitKV(kv); ok {
				e.base[k] = v
			}
		}
	}
	m := make(map[string]string, len(e.base)+len(e.global))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	return m
}

func splitKV(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
