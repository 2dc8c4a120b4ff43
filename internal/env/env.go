// Package env composes the environment handed to the backend process.
package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env is an immutable layering of the supervisor's own environment and
// configured overrides. The zero value is usable and inherits os.Environ.
type Env struct {
	base      Var
	overrides Var
	isolated  bool
}

// New returns an Env that inherits the current process environment.
func New() Env { return Env{} }

// Isolated returns an Env that does not inherit os.Environ; only explicit
// variables reach the backend.
func Isolated() Env { return Env{isolated: true} }

// WithSet returns a copy of e with k=v applied on top.
func (e Env) WithSet(k, v string) Env {
	if k == "" {
		return e
	}
	out := e.clone()
	out.overrides[k] = v
	return out
}

// WithPairs applies "K=V" entries; malformed entries are skipped.
func (e Env) WithPairs(pairs []string) Env {
	out := e.clone()
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			out.overrides[k] = v
		}
	}
	return out
}

// WithMap applies every entry of m.
func (e Env) WithMap(m map[string]string) Env {
	out := e.clone()
	for k, v := range m {
		if k != "" {
			out.overrides[k] = v
		}
	}
	return out
}

func (e Env) clone() Env {
	out := Env{base: e.base, isolated: e.isolated, overrides: make(Var, len(e.overrides)+1)}
	for k, v := range e.overrides {
		out.overrides[k] = v
	}
	return out
}

// Lookup returns the effective value of k after merging.
func (e Env) Lookup(k string) (string, bool) {
	m := e.compose(nil)
	v, ok := m[k]
	return v, ok
}

// Merge returns the final "K=V" list: OS environment, then overrides, then
// extra, with ${VAR} references expanded against the composed map. The
// result is sorted so the backend sees a stable environment.
func (e Env) Merge(extra []string) []string {
	m := e.compose(extra)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e Env) compose(extra []string) Var {
	m := make(Var)
	if !e.isolated {
		base := e.base
		if base == nil {
			base = fromOS()
		}
		for k, v := range base {
			m[k] = v
		}
	}
	for k, v := range e.overrides {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	return base
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${VAR} with its value from m in a single pass.
// Unknown references are left untouched.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
