// Package config resolves backend options from an option map with alias
// keys, optionally falling back to environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Options is a case-insensitive view of a backend option map.
type Options struct {
	m        map[string]string
	getenv   func(string) string
	prefixes []string
}

// New returns Options over m. Keys are matched case-insensitively.
// The environment is not consulted until WithEnv is called.
func New(m map[string]string) Options {
	lower := make(map[string]string, len(m))
	for k, v := range m {
		lower[strings.ToLower(k)] = v
	}
	return Options{m: lower}
}

// FromEnv returns Options that read the process environment for aliases
// starting with one of prefixes.
func FromEnv(m map[string]string, prefixes ...string) Options {
	return New(m).WithEnv(os.Getenv, prefixes...)
}

// WithEnv returns a copy of o that reads environment variables through
// getenv. Only aliases starting with one of prefixes are looked up in the
// environment; with no prefixes every alias is.
func (o Options) WithEnv(getenv func(string) string, prefixes ...string) Options {
	o.getenv = getenv
	o.prefixes = prefixes
	return o
}

// Lookup returns the value of the first alias present in the map, or
// failing that the first alias set in the environment, upper-cased.
// An empty map value counts as present.
func (o Options) Lookup(aliases ...string) (string, bool) {
	for _, a := range aliases {
		if v, ok := o.m[strings.ToLower(a)]; ok {
			return v, true
		}
	}
	if o.getenv == nil {
		return "", false
	}
	for _, a := range aliases {
		if !o.envAlias(a) {
			continue
		}
		if v := o.getenv(strings.ToUpper(a)); v != "" {
			return v, true
		}
	}
	return "", false
}

func (o Options) envAlias(alias string) bool {
	if len(o.prefixes) == 0 {
		return true
	}
	alias = strings.ToLower(alias)
	for _, prefix := range o.prefixes {
		if strings.HasPrefix(alias, prefix) {
			return true
		}
	}
	return false
}

// String returns the resolved value or "".
func (o Options) String(aliases ...string) string {
	v, _ := o.Lookup(aliases...)
	return v
}

// Bool returns whether the resolved value is truthy.
func (o Options) Bool(aliases ...string) (bool, bool) {
	v, ok := o.Lookup(aliases...)
	if !ok {
		return false, false
	}
	return Truthy(v), true
}

// Int returns the resolved value parsed as an integer.
func (o Options) Int(aliases ...string) (int, bool) {
	v, ok := o.Lookup(aliases...)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Duration returns the resolved value parsed with time.ParseDuration,
// or as whole seconds if it has no unit.
func (o Options) Duration(aliases ...string) (time.Duration, bool) {
	v, ok := o.Lookup(aliases...)
	if !ok {
		return 0, false
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Truthy reports whether s is one of 1, true, on, yes, y (any case).
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes", "y":
		return true
	}
	return false
}
