// Package env models the environment variable mutations layers contribute and
// folds them onto a base environment.
//
// A mutation is tagged with a scope (build, launch or all) and a behaviour
// (override, default, prepend, append, delim). Resolving a set of mutations for
// one view (build or launch) only ever considers mutations tagged for that view
// or for all.
package env

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Scope denotes when a mutation is visible
type Scope string

const (
	// ScopeBuild mutations are only visible while running build-time commands
	ScopeBuild Scope = "build"
	// ScopeLaunch mutations are only visible to the launched process
	ScopeLaunch Scope = "launch"
	// ScopeAll mutations are visible in both views
	ScopeAll Scope = "all"
)

// Behavior is the merge rule applied when folding a mutation onto an existing value
type Behavior string

const (
	// Override replaces the value unconditionally
	Override Behavior = "override"
	// Default sets the value only if the key is not set yet
	Default Behavior = "default"
	// Prepend puts the value in front of the existing one, joined by the key's delimiter
	Prepend Behavior = "prepend"
	// Append puts the value after the existing one, joined by the key's delimiter
	Append Behavior = "append"
	// Delimiter sets the join string used by Prepend/Append for the same key.
	// It never produces a value itself.
	Delimiter Behavior = "delim"
)

var behaviors = []Behavior{Override, Default, Prepend, Append, Delimiter}

// ParseBehavior parses a behaviour name as used in layer env file suffixes
func ParseBehavior(s string) (Behavior, error) {
	for _, b := range behaviors {
		if string(b) == s {
			return b, nil
		}
	}
	return "", xerrors.Errorf("unknown modification behavior %q", s)
}

// Mutation is a single environment change contributed by a layer
type Mutation struct {
	Scope    Scope    `json:"scope" yaml:"scope"`
	Key      string   `json:"key" yaml:"key"`
	Behavior Behavior `json:"behavior" yaml:"behavior"`
	Value    string   `json:"value" yaml:"value"`
}

// String renders the mutation in KEY.behavior=value (scope) form
func (m Mutation) String() string {
	return fmt.Sprintf("%s.%s=%s (%s)", m.Key, m.Behavior, m.Value, m.Scope)
}

// VisibleIn returns true if this mutation takes part in resolving the given view
func (m Mutation) VisibleIn(view Scope) bool {
	return m.Scope == ScopeAll || m.Scope == view
}

// Mutations is an ordered list of mutations. Order is significant: for the same key,
// mutations are applied in declaration order.
type Mutations []Mutation

// Add appends a mutation and returns the extended list, so calls can be chained:
//
//	env.Mutations{}.
//		Add(env.ScopeAll, env.Prepend, "PATH", "/layer/bin").
//		Add(env.ScopeAll, env.Delimiter, "PATH", ":")
func (ms Mutations) Add(scope Scope, behavior Behavior, key, value string) Mutations {
	return append(ms, Mutation{Scope: scope, Key: key, Behavior: behavior, Value: value})
}

// Filter returns the mutations visible in the given view
func (ms Mutations) Filter(view Scope) Mutations {
	var res Mutations
	for _, m := range ms {
		if m.VisibleIn(view) {
			res = append(res, m)
		}
	}
	return res
}

// Environment is a resolved set of environment variables
type Environment map[string]string

// FromEnviron converts KEY=VALUE pairs (as returned by os.Environ) into an Environment.
// Entries without a separator are ignored.
func FromEnviron(entries []string) Environment {
	res := make(Environment, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		res[k] = v
	}
	return res
}

// Clone returns a copy of the environment. Cloning a nil environment yields an empty one.
func (e Environment) Clone() Environment {
	res := make(Environment, len(e))
	for k, v := range e {
		res[k] = v
	}
	return res
}

// Environ renders the environment as sorted KEY=VALUE pairs.
// The result is never nil, so it can be handed to exec.Cmd.Env without the child
// inheriting the parent environment.
func (e Environment) Environ() []string {
	res := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		res = append(res, k+"="+e[k])
	}
	return res
}

// Keys returns the sorted variable names
func (e Environment) Keys() []string {
	res := make([]string, 0, len(e))
	for k := range e {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Apply folds the mutations visible in view onto a copy of base and returns the result.
//
// Delimiters are collected from the whole mutation set before folding, so a delimiter
// applies to every Prepend/Append of its key within the same set regardless of where
// it was declared. Prepend/Append behave like Override when the key is unset. A key that is
// set to the empty string is joined like any other value.
func Apply(view Scope, base Environment, mutations Mutations) Environment {
	res := base.Clone()

	delims := make(map[string]string)
	for _, m := range mutations {
		if m.Behavior == Delimiter && m.VisibleIn(view) {
			delims[m.Key] = m.Value
		}
	}

	for _, m := range mutations {
		if !m.VisibleIn(view) {
			continue
		}

		switch m.Behavior {
		case Override:
			res[m.Key] = m.Value
		case Default:
			if _, exists := res[m.Key]; !exists {
				res[m.Key] = m.Value
			}
		case Prepend:
			if cur, ok := res[m.Key]; ok {
				res[m.Key] = m.Value + delims[m.Key] + cur
			} else {
				res[m.Key] = m.Value
			}
		case Append:
			if cur, ok := res[m.Key]; ok {
				res[m.Key] = cur + delims[m.Key] + m.Value
			} else {
				res[m.Key] = m.Value
			}
		case Delimiter:
			// collected above
		}
	}

	return res
}

// ApplyAll folds several mutation sets onto base, one after the other.
// Each set keeps its own delimiters, mirroring how layers are applied one at a time.
func ApplyAll(view Scope, base Environment, sets ...Mutations) Environment {
	res := base.Clone()
	for _, ms := range sets {
		res = Apply(view, res, ms)
	}
	return res
}
