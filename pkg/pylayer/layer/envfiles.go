package layer

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
)

// envDirs maps the scope of a mutation to the directory its files live in
var envDirs = []struct {
	Scope env.Scope
	Dir   string
}{
	{env.ScopeAll, "env"},
	{env.ScopeBuild, "env.build"},
	{env.ScopeLaunch, "env.launch"},
}

// autoDirs are the layer sub-directories the platform adds to the environment on its own
var autoDirs = []struct {
	Dir  string
	Keys []string
}{
	{"bin", []string{"PATH"}},
	{"lib", []string{"LD_LIBRARY_PATH", "LIBRARY_PATH"}},
	{"include", []string{"CPATH"}},
	{filepath.Join("lib", "pkgconfig"), []string{"PKG_CONFIG_PATH"}},
}

func envDir(scope env.Scope) string {
	for _, d := range envDirs {
		if d.Scope == scope {
			return d.Dir
		}
	}
	return ""
}

func envDirIndex(scope env.Scope) int {
	for i, d := range envDirs {
		if d.Scope == scope {
			return i
		}
	}
	return -1
}

// checkStorable fails if mutations cannot be stored as env files such that ReadEnvironment
// yields the same fold. One file exists per (scope, key, behavior), and mutations of the same key
// are read back ordered by scope directory, then file name.
// Delimiters are exempt from ordering because they apply to the whole set.
func checkStorable(mutations env.Mutations) error {
	type slot struct {
		dir  int
		file string
	}
	var (
		seen = make(map[slot]struct{}, len(mutations))
		last = make(map[string]slot)
	)
	for _, m := range mutations {
		s := slot{dir: envDirIndex(m.Scope), file: m.Key + "." + string(m.Behavior)}
		if _, dup := seen[s]; dup {
			return xerrors.Errorf("duplicate %s mutation of %s in scope %s", m.Behavior, m.Key, m.Scope)
		}
		seen[s] = struct{}{}

		if m.Behavior == env.Delimiter {
			continue
		}
		if prev, ok := last[m.Key]; ok && (s.dir < prev.dir || (s.dir == prev.dir && s.file < prev.file)) {
			return xerrors.Errorf("%s (%s) cannot follow %s (%s): env files are read back in scope and file name order", s.file, m.Scope, prev.file, envDirs[prev.dir].Scope)
		}
		last[m.Key] = s
	}
	return nil
}

// WriteEnvironment replaces the layer's env files with the given mutations.
// Each mutation becomes <env dir>/<KEY>.<behavior> containing the value. Lists that
// would read back differently (see checkStorable) are rejected before anything is touched.
func (l *Layer) WriteEnvironment(mutations env.Mutations) error {
	for _, m := range mutations {
		if m.Key == "" || strings.ContainsAny(m.Key, `/\=`) {
			return xerrors.Errorf("layer %s: invalid environment variable name %q", l.Name, m.Key)
		}
		if envDir(m.Scope) == "" {
			return xerrors.Errorf("layer %s: unknown scope %q for %s", l.Name, m.Scope, m.Key)
		}
		if _, err := env.ParseBehavior(string(m.Behavior)); err != nil {
			return xerrors.Errorf("layer %s: %w", l.Name, err)
		}
	}
	if err := checkStorable(mutations); err != nil {
		return xerrors.Errorf("layer %s: %w", l.Name, err)
	}

	for _, d := range envDirs {
		err := os.RemoveAll(filepath.Join(l.Path, d.Dir))
		if err != nil {
			return xerrors.Errorf("cannot clear env of layer %s: %w", l.Name, err)
		}
	}

	for _, m := range mutations {
		dir := filepath.Join(l.Path, envDir(m.Scope))
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return xerrors.Errorf("cannot write env of layer %s: %w", l.Name, err)
		}
		err = os.WriteFile(filepath.Join(dir, m.Key+"."+string(m.Behavior)), []byte(m.Value), 0644)
		if err != nil {
			return xerrors.Errorf("cannot write env of layer %s: %w", l.Name, err)
		}
	}

	l.env = append(env.Mutations(nil), mutations...)
	return nil
}

// ReadEnvironment reads the layer environment as it is on disk. This includes the
// mutations the platform derives from well-known layer sub-directories (e.g. bin/ to PATH),
// followed by the layer's env files in scope and then file name order.
func (l *Layer) ReadEnvironment() (env.Mutations, error) {
	var res env.Mutations

	if scope, ok := l.Types.Scope(); ok {
		for _, d := range autoDirs {
			p := filepath.Join(l.Path, d.Dir)
			if stat, err := os.Stat(p); err != nil || !stat.IsDir() {
				continue
			}
			for _, k := range d.Keys {
				res = res.
					Add(scope, env.Prepend, k, p).
					Add(scope, env.Delimiter, k, string(os.PathListSeparator))
			}
		}
	}

	for _, d := range envDirs {
		dir := filepath.Join(l.Path, d.Dir)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			continue
		}
		names, err := godirwalk.ReadDirnames(dir, nil)
		if err != nil {
			return nil, xerrors.Errorf("cannot read env of layer %s: %w", l.Name, err)
		}
		sort.Strings(names)

		for _, fn := range names {
			key, behavior := fn, env.Override
			if idx := strings.LastIndex(fn, "."); idx > 0 {
				b, err := env.ParseBehavior(fn[idx+1:])
				if err != nil {
					return nil, xerrors.Errorf("layer %s: env file %s: %w", l.Name, fn, err)
				}
				key, behavior = fn[:idx], b
			}

			fc, err := os.ReadFile(filepath.Join(dir, fn))
			if err != nil {
				return nil, xerrors.Errorf("cannot read env of layer %s: %w", l.Name, err)
			}
			res = res.Add(d.Scope, behavior, key, string(fc))
		}
	}

	l.env = res
	return res, nil
}
