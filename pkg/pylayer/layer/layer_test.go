package layer_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
)

type runtimeMetadata struct {
	Arch          string `toml:"arch" label:"CPU architecture"`
	Distro        string `toml:"distro" label:"OS"`
	PythonVersion string `toml:"python_version" label:"Python version"`
}

type toolMetadata struct {
	ToolVersion string `toml:"tool_version"`
}

func TestDecide(t *testing.T) {
	base := runtimeMetadata{Arch: "amd64", Distro: "ubuntu-22.04", PythonVersion: "3.11.0"}

	tests := []struct {
		Name     string
		Previous interface{}
		Current  interface{}
		Expected layer.Decision
	}{
		{
			Name:     "equal",
			Previous: base,
			Current:  base,
			Expected: layer.Decision{Keep: true},
		},
		{
			Name:     "single field",
			Previous: base,
			Current:  runtimeMetadata{Arch: "amd64", Distro: "ubuntu-22.04", PythonVersion: "3.11.1"},
			Expected: layer.Decision{Reasons: []string{"The Python version has changed from 3.11.0 to 3.11.1"}},
		},
		{
			Name:     "all fields",
			Previous: base,
			Current:  runtimeMetadata{Arch: "arm64", Distro: "debian-12", PythonVersion: "3.11.1"},
			Expected: layer.Decision{Reasons: []string{
				"The CPU architecture has changed from amd64 to arm64",
				"The OS has changed from ubuntu-22.04 to debian-12",
				"The Python version has changed from 3.11.0 to 3.11.1",
			}},
		},
		{
			Name:     "label falls back to toml key",
			Previous: toolMetadata{ToolVersion: "1.0"},
			Current:  toolMetadata{ToolVersion: "2.0"},
			Expected: layer.Decision{Reasons: []string{"The tool_version has changed from 1.0 to 2.0"}},
		},
		{
			Name:     "pointer and value compare alike",
			Previous: &base,
			Current:  base,
			Expected: layer.Decision{Keep: true},
		},
		{
			Name:     "different metadata types",
			Previous: base,
			Current:  toolMetadata{ToolVersion: "1.0"},
			Expected: layer.Decision{Reasons: []string{"The layer metadata format has changed"}},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			act := layer.Decide(test.Previous, test.Current)
			if diff := cmp.Diff(test.Expected, act); diff != "" {
				t.Errorf("Decide() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecideReasonCountMatchesDifferingFields(t *testing.T) {
	old := runtimeMetadata{Arch: "amd64", Distro: "ubuntu-22.04", PythonVersion: "3.11.0"}
	for mask := 0; mask < 8; mask++ {
		cur := old
		expected := 0
		if mask&1 != 0 {
			cur.Arch = "arm64"
			expected++
		}
		if mask&2 != 0 {
			cur.Distro = "ubuntu-24.04"
			expected++
		}
		if mask&4 != 0 {
			cur.PythonVersion = "3.12.0"
			expected++
		}

		t.Run(fmt.Sprintf("mask_%03b", mask), func(t *testing.T) {
			act := layer.Decide(old, cur)
			require.Equal(t, expected == 0, act.Keep)
			require.Len(t, act.Reasons, expected)
		})
	}
}

func TestOpenCachedLifecycle(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	meta := runtimeMetadata{Arch: "amd64", Distro: "ubuntu-24.04", PythonVersion: "3.13.1"}
	types := layer.Types{Build: true, Launch: true}

	l, err := layer.OpenCached(store, "python", types, meta)
	require.NoError(t, err)
	require.Equal(t, layer.StateEmpty, l.State)
	require.Equal(t, layer.CauseNewlyCreated, l.Cause)
	require.True(t, l.Types.Cache)
	require.DirExists(t, l.Path)

	require.NoError(t, os.WriteFile(filepath.Join(l.Path, "marker"), []byte("installed"), 0644))
	require.NoError(t, l.WriteMetadata(meta))

	l, err = layer.OpenCached(store, "python", types, meta)
	require.NoError(t, err)
	require.True(t, l.Restored())
	require.Empty(t, l.Cause)
	require.Equal(t, meta, l.Previous)
	require.FileExists(t, filepath.Join(l.Path, "marker"))

	changed := meta
	changed.PythonVersion = "3.13.2"
	l, err = layer.OpenCached(store, "python", types, changed)
	require.NoError(t, err)
	require.Equal(t, layer.StateEmpty, l.State)
	require.Equal(t, layer.CauseRestoredButInvalidated, l.Cause)
	require.Equal(t, []string{"The Python version has changed from 3.13.1 to 3.13.2"}, l.Reasons)
	require.NoFileExists(t, filepath.Join(l.Path, "marker"))
	require.NoFileExists(t, l.MetadataPath())
}

func TestOpenCachedWithoutMetadataAfterInterruptedInstall(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	meta := toolMetadata{ToolVersion: "25.0"}
	l, err := layer.OpenCached(store, "pip", layer.Types{Build: true}, meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(l.Path, "partial"), nil, 0644))

	// the install failed, metadata was never written
	l, err = layer.OpenCached(store, "pip", layer.Types{Build: true}, meta)
	require.NoError(t, err)
	require.Equal(t, layer.CauseNewlyCreated, l.Cause)
	require.NoFileExists(t, filepath.Join(l.Path, "partial"))
}

func TestOpenCachedInvalidMetadata(t *testing.T) {
	tests := []struct {
		Name     string
		Document string
	}{
		{Name: "unknown field", Document: "[types]\ncache = true\n\n[metadata]\ntool_version = \"1.0\"\nextra = \"x\"\n"},
		{Name: "missing field", Document: "[types]\ncache = true\n\n[metadata]\n"},
		{Name: "wrong type", Document: "[types]\ncache = true\n\n[metadata]\ntool_version = 1\n"},
		{Name: "unknown table", Document: "[types]\ncache = true\n\n[metadata]\ntool_version = \"1.0\"\n\n[other]\nx = 1\n"},
		{Name: "syntax error", Document: "[types\ncache = true"},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(dir, "tool", "bin"), 0755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "tool.toml"), []byte(test.Document), 0644))

			store, err := layer.NewStore(dir)
			require.NoError(t, err)

			l, err := layer.OpenCached(store, "tool", layer.Types{Build: true}, toolMetadata{ToolVersion: "1.0"})
			require.NoError(t, err)
			require.Equal(t, layer.StateEmpty, l.State)
			require.Equal(t, layer.CauseInvalidMetadata, l.Cause)
			require.Len(t, l.Reasons, 1)
			require.NoDirExists(t, filepath.Join(l.Path, "bin"))
		})
	}
}

func TestOpenUncached(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.OpenUncached("venv", layer.Types{Build: true, Cache: true})
	require.Error(t, err)

	l, err := store.OpenUncached("venv", layer.Types{Build: true, Launch: true})
	require.NoError(t, err)
	require.Equal(t, layer.StateEmpty, l.State)
	require.Equal(t, layer.CauseNewlyCreated, l.Cause)
	require.Error(t, l.WriteMetadata(toolMetadata{ToolVersion: "1"}))
	require.NoError(t, l.WriteMetadata(nil))
	require.NoError(t, os.WriteFile(filepath.Join(l.Path, "file"), nil, 0644))

	l, err = store.OpenUncached("venv", layer.Types{Build: true, Launch: true})
	require.NoError(t, err)
	require.Equal(t, layer.CauseNewlyCreated, l.Cause)
	require.NoFileExists(t, filepath.Join(l.Path, "file"))
	require.NoFileExists(t, l.MetadataPath())
	require.NoError(t, l.WriteMetadata(nil))

	nfo, err := store.Inspect("venv")
	require.NoError(t, err)
	require.Equal(t, layer.Types{Build: true, Launch: true}, nfo.Types)
	require.Empty(t, nfo.Metadata)
}

func TestInvalidLayerNames(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	for _, n := range []string{"", "..", "a/b", "python.toml"} {
		_, err := store.OpenUncached(n, layer.Types{})
		assert.Error(t, err, "name %q", n)
	}
}

func TestEnvironmentRoundTrip(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	l, err := store.OpenUncached("venv", layer.Types{Build: true, Launch: true})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(l.Path, "bin"), 0755))

	written := env.Mutations{}.
		Add(env.ScopeAll, env.Override, "VIRTUAL_ENV", l.Path).
		Add(env.ScopeBuild, env.Default, "PIP_NO_INPUT", "1").
		Add(env.ScopeLaunch, env.Append, "PYTHONWARNINGS", "ignore")
	require.NoError(t, l.WriteEnvironment(written))
	require.Equal(t, written, l.Env())
	require.FileExists(t, filepath.Join(l.Path, "env", "VIRTUAL_ENV.override"))
	require.FileExists(t, filepath.Join(l.Path, "env.build", "PIP_NO_INPUT.default"))
	require.FileExists(t, filepath.Join(l.Path, "env.launch", "PYTHONWARNINGS.append"))

	read, err := l.ReadEnvironment()
	require.NoError(t, err)

	bin := filepath.Join(l.Path, "bin")
	expected := env.Mutations{}.
		Add(env.ScopeAll, env.Prepend, "PATH", bin).
		Add(env.ScopeAll, env.Delimiter, "PATH", ":").
		Add(env.ScopeAll, env.Override, "VIRTUAL_ENV", l.Path).
		Add(env.ScopeBuild, env.Default, "PIP_NO_INPUT", "1").
		Add(env.ScopeLaunch, env.Append, "PYTHONWARNINGS", "ignore")
	if diff := cmp.Diff(expected, read); diff != "" {
		t.Errorf("ReadEnvironment() mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteEnvironmentRejectsListsThatReadBackDifferently(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		Name      string
		Mutations env.Mutations
		Error     bool
	}{
		{
			Name: "prepend before override and duplicate append",
			Mutations: env.Mutations{}.
				Add(env.ScopeAll, env.Prepend, "X", "zero").
				Add(env.ScopeAll, env.Override, "X", "one").
				Add(env.ScopeAll, env.Append, "FLAGS", "-a").
				Add(env.ScopeAll, env.Append, "FLAGS", "-b"),
			Error: true,
		},
		{
			Name: "duplicate append",
			Mutations: env.Mutations{}.
				Add(env.ScopeAll, env.Append, "FLAGS", "-a").
				Add(env.ScopeAll, env.Append, "FLAGS", "-b"),
			Error: true,
		},
		{
			Name: "build scope before all scope",
			Mutations: env.Mutations{}.
				Add(env.ScopeBuild, env.Override, "X", "build").
				Add(env.ScopeAll, env.Default, "X", "all"),
			Error: true,
		},
		{
			Name: "override then prepend",
			Mutations: env.Mutations{}.
				Add(env.ScopeAll, env.Override, "X", "one").
				Add(env.ScopeAll, env.Prepend, "X", "zero").
				Add(env.ScopeAll, env.Delimiter, "X", ":"),
		},
		{
			Name: "keys interleaved across scopes",
			Mutations: env.Mutations{}.
				Add(env.ScopeAll, env.Default, "LANG", "C.UTF-8").
				Add(env.ScopeBuild, env.Override, "SOURCE_DATE_EPOCH", "315532801").
				Add(env.ScopeAll, env.Override, "PIP_DISABLE_PIP_VERSION_CHECK", "1"),
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			l, err := store.OpenUncached("app", layer.Types{Build: true})
			require.NoError(t, err)
			require.NoError(t, l.WriteEnvironment(env.Mutations{}.Add(env.ScopeAll, env.Override, "KEPT", "1")))

			err = l.WriteEnvironment(test.Mutations)
			if test.Error {
				require.Error(t, err)
				require.FileExists(t, filepath.Join(l.Path, "env", "KEPT.override"), "a rejected list must leave the env files alone")
				return
			}
			require.NoError(t, err)

			read, err := l.ReadEnvironment()
			require.NoError(t, err)
			base := env.Environment{"X": "base"}
			if diff := cmp.Diff(env.Apply(env.ScopeBuild, base, test.Mutations), env.Apply(env.ScopeBuild, base, read)); diff != "" {
				t.Errorf("environment read back differs from the one written (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadEnvironmentAutoDirsFollowTypes(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	l, err := layer.OpenCached(store, "poetry", layer.Types{Build: true}, toolMetadata{ToolVersion: "2.1.1"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(l.Path, "bin"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(l.Path, "lib", "pkgconfig"), 0755))

	read, err := l.ReadEnvironment()
	require.NoError(t, err)

	keys := make([]string, 0, len(read))
	for _, m := range read {
		require.Equal(t, env.ScopeBuild, m.Scope)
		if m.Behavior == env.Prepend {
			keys = append(keys, m.Key)
		}
	}
	require.Equal(t, []string{"PATH", "LD_LIBRARY_PATH", "LIBRARY_PATH", "PKG_CONFIG_PATH"}, keys)

	cache, err := store.OpenUncached("cache-only", layer.Types{})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(cache.Path, "bin"), 0755))
	read, err = cache.ReadEnvironment()
	require.NoError(t, err)
	require.Empty(t, read)
}

func TestStoreEnvironmentAppliesLayersAlphabetically(t *testing.T) {
	store, err := layer.NewStore(t.TempDir())
	require.NoError(t, err)

	for _, n := range []string{"zeta", "alpha"} {
		l, err := store.OpenUncached(n, layer.Types{Build: true, Launch: true})
		require.NoError(t, err)
		require.NoError(t, l.WriteMetadata(nil))
		require.NoError(t, l.WriteEnvironment(env.Mutations{}.
			Add(env.ScopeAll, env.Prepend, "ORDER", n).
			Add(env.ScopeAll, env.Delimiter, "ORDER", ",")))
	}

	names, err := store.Layers()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, names)

	res, err := store.Environment(env.ScopeLaunch, env.Environment{"ORDER": "base"})
	require.NoError(t, err)
	require.Equal(t, "zeta,alpha,base", res["ORDER"])
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	store, err := layer.NewStore(dir)
	require.NoError(t, err)

	for _, n := range []string{"pip", "poetry", "python", "venv"} {
		l, err := store.OpenUncached(n, layer.Types{Build: true})
		require.NoError(t, err)
		require.NoError(t, l.WriteMetadata(nil))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uv-cache.toml"), []byte("[types]\ncache = true\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "launch.toml"), nil, 0644))

	removed, err := store.Prune([]string{"pip", "python", "venv"})
	require.NoError(t, err)
	require.Equal(t, []string{"poetry", "uv-cache"}, removed)

	require.NoDirExists(t, filepath.Join(dir, "poetry"))
	require.NoFileExists(t, filepath.Join(dir, "poetry.toml"))
	require.NoFileExists(t, filepath.Join(dir, "uv-cache.toml"))
	require.FileExists(t, filepath.Join(dir, "launch.toml"))
	require.FileExists(t, filepath.Join(dir, "pip.toml"))

	names, err := store.Layers()
	require.NoError(t, err)
	require.Equal(t, []string{"pip", "python", "venv"}, names)
}

func TestFingerprint(t *testing.T) {
	a, err := layer.Fingerprint(toolMetadata{ToolVersion: "1.0"})
	require.NoError(t, err)
	b, err := layer.Fingerprint(toolMetadata{ToolVersion: "1.0"})
	require.NoError(t, err)
	c, err := layer.Fingerprint(toolMetadata{ToolVersion: "1.1"})
	require.NoError(t, err)

	require.Len(t, a, 16)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
