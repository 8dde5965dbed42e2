package pylayer

import (
	"context"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/gitpod-io/pylayer/pkg/pylayer/config"
	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pyversion"
	"github.com/gitpod-io/pylayer/pkg/pylayer/runner"
	"github.com/gitpod-io/pylayer/pkg/pylayer/target"
	"github.com/gitpod-io/pylayer/pkg/pylayer/telemetry"
)

const (
	pythonExe = "python"
	venvLayer = "venv"
)

// DependencyInstaller installs a package manager and the app dependencies with it.
// There is one implementation per package manager.
type DependencyInstaller interface {
	Kind() pkgmgr.Kind

	// InstallPackagingTool makes the package manager available in ic.Env
	InstallPackagingTool(ctx context.Context, ic *InstallContext) error

	// InstallDependencies installs the app dependencies into the virtual environment layer
	InstallDependencies(ctx context.Context, ic *InstallContext) error
}

// NewDependencyInstaller returns the installer for a package manager
func NewDependencyInstaller(kind pkgmgr.Kind) (DependencyInstaller, error) {
	switch kind {
	case pkgmgr.Pip:
		return pipInstaller{}, nil
	case pkgmgr.Poetry:
		return poetryInstaller{}, nil
	case pkgmgr.Uv:
		return uvInstaller{}, nil
	default:
		return nil, xerrors.Errorf("unsupported package manager %q", kind)
	}
}

// InstallContext is the state stages share. It owns the build environment accumulator:
// stages run one after the other and each folds the environment of its layers into Env.
type InstallContext struct {
	Stage  Stage
	AppDir string
	Target target.Target
	Python *pyversion.Build
	Tools  config.ToolVersions
	Layers *layer.Store

	// Forwarded is the environment passed on from the platform, before any layer was applied
	Forwarded env.Environment
	// Env is the build environment accumulated so far
	Env env.Environment

	// RuntimeDir is the path of the Python runtime layer
	RuntimeDir string
	// VenvDir is the path of the virtual environment the dependencies are installed into
	VenvDir string

	b *buildContext
}

// Track reports the cache decision of a freshly opened layer
func (ic *InstallContext) Track(l *layer.Layer, metadata interface{}) {
	ic.b.track(ic.Stage, l, metadata)
}

// Commit finishes a layer once its contents are in place. An emptied layer gets the given
// mutations written as env files and then its metadata; a restored layer keeps what is on disk.
// Either way the on-disk environment of the layer is folded into Env.
func (ic *InstallContext) Commit(l *layer.Layer, mutations env.Mutations, metadata interface{}) error {
	if !l.Restored() {
		err := l.WriteEnvironment(mutations)
		if err != nil {
			return err
		}
		if !l.Types.Cache {
			metadata = nil
		}
		err = l.WriteMetadata(metadata)
		if err != nil {
			return err
		}
	}

	onDisk, err := l.ReadEnvironment()
	if err != nil {
		return err
	}
	ic.Env = env.Apply(env.ScopeBuild, ic.Env, onDisk)
	ic.b.layerEnv[l.Name] = onDisk
	return nil
}

// Command prepares a tool invocation in the app directory with the current build environment
func (ic *InstallContext) Command(name string, args ...string) runner.Command {
	return runner.Command{
		Name: name,
		Args: args,
		Dir:  ic.AppDir,
		Env:  ic.Env.Clone(),
	}
}

// Run runs a command and streams its output to the reporter
func (ic *InstallContext) Run(ctx context.Context, c runner.Command) error {
	c = ic.prepare(c)
	c.Stdout = &reporterStream{R: ic.b.Reporter, Stage: ic.Stage}
	c.Stderr = &reporterStream{R: ic.b.Reporter, Stage: ic.Stage, IsErr: true}

	ic.b.log.WithField("stage", ic.Stage).WithField("command", c.String()).Debug("running command")
	return runner.RunStreamed(ctx, c)
}

// Capture runs a command and returns its output
func (ic *InstallContext) Capture(ctx context.Context, c runner.Command) (*runner.Output, error) {
	c = ic.prepare(c)

	ic.b.log.WithField("stage", ic.Stage).WithField("command", c.String()).Debug("running command")
	return runner.RunCaptured(ctx, c)
}

// prepare passes the trace of the running stage on to the command
func (ic *InstallContext) prepare(c runner.Command) runner.Command {
	if c.Env == nil {
		c.Env = ic.Env.Clone()
	} else {
		c.Env = c.Env.Clone()
	}
	if c.Dir == "" {
		c.Dir = ic.AppDir
	}

	otel, ok := findOTelReporter(ic.b.Reporter)
	if !ok {
		return c
	}
	sctx, ok := otel.StageContext(ic.Stage)
	if !ok {
		return c
	}
	for k, v := range telemetry.Environ(sctx) {
		c.Env[k] = v
	}
	return c
}

// createVenv creates the uncached virtual environment layer the app dependencies go into.
// The venv has no pip of its own, package managers install into it from the outside.
func createVenv(ctx context.Context, ic *InstallContext) error {
	l, err := ic.Layers.OpenUncached(venvLayer, layer.Types{Build: true, Launch: true})
	if err != nil {
		return err
	}
	ic.Track(l, nil)

	err = ic.Run(ctx, ic.Command(pythonExe, "-m", "venv", "--without-pip", l.Path))
	if err != nil {
		return err
	}

	err = ic.Commit(l, env.Mutations{}.Add(env.ScopeAll, env.Override, "VIRTUAL_ENV", l.Path), nil)
	if err != nil {
		return err
	}
	ic.VenvDir = l.Path
	return nil
}

// openCache opens a cache-only layer for a package manager's download cache
func openCache(ic *InstallContext, name, toolVersion string) (*layer.Layer, cacheMetadata, error) {
	md := cacheMetadata{
		Arch:          ic.Target.Arch,
		Distro:        ic.Target.Distro(),
		PythonVersion: ic.Python.Version,
		ToolVersion:   toolVersion,
	}
	l, err := layer.OpenCached(ic.Layers, name, layer.Types{}, md)
	if err != nil {
		return nil, md, err
	}
	ic.Track(l, md)
	return l, md, nil
}

// cacheMetadata is the fingerprint of the download cache layers
type cacheMetadata struct {
	Arch          string `toml:"arch" label:"CPU architecture"`
	Distro        string `toml:"distro" label:"OS distribution"`
	PythonVersion string `toml:"python_version" label:"Python version"`
	ToolVersion   string `toml:"tool_version" label:"package manager version"`
}

// pythonExecutable is the interpreter of the runtime layer
func (ic *InstallContext) pythonExecutable() string {
	return filepath.Join(ic.RuntimeDir, "bin", pythonExe)
}
