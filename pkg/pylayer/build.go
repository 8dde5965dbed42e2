// Package pylayer installs a Python runtime, a package manager and the dependencies of an
// app into cacheable layers and composes the environment the next build steps run with.
package pylayer

import (
	"context"
	"os"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/pylayer/pkg/pylayer/archive"
	"github.com/gitpod-io/pylayer/pkg/pylayer/config"
	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pyversion"
)

// Result describes a successful build
type Result struct {
	ID             string                     `json:"id" yaml:"id"`
	Requested      pyversion.RequestedVersion `json:"requested" yaml:"requested"`
	PythonVersion  string                     `json:"pythonVersion" yaml:"pythonVersion"`
	PackageManager pkgmgr.Kind                `json:"packageManager" yaml:"packageManager"`
	// Layers lists the layers in the order they were processed
	Layers []LayerResult `json:"layers" yaml:"layers"`

	// BuildEnv is the environment accumulated while building
	BuildEnv env.Environment `json:"buildEnv" yaml:"buildEnv"`
	// LaunchEnv is what the layers contribute to the launched process, applied in layer name order
	LaunchEnv env.Environment `json:"launchEnv" yaml:"launchEnv"`
}

// LayerResult records the cache decision taken for a layer
type LayerResult struct {
	Name        string      `json:"name" yaml:"name"`
	Restored    bool        `json:"restored" yaml:"restored"`
	Cause       layer.Cause `json:"cause,omitempty" yaml:"cause,omitempty"`
	Reasons     []string    `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// Installed returns the names of all layers that were (re)populated by the build
func (r *Result) Installed() []string {
	var res []string
	for _, l := range r.Layers {
		if !l.Restored {
			res = append(res, l.Name)
		}
	}
	return res
}

type buildOptions struct {
	Reporter  Reporter
	Inventory *pyversion.Inventory
	Archives  *archive.Installer
	Environ   []string
	Hooks     []PostProcessHook
	BuildID   string
}

// BuildOption configures the build behaviour
type BuildOption func(*buildOptions) error

// WithReporter sets the reporter which is notified about the build progress
func WithReporter(reporter Reporter) BuildOption {
	return func(opts *buildOptions) error {
		opts.Reporter = reporter
		return nil
	}
}

// WithInventory replaces the runtime inventory configured in the config
func WithInventory(inv *pyversion.Inventory) BuildOption {
	return func(opts *buildOptions) error {
		if inv == nil {
			return xerrors.Errorf("inventory must not be nil")
		}
		opts.Inventory = inv
		return nil
	}
}

// WithArchiveInstaller replaces the installer used to download runtime archives
func WithArchiveInstaller(inst *archive.Installer) BuildOption {
	return func(opts *buildOptions) error {
		opts.Archives = inst
		return nil
	}
}

// WithEnviron sets the process environment forwarded variables are taken from. Defaults to os.Environ().
func WithEnviron(environ []string) BuildOption {
	return func(opts *buildOptions) error {
		opts.Environ = environ
		return nil
	}
}

// WithHooks replaces the post-processing hooks
func WithHooks(hooks ...PostProcessHook) BuildOption {
	return func(opts *buildOptions) error {
		opts.Hooks = hooks
		return nil
	}
}

// WithBuildID sets the build ID instead of generating one
func WithBuildID(id string) BuildOption {
	return func(opts *buildOptions) error {
		opts.BuildID = id
		return nil
	}
}

func applyBuildOpts(cfg *config.Config, opts []BuildOption) (buildOptions, error) {
	options := buildOptions{
		Reporter: NewConsoleReporter(nil),
		Hooks:    DefaultHooks(),
	}
	for _, opt := range opts {
		err := opt(&options)
		if err != nil {
			return options, err
		}
	}

	if options.Environ == nil {
		options.Environ = os.Environ()
	}
	if options.BuildID == "" {
		options.BuildID = uuid.New().String()
	}
	if options.Archives == nil {
		options.Archives = &archive.Installer{BaseURL: cfg.ArchiveURL, S3Region: cfg.S3Region}
	}
	if options.Inventory == nil {
		var (
			inv *pyversion.Inventory
			err error
		)
		if cfg.Inventory != "" {
			inv, err = pyversion.LoadInventory(cfg.Inventory)
		} else {
			inv, err = pyversion.DefaultInventory()
		}
		if err != nil {
			return options, err
		}
		options.Inventory = inv
	}
	return options, nil
}

type buildContext struct {
	buildOptions
	cfg *config.Config
	log *log.Entry

	// forwarded is the base environment every tool invocation starts from
	forwarded env.Environment
	store     *layer.Store

	layers   []LayerResult
	layerEnv map[string]env.Mutations
}

func newBuildContext(cfg *config.Config, options buildOptions) *buildContext {
	return &buildContext{
		buildOptions: options,
		cfg:          cfg,
		log:          log.WithField("build", options.BuildID),
		layerEnv:     make(map[string]env.Mutations),
	}
}

// Build runs the build pipeline for the app configured in cfg:
//
//	checks → resolve-version → select-package-manager → install-runtime →
//	install-packaging-tool → install-dependencies → post-process
//
// The first failing stage ends the build. All errors returned are of type *BuildError.
// Layers already written stay on disk; the next build re-evaluates them as usual.
// A successful build removes the layers of earlier builds it did not open.
func Build(ctx context.Context, cfg *config.Config, opts ...BuildOption) (*Result, error) {
	options, err := applyBuildOpts(cfg, opts)
	if err != nil {
		return nil, &BuildError{Stage: StageChecks, Kind: ConfigurationError, Message: err.Error(), Cause: err}
	}
	b := newBuildContext(cfg, options)

	b.Reporter.BuildStarted(BuildInfo{ID: b.BuildID, AppDir: cfg.AppDir, Target: cfg.Target})
	res, berr := b.run(ctx)
	if berr != nil {
		b.log.WithError(berr).WithField("kind", berr.Kind).Debug("build failed")
		b.Reporter.BuildFinished(nil, berr)
		return nil, berr
	}
	b.Reporter.BuildFinished(res, nil)
	return res, nil
}

func (b *buildContext) run(ctx context.Context) (*Result, *BuildError) {
	res := &Result{ID: b.BuildID}

	err := b.stage(StageChecks, func() error {
		return b.checks()
	})
	if err != nil {
		return nil, err
	}

	var python *pyversion.Build
	err = b.stage(StageResolveVersion, func() (err error) {
		res.Requested, python, err = b.resolveVersion()
		return err
	})
	if err != nil {
		return nil, err
	}
	res.PythonVersion = python.Version

	var installer DependencyInstaller
	err = b.stage(StageSelectPackageManager, func() (err error) {
		installer, err = b.selectPackageManager()
		return err
	})
	if err != nil {
		return nil, err
	}
	res.PackageManager = installer.Kind()

	ic := &InstallContext{
		AppDir:    b.cfg.AppDir,
		Target:    b.cfg.Target,
		Python:    python,
		Tools:     b.cfg.Tools,
		Forwarded: b.forwarded.Clone(),
		Env:       b.forwarded.Clone(),
		b:         b,
	}

	err = b.stage(StageInstallRuntime, func() error {
		ic.Stage = StageInstallRuntime
		return b.installRuntime(ctx, ic)
	})
	if err != nil {
		return nil, err
	}

	err = b.stage(StageInstallPackagingTool, func() error {
		ic.Stage = StageInstallPackagingTool
		return installer.InstallPackagingTool(ctx, ic)
	})
	if err != nil {
		return nil, err
	}

	err = b.stage(StageInstallDependencies, func() error {
		ic.Stage = StageInstallDependencies
		return installer.InstallDependencies(ctx, ic)
	})
	if err != nil {
		return nil, err
	}

	err = b.stage(StagePostProcess, func() error {
		ic.Stage = StagePostProcess
		return b.postProcess(ctx, ic)
	})
	if err != nil {
		return nil, err
	}

	res.Layers = b.layers
	res.BuildEnv = ic.Env
	res.LaunchEnv = b.launchEnvironment()
	return res, nil
}

// stage runs fn as one stage of the pipeline and classifies its error
func (b *buildContext) stage(stage Stage, fn func() error) *BuildError {
	b.log.WithField("stage", stage).Debug("stage started")
	b.Reporter.StageStarted(stage)

	berr := classify(stage, fn())
	if berr != nil {
		b.Reporter.StageFinished(stage, berr)
		return berr
	}
	b.Reporter.StageFinished(stage, nil)
	return nil
}

// track records the cache decision for a layer and tells the reporter about it
func (b *buildContext) track(stage Stage, l *layer.Layer, metadata interface{}) {
	lr := LayerResult{
		Name:     l.Name,
		Restored: l.Restored(),
		Cause:    l.Cause,
		Reasons:  l.Reasons,
	}
	if metadata != nil {
		fp, err := layer.Fingerprint(metadata)
		if err == nil {
			lr.Fingerprint = fp
		}
	}

	entry := b.log.WithField("layer", l.Name).WithField("fingerprint", lr.Fingerprint)
	if l.Cause == layer.CauseInvalidMetadata {
		// never fatal: the layer is rebuilt from scratch
		entry.WithField("kind", CacheIntegrityError).Warnf("discarded layer with unusable metadata: %v", l.Reasons)
	} else {
		entry.WithField("state", l.State).WithField("cause", l.Cause).Debug("layer opened")
	}

	b.layers = append(b.layers, lr)
	b.Reporter.LayerDecision(stage, l)
}

// launchEnvironment folds the launch-visible mutations of all layers of this build onto an empty base
func (b *buildContext) launchEnvironment() env.Environment {
	names := make([]string, 0, len(b.layerEnv))
	for n := range b.layerEnv {
		names = append(names, n)
	}
	sort.Strings(names)

	sets := make([]env.Mutations, 0, len(names))
	for _, n := range names {
		sets = append(sets, b.layerEnv[n])
	}
	return env.ApplyAll(env.ScopeLaunch, make(env.Environment), sets...)
}
