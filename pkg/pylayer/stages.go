package pylayer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pyversion"
)

// Python runtime layer environment
const (
	// sourceDateEpoch is 1980-01-01T00:00:01Z, the earliest timestamp zip files support
	sourceDateEpoch = "315532801"
)

// pythonMetadata is the fingerprint of the runtime layer
type pythonMetadata struct {
	Arch          string `toml:"arch" label:"CPU architecture"`
	Distro        string `toml:"distro" label:"OS distribution"`
	PythonVersion string `toml:"python_version" label:"Python version"`
}

// checks validates the configuration and the forwarded environment before any layer is touched
func (b *buildContext) checks() error {
	stat, err := os.Stat(b.cfg.AppDir)
	if err != nil || !stat.IsDir() {
		return configError(StageChecks, fmt.Sprintf("app directory %s does not exist", b.cfg.AppDir),
			"set --app-dir, PYLAYER_APP_DIR or CNB_APP_DIR to the directory containing your app")
	}

	err = b.cfg.Target.Validate()
	if err != nil {
		return configError(StageChecks, err.Error(),
			"the platform provides the target through CNB_TARGET_ARCH, CNB_TARGET_DISTRO_NAME and CNB_TARGET_DISTRO_VERSION",
			"outside of a platform, set the target section in pylayer.toml or the PYLAYER_TARGET_* variables")
	}

	forwarded, err := b.cfg.ForwardedEnvironment(b.Environ)
	if err != nil {
		return err
	}
	err = CheckDenied(forwarded, b.cfg.Deny)
	if err != nil {
		return err
	}
	b.forwarded = forwarded
	return nil
}

// CheckDenied fails with a ConfigurationError if any variable on the deny list is set in e
func CheckDenied(e env.Environment, deny []string) error {
	denied := DeniedVariables(e, deny)
	if len(denied) == 0 {
		return nil
	}

	hints := make([]string, 0, len(denied)+1)
	for _, k := range denied {
		hints = append(hints, fmt.Sprintf("unset %s, pylayer manages it itself", k))
	}
	hints = append(hints, "variables come from the platform env dir, the env file and the forwarded process environment")
	return configError(StageChecks, fmt.Sprintf("forbidden environment variables are set: %s", strings.Join(denied, ", ")), hints...)
}

// DeniedVariables returns the sorted names of all variables in e that are on the deny list
func DeniedVariables(e env.Environment, deny []string) []string {
	var res []string
	for _, k := range deny {
		if _, ok := e[k]; ok {
			res = append(res, k)
		}
	}
	sort.Strings(res)
	return res
}

func (b *buildContext) resolveVersion() (pyversion.RequestedVersion, *pyversion.Build, error) {
	def := pyversion.DefaultVersion
	if b.cfg.Tools.Python != "" {
		v, err := pyversion.ParseVersion(b.cfg.Tools.Python, pyversion.OriginDefault)
		if err != nil {
			return pyversion.RequestedVersion{}, nil, configError(StageResolveVersion,
				fmt.Sprintf("invalid default Python version %q", b.cfg.Tools.Python),
				"set tools.python or PYLAYER_PYTHON_VERSION to X.Y or X.Y.Z")
		}
		def = v
	}

	req, err := pyversion.Resolve(b.cfg.AppDir, pyversion.Options{
		Default:         def,
		AllowLegacyFile: b.cfg.LegacyRuntimeTxt,
	})
	if err != nil {
		return req, nil, err
	}

	build, err := b.Inventory.Resolve(req, b.cfg.Target)
	if err != nil {
		return req, nil, err
	}
	b.log.WithField("requested", req.String()).WithField("origin", req.Origin).WithField("version", build.Version).Info("resolved Python version")
	return req, build, nil
}

func (b *buildContext) selectPackageManager() (DependencyInstaller, error) {
	kind, err := pkgmgr.Select(b.cfg.AppDir)
	if errors.Is(err, pkgmgr.ErrNoneFound) {
		return nil, &BuildError{
			Stage:   StageSelectPackageManager,
			Kind:    ConfigurationError,
			Message: "cannot determine the package manager of the app",
			Hints:   pkgmgr.Hints(b.cfg.AppDir),
			Cause:   err,
		}
	}
	if err != nil {
		return nil, err
	}
	b.log.WithField("packageManager", kind).Info("selected package manager")
	return NewDependencyInstaller(kind)
}

// installRuntime restores or installs the Python runtime layer
func (b *buildContext) installRuntime(ctx context.Context, ic *InstallContext) error {
	store, err := layer.NewStore(b.cfg.LayersDir)
	if err != nil {
		return err
	}
	b.store = store
	ic.Layers = store

	md := pythonMetadata{
		Arch:          b.cfg.Target.Arch,
		Distro:        b.cfg.Target.Distro(),
		PythonVersion: ic.Python.Version,
	}
	l, err := layer.OpenCached(store, "python", layer.Types{Build: true, Launch: true}, md)
	if err != nil {
		return err
	}
	ic.Track(l, md)

	if !l.Restored() {
		if b.Archives.BaseURL == "" && !strings.Contains(ic.Python.File, "://") {
			return configError(StageInstallRuntime, "no archive URL configured to download the Python runtime from",
				"set archive_url in pylayer.toml or PYLAYER_ARCHIVE_URL to an https:// or s3:// location")
		}
		err = b.Archives.Install(ctx, ic.Python.File, ic.Python.SHA256, l.Path)
		if err != nil {
			return err
		}
	}

	mutations := env.Mutations{}.
		Add(env.ScopeAll, env.Default, "LANG", "C.UTF-8").
		Add(env.ScopeAll, env.Default, "PYTHONUNBUFFERED", "1").
		Add(env.ScopeBuild, env.Override, "SOURCE_DATE_EPOCH", sourceDateEpoch).
		Add(env.ScopeAll, env.Override, "PIP_DISABLE_PIP_VERSION_CHECK", "1")
	err = ic.Commit(l, mutations, md)
	if err != nil {
		return err
	}
	ic.RuntimeDir = l.Path
	return nil
}

// postProcess runs all hooks that apply to the app, in order
func (b *buildContext) postProcess(ctx context.Context, ic *InstallContext) error {
	for _, h := range b.Hooks {
		applies, err := h.Applies(ctx, ic)
		if err != nil {
			return xerrors.Errorf("%s: %w", h.Name(), err)
		}
		if !applies {
			b.log.WithField("hook", h.Name()).Debug("hook does not apply")
			continue
		}

		b.log.WithField("hook", h.Name()).Info("running post-processing hook")
		err = h.Run(ctx, ic)
		if err != nil {
			return err
		}
	}

	return b.pruneStaleLayers()
}

// pruneStaleLayers removes the layers an earlier build left behind that this build did not
// open, e.g. those of a package manager the app no longer uses.
func (b *buildContext) pruneStaleLayers() error {
	keep := make([]string, 0, len(b.layers))
	for _, l := range b.layers {
		keep = append(keep, l.Name)
	}
	removed, err := b.store.Prune(keep)
	if err != nil {
		return err
	}
	for _, n := range removed {
		b.log.WithField("layer", n).Info("removed stale layer")
	}
	return nil
}
