package pylayer

import (
	"context"

	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
)

type uvMetadata struct {
	Arch          string `toml:"arch" label:"CPU architecture"`
	Distro        string `toml:"distro" label:"OS distribution"`
	PythonVersion string `toml:"python_version" label:"Python version"`
	UvVersion     string `toml:"uv_version" label:"uv version"`
}

// uvInstaller installs uv.lock with uv
type uvInstaller struct{}

func (uvInstaller) Kind() pkgmgr.Kind { return pkgmgr.Uv }

// InstallPackagingTool installs uv into its own layer. uv is a single binary,
// installing it with a prefix puts it into <layer>/bin where the PATH picks it up.
func (uvInstaller) InstallPackagingTool(ctx context.Context, ic *InstallContext) error {
	md := uvMetadata{
		Arch:          ic.Target.Arch,
		Distro:        ic.Target.Distro(),
		PythonVersion: ic.Python.Version,
		UvVersion:     ic.Tools.Uv,
	}
	l, err := layer.OpenCached(ic.Layers, "uv", layer.Types{Build: true}, md)
	if err != nil {
		return err
	}
	ic.Track(l, md)

	if !l.Restored() {
		err = ic.Run(ctx, ic.Command(pythonExe, "-m", "pip", "install",
			"--prefix", l.Path,
			"--no-cache-dir",
			"--no-input",
			"--no-warn-script-location",
			"--quiet",
			"uv=="+ic.Tools.Uv,
		))
		if err != nil {
			return err
		}
	}
	return ic.Commit(l, nil, md)
}

// InstallDependencies syncs the locked dependencies into the venv, without the project itself
func (uvInstaller) InstallDependencies(ctx context.Context, ic *InstallContext) error {
	cache, cacheMD, err := openCache(ic, "uv-cache", ic.Tools.Uv)
	if err != nil {
		return err
	}

	err = createVenv(ctx, ic)
	if err != nil {
		return err
	}

	cmd := ic.Command("uv", "sync", "--locked", "--no-default-groups", "--no-install-project")
	cmd.Env["UV_CACHE_DIR"] = cache.Path
	cmd.Env["UV_PROJECT_ENVIRONMENT"] = ic.VenvDir
	cmd.Env["UV_PYTHON"] = ic.pythonExecutable()
	cmd.Env["UV_PYTHON_DOWNLOADS"] = "never"
	err = ic.Run(ctx, cmd)
	if err != nil {
		return err
	}

	return ic.Commit(cache, nil, cacheMD)
}
