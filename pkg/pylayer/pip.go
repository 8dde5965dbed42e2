package pylayer

import (
	"context"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
)

type pipMetadata struct {
	PythonVersion string `toml:"python_version" label:"Python version"`
	PipVersion    string `toml:"pip_version" label:"pip version"`
}

// pipInstaller installs requirements.txt with pip
type pipInstaller struct{}

func (pipInstaller) Kind() pkgmgr.Kind { return pkgmgr.Pip }

// InstallPackagingTool installs the configured pip version into its own layer, using the pip
// bundled with the runtime. The layer is a user site (PYTHONUSERBASE), so the runtime
// interpreter picks it up without touching the runtime layer.
func (pipInstaller) InstallPackagingTool(ctx context.Context, ic *InstallContext) error {
	md := pipMetadata{PythonVersion: ic.Python.Version, PipVersion: ic.Tools.Pip}
	l, err := layer.OpenCached(ic.Layers, "pip", layer.Types{Build: true}, md)
	if err != nil {
		return err
	}
	ic.Track(l, md)

	mutations := env.Mutations{}.Add(env.ScopeBuild, env.Override, "PYTHONUSERBASE", l.Path)
	if !l.Restored() {
		cmd := ic.Command(pythonExe, "-m", "pip", "install",
			"--user",
			"--no-cache-dir",
			"--no-input",
			"--no-warn-script-location",
			"--quiet",
			"pip=="+ic.Tools.Pip,
		)
		cmd.Env["PYTHONUSERBASE"] = l.Path
		err = ic.Run(ctx, cmd)
		if err != nil {
			return err
		}
	}
	return ic.Commit(l, mutations, md)
}

// InstallDependencies creates the venv and installs requirements.txt into it
func (pipInstaller) InstallDependencies(ctx context.Context, ic *InstallContext) error {
	cache, cacheMD, err := openCache(ic, "pip-cache", ic.Tools.Pip)
	if err != nil {
		return err
	}

	err = createVenv(ctx, ic)
	if err != nil {
		return err
	}

	cmd := ic.Command("pip",
		"--python", ic.VenvDir,
		"install",
		"--no-input",
		"--progress-bar", "off",
		"--requirement", "requirements.txt",
	)
	cmd.Env["PIP_CACHE_DIR"] = cache.Path
	err = ic.Run(ctx, cmd)
	if err != nil {
		return err
	}

	return ic.Commit(cache, nil, cacheMD)
}
