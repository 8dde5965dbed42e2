package pylayer

import (
	"context"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
)

type poetryMetadata struct {
	Arch          string `toml:"arch" label:"CPU architecture"`
	Distro        string `toml:"distro" label:"OS distribution"`
	PythonVersion string `toml:"python_version" label:"Python version"`
	PoetryVersion string `toml:"poetry_version" label:"Poetry version"`
}

// poetryInstaller installs poetry.lock with Poetry
type poetryInstaller struct{}

func (poetryInstaller) Kind() pkgmgr.Kind { return pkgmgr.Poetry }

// InstallPackagingTool installs Poetry as a user site into its own layer
func (poetryInstaller) InstallPackagingTool(ctx context.Context, ic *InstallContext) error {
	md := poetryMetadata{
		Arch:          ic.Target.Arch,
		Distro:        ic.Target.Distro(),
		PythonVersion: ic.Python.Version,
		PoetryVersion: ic.Tools.Poetry,
	}
	l, err := layer.OpenCached(ic.Layers, "poetry", layer.Types{Build: true}, md)
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
			"poetry=="+ic.Tools.Poetry,
		)
		cmd.Env["PYTHONUSERBASE"] = l.Path
		err = ic.Run(ctx, cmd)
		if err != nil {
			return err
		}
	}
	return ic.Commit(l, mutations, md)
}

// InstallDependencies creates the venv and syncs the main dependency group into it
func (poetryInstaller) InstallDependencies(ctx context.Context, ic *InstallContext) error {
	cache, cacheMD, err := openCache(ic, "poetry-cache", ic.Tools.Poetry)
	if err != nil {
		return err
	}

	err = createVenv(ctx, ic)
	if err != nil {
		return err
	}

	cmd := ic.Command("poetry", "sync", "--only", "main", "--no-interaction")
	cmd.Env["POETRY_CACHE_DIR"] = cache.Path
	cmd.Env["POETRY_VIRTUALENVS_CREATE"] = "false"
	cmd.Env["VIRTUAL_ENV"] = ic.VenvDir
	err = ic.Run(ctx, cmd)
	if err != nil {
		return err
	}

	return ic.Commit(cache, nil, cacheMD)
}
