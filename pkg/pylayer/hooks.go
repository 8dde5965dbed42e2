package pylayer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/gitpod-io/pylayer/pkg/pylayer/runner"
)

// PostProcessHook is a framework specific step that runs once the dependencies are installed
type PostProcessHook interface {
	Name() string

	// Applies returns true if the hook should run for the app
	Applies(ctx context.Context, ic *InstallContext) (bool, error)

	// Run runs the hook. Errors fail the build.
	Run(ctx context.Context, ic *InstallContext) error
}

// DefaultHooks returns the hooks a build runs unless configured otherwise
func DefaultHooks() []PostProcessHook {
	return []PostProcessHook{DjangoCollectstatic{}}
}

// EnvvarDisableCollectstatic disables the Django collectstatic hook when set to 1
const EnvvarDisableCollectstatic = "DISABLE_COLLECTSTATIC"

// DjangoCollectstatic gathers the static files of a Django app
type DjangoCollectstatic struct{}

// Name implements PostProcessHook
func (DjangoCollectstatic) Name() string { return "django-collectstatic" }

// Applies implements PostProcessHook. The hook applies to apps with a manage.py that have Django installed.
func (DjangoCollectstatic) Applies(ctx context.Context, ic *InstallContext) (bool, error) {
	if ic.Forwarded[EnvvarDisableCollectstatic] == "1" {
		ic.b.log.WithField("hook", "django-collectstatic").Infof("disabled by %s", EnvvarDisableCollectstatic)
		return false, nil
	}

	_, err := os.Stat(filepath.Join(ic.AppDir, "manage.py"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if ic.VenvDir == "" {
		return false, nil
	}
	matches, err := filepath.Glob(filepath.Join(ic.VenvDir, "lib", "python*", "site-packages", "django"))
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// Run implements PostProcessHook. Apps that removed the staticfiles app are skipped.
func (DjangoCollectstatic) Run(ctx context.Context, ic *InstallContext) error {
	probe := ic.Command(pythonExe, "manage.py", "help", "collectstatic")
	out, err := ic.Capture(ctx, probe)
	if err != nil {
		return err
	}
	if !out.Success() {
		if bytes.Contains(out.Stderr, []byte("Unknown command")) {
			ic.b.log.Info("skipping collectstatic, django.contrib.staticfiles is not enabled")
			return nil
		}
		return &runner.ExitStatusError{
			Command:  probe.String(),
			ExitCode: out.ExitCode,
			Output:   append(out.Stdout, out.Stderr...),
		}
	}

	return ic.Run(ctx, ic.Command(pythonExe, "manage.py", "collectstatic", "--link", "--noinput"))
}
