package pylayer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gookit/color"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/runner"
	"github.com/gitpod-io/pylayer/pkg/pylayer/target"
	"github.com/gitpod-io/pylayer/pkg/pylayer/telemetry"
)

func TestConsoleReporter(t *testing.T) {
	tests := []struct {
		Name   string
		Func   func(r *ConsoleReporter)
		Expect string
	}{
		{
			Name: "stage output is prefixed",
			Func: func(r *ConsoleReporter) {
				r.StageStarted(StageInstallDependencies)
				r.StageLog(StageInstallDependencies, false, []byte("Collecting flask\nInstalling"))
				r.StageLog(StageInstallDependencies, true, []byte(" done\n"))
				r.StageLog(StageInstallDependencies, false, []byte("no newline"))
				r.StageFinished(StageInstallDependencies, errors.New("failed"))
			},
			Expect: `[install-dependencies] started
[install-dependencies] Collecting flask
[install-dependencies] Installing done
[install-dependencies] no newline
[install-dependencies] failed
`,
		},
		{
			Name: "layer decisions",
			Func: func(r *ConsoleReporter) {
				r.LayerDecision(StageInstallRuntime, &layer.Layer{Name: "python", State: layer.StateRestored})
				r.LayerDecision(StageInstallRuntime, &layer.Layer{Name: "pip", State: layer.StateEmpty, Cause: layer.CauseNewlyCreated})
				r.LayerDecision(StageInstallRuntime, &layer.Layer{
					Name:    "uv",
					State:   layer.StateEmpty,
					Cause:   layer.CauseRestoredButInvalidated,
					Reasons: []string{"The uv version has changed from 0.6.2 to 0.6.3"},
				})
			},
			Expect: `[install-runtime] 📦 restored	python
[install-runtime] 🔧 creating	pip
[install-runtime] 🔧 recreating	uv (restored-but-invalidated)
[install-runtime] 	- The uv version has changed from 0.6.2 to 0.6.3
`,
		},
		{
			Name: "build error",
			Func: func(r *ConsoleReporter) {
				r.BuildFinished(nil, configError(StageSelectPackageManager, "cannot determine the package manager of the app", "add requirements.txt"))
			},
			Expect: `
build failed in stage select-package-manager
[ConfigurationError] cannot determine the package manager of the app

  • add requirements.txt
`,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var buf bytes.Buffer
			r := NewConsoleReporter(&buf)
			test.Func(r)

			if diff := cmp.Diff(test.Expect, color.ClearCode(buf.String())); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConsoleReporterSummary(t *testing.T) {
	tests := []struct {
		Name   string
		Layers []LayerResult
		Expect string
	}{
		{
			Name:   "partially restored",
			Layers: []LayerResult{{Name: "python", Restored: true}, {Name: "pip-cache", Restored: true}, {Name: "venv"}},
			Expect: "build succeeded (installed venv, ",
		},
		{
			Name:   "all restored",
			Layers: []LayerResult{{Name: "python", Restored: true}},
			Expect: "build succeeded (all layers restored, ",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var buf bytes.Buffer
			r := NewConsoleReporter(&buf)
			r.BuildStarted(BuildInfo{ID: "b1"})
			buf.Reset()
			r.BuildFinished(&Result{ID: "b1", Layers: test.Layers}, nil)
			require.Contains(t, color.ClearCode(buf.String()), test.Expect)
		})
	}
}

func TestOTelReporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	r := NewOTelReporter(tp.Tracer("test"), context.Background())
	r.BuildStarted(BuildInfo{ID: "b1", AppDir: "/workspace", Target: target.Target{Arch: "amd64", DistroName: "ubuntu", DistroVersion: "24.04"}})
	r.StageStarted(StageInstallRuntime)
	r.LayerDecision(StageInstallRuntime, &layer.Layer{Name: "python", State: layer.StateEmpty, Cause: layer.CauseNewlyCreated})
	r.StageFinished(StageInstallRuntime, nil)
	r.StageStarted(StageInstallDependencies)
	r.StageFinished(StageInstallDependencies, errors.New("pip exited with status 1"))
	r.BuildFinished(nil, errors.New("pip exited with status 1"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range spans {
		byName[s.Name] = s
	}

	build, ok := byName["pylayer.build"]
	require.True(t, ok, "build span missing")
	require.Equal(t, codes.Error, build.Status.Code)

	runtime, ok := byName["pylayer.stage.install-runtime"]
	require.True(t, ok, "runtime stage span missing")
	require.Equal(t, build.SpanContext.SpanID(), runtime.Parent.SpanID())
	require.Equal(t, codes.Ok, runtime.Status.Code)
	require.Len(t, runtime.Events, 1)
	require.Equal(t, "layer", runtime.Events[0].Name)

	deps := byName["pylayer.stage.install-dependencies"]
	require.Equal(t, codes.Error, deps.Status.Code)
}

func TestFindOTelReporter(t *testing.T) {
	otel := NewOTelReporter(sdktrace.NewTracerProvider().Tracer("test"), nil)

	_, ok := findOTelReporter(NewConsoleReporter(nil))
	require.False(t, ok)

	act, ok := findOTelReporter(CompositeReporter{NewConsoleReporter(nil), CompositeReporter{otel}})
	require.True(t, ok)
	require.Same(t, otel, act)
}

func TestCommandsContinueTheStageTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel := NewOTelReporter(tp.Tracer("test"), context.Background())
	b := newBuildContext(nil, buildOptions{Reporter: CompositeReporter{otel}, BuildID: "b1"})
	ic := &InstallContext{Stage: StageInstallDependencies, Env: env.Environment{"PATH": "/bin"}, b: b}

	c := ic.prepare(runner.Command{Name: "pip"})
	require.NotContains(t, c.Env, telemetry.EnvvarTraceParent, "no stage span yet")

	otel.BuildStarted(BuildInfo{ID: "b1"})
	otel.StageStarted(StageInstallDependencies)
	c = ic.prepare(runner.Command{Name: "pip"})
	require.NoError(t, telemetry.ValidateTraceParent(c.Env[telemetry.EnvvarTraceParent]))
	require.NotContains(t, ic.Env, telemetry.EnvvarTraceParent, "the accumulator must not change")
	require.Equal(t, "/bin", c.Env["PATH"])
}
