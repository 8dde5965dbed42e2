package pylayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/segmentio/textio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/target"
)

// Reporter provides feedback about the build progress to the user.
//
// Implementers beware: all these functions are called synchronously from the build.
// Blocking in them blocks the build.
type Reporter interface {
	// BuildStarted is called once before the first stage runs
	BuildStarted(info BuildInfo)

	// StageStarted is called when a pipeline stage begins
	StageStarted(stage Stage)

	// StageLog is called whenever a tool run by a stage produced output
	StageLog(stage Stage, isErr bool, buf []byte)

	// LayerDecision is called once a layer has been opened and it is known whether it's restored or recreated
	LayerDecision(stage Stage, l *layer.Layer)

	// StageFinished is called when a stage ends. A non-nil err means the stage and the build failed.
	StageFinished(stage Stage, err error)

	// BuildFinished is called once at the end of the build. res is nil if the build failed.
	BuildFinished(res *Result, err error)
}

// BuildInfo describes a build that is about to start
type BuildInfo struct {
	ID     string
	AppDir string
	Target target.Target
}

// ConsoleReporter reports build progress by printing to stdout
type ConsoleReporter struct {
	out    io.Writer
	writer map[Stage]*stageWriter
	times  map[Stage]time.Time
	start  time.Time
	mu     sync.Mutex
}

// exclusiveWriter makes a write an exclusive resource by protecting Write calls with a mutex.
type exclusiveWriter struct {
	O  io.Writer
	mu sync.Mutex
}

func (w *exclusiveWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.O.Write(p)
}

// NewConsoleReporter produces a new console reporter writing to out, or stdout if out is nil
func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleReporter{
		out:    &exclusiveWriter{O: out},
		writer: make(map[Stage]*stageWriter),
		times:  make(map[Stage]time.Time),
	}
}

// stageWriter prefixes every line with the stage name. Stdout and stderr of a tool
// are written concurrently, hence the lock.
type stageWriter struct {
	pw   *textio.PrefixWriter
	mu   sync.Mutex
	last byte
}

func (w *stageWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(p) > 0 {
		w.last = p[len(p)-1]
	}
	return w.pw.Write(p)
}

// Finish terminates a dangling line, tools don't always end their output with a newline
func (w *stageWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.last != 0 && w.last != '\n' {
		_, err := w.pw.Write([]byte{'\n'})
		if err != nil {
			return err
		}
		w.last = '\n'
	}
	return w.pw.Flush()
}

func (r *ConsoleReporter) getWriter(stage Stage) *stageWriter {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.writer[stage]
	if !ok {
		res = &stageWriter{pw: textio.NewPrefixWriter(r.out, color.Gray.Render(fmt.Sprintf("[%s] ", stage)))}
		r.writer[stage] = res
	}
	return res
}

// BuildStarted implements Reporter
func (r *ConsoleReporter) BuildStarted(info BuildInfo) {
	r.mu.Lock()
	r.start = time.Now()
	r.mu.Unlock()

	fmt.Fprint(r.out, color.Sprintf("<cyan>building</> %s <gray>(target %s, build %s)</>\n", info.AppDir, info.Target, info.ID))
}

// StageStarted implements Reporter
func (r *ConsoleReporter) StageStarted(stage Stage) {
	r.mu.Lock()
	r.times[stage] = time.Now()
	r.mu.Unlock()

	io.WriteString(r.getWriter(stage), color.Sprintf("<fg=yellow>started</>\n"))
}

// StageLog implements Reporter
func (r *ConsoleReporter) StageLog(stage Stage, isErr bool, buf []byte) {
	r.getWriter(stage).Write(buf)
}

// LayerDecision implements Reporter
func (r *ConsoleReporter) LayerDecision(stage Stage, l *layer.Layer) {
	out := r.getWriter(stage)
	switch {
	case l.Restored():
		io.WriteString(out, color.Sprintf("%s\t%s\n", color.Green.Sprint("📦 restored"), l.Name))
	case l.Cause == layer.CauseNewlyCreated:
		io.WriteString(out, color.Sprintf("%s\t%s\n", color.Yellow.Sprint("🔧 creating"), l.Name))
	default:
		io.WriteString(out, color.Sprintf("%s\t%s <gray>(%s)</>\n", color.Yellow.Sprint("🔧 recreating"), l.Name, l.Cause))
		for _, reason := range l.Reasons {
			io.WriteString(out, color.Sprintf("\t<gray>- %s</>\n", reason))
		}
	}
}

// StageFinished implements Reporter
func (r *ConsoleReporter) StageFinished(stage Stage, err error) {
	out := r.getWriter(stage)

	r.mu.Lock()
	dur := time.Since(r.times[stage])
	delete(r.times, stage)
	delete(r.writer, stage)
	r.mu.Unlock()

	_ = out.Finish()

	msg := color.Sprintf("<green>done</> <gray>(%.2fs)</>\n", dur.Seconds())
	if err != nil {
		msg = color.Sprintf("<red>failed</>\n")
	}
	io.WriteString(out, msg)
	_ = out.Finish()
}

// BuildFinished implements Reporter
func (r *ConsoleReporter) BuildFinished(res *Result, err error) {
	r.mu.Lock()
	dur := time.Since(r.start)
	r.mu.Unlock()

	if err != nil {
		var berr *BuildError
		if errors.As(err, &berr) {
			fmt.Fprint(r.out, color.Sprintf("\n<red>build failed</> <gray>in stage %s</>\n%s\n", berr.Stage, berr.Format(false)))
			return
		}
		fmt.Fprint(r.out, color.Sprintf("\n<red>build failed</>\n<white>Reason:</> %s\n", err))
		return
	}

	installed := res.Installed()
	summary := "all layers restored"
	if len(installed) > 0 {
		summary = "installed " + strings.Join(installed, ", ")
	}
	fmt.Fprint(r.out, color.Sprintf("\n<green>build succeeded</> <gray>(%s, %.2fs)</>\n", summary, dur.Seconds()))
}

// CompositeReporter forwards all calls to several reporters
type CompositeReporter []Reporter

var _ Reporter = CompositeReporter{}

// BuildStarted implements Reporter
func (cr CompositeReporter) BuildStarted(info BuildInfo) {
	for _, r := range cr {
		r.BuildStarted(info)
	}
}

// StageStarted implements Reporter
func (cr CompositeReporter) StageStarted(stage Stage) {
	for _, r := range cr {
		r.StageStarted(stage)
	}
}

// StageLog implements Reporter
func (cr CompositeReporter) StageLog(stage Stage, isErr bool, buf []byte) {
	for _, r := range cr {
		r.StageLog(stage, isErr, buf)
	}
}

// LayerDecision implements Reporter
func (cr CompositeReporter) LayerDecision(stage Stage, l *layer.Layer) {
	for _, r := range cr {
		r.LayerDecision(stage, l)
	}
}

// StageFinished implements Reporter
func (cr CompositeReporter) StageFinished(stage Stage, err error) {
	for _, r := range cr {
		r.StageFinished(stage, err)
	}
}

// BuildFinished implements Reporter
func (cr CompositeReporter) BuildFinished(res *Result, err error) {
	for _, r := range cr {
		r.BuildFinished(res, err)
	}
}

// OTelReporter records the build as a trace: one span for the build, one child span per stage.
type OTelReporter struct {
	tracer trace.Tracer
	parent context.Context

	mu         sync.Mutex
	buildCtx   context.Context
	buildSpan  trace.Span
	stageCtx   map[Stage]context.Context
	stageSpans map[Stage]trace.Span
}

// NewOTelReporter creates a reporter whose build span is a child of the span in parent, if any
func NewOTelReporter(tracer trace.Tracer, parent context.Context) *OTelReporter {
	if parent == nil {
		parent = context.Background()
	}
	return &OTelReporter{
		tracer:     tracer,
		parent:     parent,
		stageCtx:   make(map[Stage]context.Context),
		stageSpans: make(map[Stage]trace.Span),
	}
}

// BuildStarted implements Reporter
func (r *OTelReporter) BuildStarted(info BuildInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buildCtx, r.buildSpan = r.tracer.Start(r.parent, "pylayer.build", trace.WithAttributes(
		attribute.String("pylayer.build.id", info.ID),
		attribute.String("pylayer.app_dir", info.AppDir),
		attribute.String("pylayer.target.arch", info.Target.Arch),
		attribute.String("pylayer.target.distro", info.Target.Distro()),
	))
}

// StageStarted implements Reporter
func (r *OTelReporter) StageStarted(stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent := r.buildCtx
	if parent == nil {
		parent = r.parent
	}
	ctx, span := r.tracer.Start(parent, "pylayer.stage."+string(stage), trace.WithAttributes(
		attribute.String("pylayer.stage", string(stage)),
	))
	r.stageCtx[stage] = ctx
	r.stageSpans[stage] = span
}

// StageLog implements Reporter
func (r *OTelReporter) StageLog(stage Stage, isErr bool, buf []byte) {}

// LayerDecision implements Reporter
func (r *OTelReporter) LayerDecision(stage Stage, l *layer.Layer) {
	r.mu.Lock()
	span, ok := r.stageSpans[stage]
	r.mu.Unlock()
	if !ok {
		return
	}

	span.AddEvent("layer", trace.WithAttributes(
		attribute.String("pylayer.layer.name", l.Name),
		attribute.String("pylayer.layer.state", string(l.State)),
		attribute.String("pylayer.layer.cause", string(l.Cause)),
		attribute.StringSlice("pylayer.layer.reasons", l.Reasons),
	))
}

// StageFinished implements Reporter
func (r *OTelReporter) StageFinished(stage Stage, err error) {
	r.mu.Lock()
	span, ok := r.stageSpans[stage]
	delete(r.stageSpans, stage)
	delete(r.stageCtx, stage)
	r.mu.Unlock()
	if !ok {
		return
	}

	endSpan(span, err)
}

// BuildFinished implements Reporter
func (r *OTelReporter) BuildFinished(res *Result, err error) {
	r.mu.Lock()
	span := r.buildSpan
	r.buildSpan = nil
	r.mu.Unlock()
	if span == nil {
		return
	}

	if res != nil {
		span.SetAttributes(
			attribute.String("pylayer.python.version", res.PythonVersion),
			attribute.String("pylayer.package_manager", string(res.PackageManager)),
		)
	}
	endSpan(span, err)
}

// StageContext returns the context of the running stage span, used to pass the trace on to tools
func (r *OTelReporter) StageContext(stage Stage) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.stageCtx[stage]
	return ctx, ok
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// findOTelReporter finds an OTelReporter in the reporter chain
func findOTelReporter(rep Reporter) (*OTelReporter, bool) {
	switch r := rep.(type) {
	case *OTelReporter:
		return r, true
	case CompositeReporter:
		for _, inner := range r {
			if otel, ok := findOTelReporter(inner); ok {
				return otel, ok
			}
		}
	}
	return nil, false
}

// reporterStream forwards tool output to the reporter
type reporterStream struct {
	R     Reporter
	Stage Stage
	IsErr bool
}

func (s *reporterStream) Write(buf []byte) (n int, err error) {
	if s.R != nil {
		// reporters may hold on to buf
		s.R.StageLog(s.Stage, s.IsErr, append([]byte(nil), buf...))
	}
	return len(buf), nil
}
