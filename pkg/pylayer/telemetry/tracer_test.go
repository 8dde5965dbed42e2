package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

const validTraceParent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestContextFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		vars      map[string]string
		wantErr   bool
		wantValid bool
	}{
		{name: "no traceparent", vars: map[string]string{}},
		{name: "valid traceparent", vars: map[string]string{EnvvarTraceParent: validTraceParent}, wantValid: true},
		{name: "with tracestate", vars: map[string]string{EnvvarTraceParent: validTraceParent, EnvvarTraceState: "congo=t61rcWkgMzE"}, wantValid: true},
		{name: "malformed", vars: map[string]string{EnvvarTraceParent: "invalid"}, wantErr: true},
		{name: "zero trace id", vars: map[string]string{EnvvarTraceParent: "00-00000000000000000000000000000000-00f067aa0ba902b7-01"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := ContextFromEnv(context.Background(), func(k string) string { return tt.vars[k] })
			if (err != nil) != tt.wantErr {
				t.Fatalf("ContextFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if valid := trace.SpanContextFromContext(ctx).IsValid(); valid != tt.wantValid {
				t.Errorf("ContextFromEnv() span context valid = %v, want %v", valid, tt.wantValid)
			}
		})
	}
}

func TestEnvironRoundTrip(t *testing.T) {
	ctx, err := ContextFromEnv(context.Background(), func(k string) string {
		if k == EnvvarTraceParent {
			return validTraceParent
		}
		return ""
	})
	if err != nil {
		t.Fatal(err)
	}

	vars := Environ(ctx)
	if vars[EnvvarTraceParent] != validTraceParent {
		t.Errorf("Environ() traceparent = %q, want %q", vars[EnvvarTraceParent], validTraceParent)
	}

	if vars := Environ(context.Background()); len(vars) != 0 {
		t.Errorf("Environ() without span = %v, want empty", vars)
	}
}

func TestValidateTraceParent(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		wantErr     bool
	}{
		{name: "valid", traceparent: validTraceParent},
		{name: "wrong version", traceparent: "01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", wantErr: true},
		{name: "short trace id", traceparent: "00-4bf92f35-00f067aa0ba902b7-01", wantErr: true},
		{name: "short span id", traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f0-01", wantErr: true},
		{name: "long flags", traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-001", wantErr: true},
		{name: "too few parts", traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTraceParent(tt.traceparent)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTraceParent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInitializeWithoutEndpoint(t *testing.T) {
	if err := Initialize(context.Background(), "", "test"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if Enabled() {
		t.Error("tracing must stay disabled without an endpoint")
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestFinishSpan(t *testing.T) {
	_, span := StartSpan(context.Background(), "test")
	err := errors.New("failed")
	FinishSpan(span, &err)
	FinishSpan(nil, nil)
}
