package pylayer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gitpod-io/pylayer/pkg/pylayer/archive"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pkgmgr"
	"github.com/gitpod-io/pylayer/pkg/pylayer/pyversion"
	"github.com/gitpod-io/pylayer/pkg/pylayer/runner"
)

// Stage is one step of the build pipeline
type Stage string

const (
	// StageChecks validates the app directory, the target and the forwarded environment
	StageChecks Stage = "checks"
	// StageResolveVersion determines the requested Python version and the runtime build satisfying it
	StageResolveVersion Stage = "resolve-version"
	// StageSelectPackageManager picks pip, poetry or uv from the files in the app directory
	StageSelectPackageManager Stage = "select-package-manager"
	// StageInstallRuntime restores or installs the Python runtime layer
	StageInstallRuntime Stage = "install-runtime"
	// StageInstallPackagingTool restores or installs the package manager itself
	StageInstallPackagingTool Stage = "install-packaging-tool"
	// StageInstallDependencies creates the venv and installs the app dependencies into it
	StageInstallDependencies Stage = "install-dependencies"
	// StagePostProcess runs framework hooks and removes stale layers
	StagePostProcess Stage = "post-process"
)

// ErrorKind classifies build failures
type ErrorKind string

const (
	// ConfigurationError is caused by the app or platform configuration and fixable by the user
	ConfigurationError ErrorKind = "ConfigurationError"
	// CacheIntegrityError means previous layer metadata was unusable. The layer is rebuilt, the build does not fail.
	CacheIntegrityError ErrorKind = "CacheIntegrityError"
	// ExternalToolError means a tool could not be started or exited with a non-zero status
	ExternalToolError ErrorKind = "ExternalToolError"
	// TransportError means a runtime archive could not be downloaded or unpacked
	TransportError ErrorKind = "TransportError"
	// InternalError indicates a defect in pylayer or its environment
	InternalError ErrorKind = "InternalError"
)

// BuildError is the error every failed build returns
type BuildError struct {
	Stage   Stage
	Kind    ErrorKind
	Message string
	Hints   []string
	// Output holds what the failing tool printed last, if anything
	Output []byte
	Cause  error
}

func (e *BuildError) Error() string {
	if e.Cause == nil || e.Message == e.Cause.Error() {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Format renders the error for the user:
//
//	[ConfigurationError] <message>
//	  • <hint 1>
//	  • <hint 2>
//
//	Output:
//	  <last lines of the tool output>
//
// In verbose mode the full error chain is appended.
func (e *BuildError) Format(verbose bool) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "[%s] %s", e.Kind, e.Message)

	if len(e.Hints) > 0 {
		msg.WriteString("\n")
		for _, h := range e.Hints {
			msg.WriteString("\n  • ")
			msg.WriteString(h)
		}
	}

	if out := strings.TrimSpace(string(e.Output)); out != "" {
		msg.WriteString("\n\nOutput:")
		for _, l := range strings.Split(out, "\n") {
			msg.WriteString("\n  ")
			msg.WriteString(l)
		}
	}

	if verbose && e.Cause != nil {
		msg.WriteString("\n\nError chain:")
		err := e.Cause
		for depth := 1; err != nil; depth++ {
			fmt.Fprintf(&msg, "\n  %d. %s", depth, err.Error())
			err = errors.Unwrap(err)
		}
	}
	return msg.String()
}

// classify maps any error a stage returns to exactly one BuildError
func classify(stage Stage, err error) *BuildError {
	if err == nil {
		return nil
	}

	var berr *BuildError
	if errors.As(err, &berr) {
		return berr
	}

	var (
		verr    *pyversion.Error
		rerr    *pyversion.ResolveError
		exitErr *runner.ExitStatusError
		ioErr   *runner.IoError
		aerr    *archive.Error
	)
	switch {
	case errors.As(err, &verr):
		if verr.Kind == pyversion.ReadError {
			return &BuildError{Stage: stage, Kind: InternalError, Message: verr.Error(), Cause: err}
		}
		return &BuildError{Stage: stage, Kind: ConfigurationError, Message: verr.Error(), Hints: verr.Hints(), Cause: err}
	case errors.As(err, &rerr):
		return &BuildError{Stage: stage, Kind: ConfigurationError, Message: rerr.Error(), Hints: rerr.Hints(), Cause: err}
	case errors.Is(err, pkgmgr.ErrNoneFound):
		return &BuildError{Stage: stage, Kind: ConfigurationError, Message: "cannot determine the package manager of the app", Hints: []string{"add requirements.txt, poetry.lock or uv.lock to the root of your app"}, Cause: err}
	case errors.As(err, &exitErr):
		return &BuildError{Stage: stage, Kind: ExternalToolError, Message: exitErr.Error(), Output: exitErr.Output, Cause: err}
	case errors.As(err, &ioErr):
		return &BuildError{Stage: stage, Kind: ExternalToolError, Message: ioErr.Error(), Cause: err}
	case errors.As(err, &aerr):
		return &BuildError{
			Stage:   stage,
			Kind:    TransportError,
			Message: aerr.Error(),
			Hints:   []string{"check the archive URL and your network connection, downloads are not retried"},
			Cause:   err,
		}
	default:
		return &BuildError{Stage: stage, Kind: InternalError, Message: "internal error", Cause: err}
	}
}

// configError produces a ConfigurationError
func configError(stage Stage, msg string, hints ...string) *BuildError {
	return &BuildError{Stage: stage, Kind: ConfigurationError, Message: msg, Hints: hints}
}
