// Package target describes the platform a build runs on
package target

import (
	"fmt"
	"runtime"

	"golang.org/x/xerrors"
)

// Target is supplied by the build platform and never changes during a build.
// It only feeds into layer metadata and runtime selection.
type Target struct {
	Arch          string `json:"arch" yaml:"arch" mapstructure:"arch"`
	DistroName    string `json:"distroName" yaml:"distroName" mapstructure:"distro_name"`
	DistroVersion string `json:"distroVersion" yaml:"distroVersion" mapstructure:"distro_version"`
	StackID       string `json:"stackId,omitempty" yaml:"stackId,omitempty" mapstructure:"stack_id"`
}

// Distro combines distribution name and version, e.g. ubuntu-24.04
func (t Target) Distro() string {
	return fmt.Sprintf("%s-%s", t.DistroName, t.DistroVersion)
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Distro(), t.Arch)
}

// Validate makes sure all fields needed for runtime selection are set
func (t Target) Validate() error {
	if t.Arch == "" {
		return xerrors.Errorf("target architecture is not set")
	}
	if t.DistroName == "" || t.DistroVersion == "" {
		return xerrors.Errorf("target distribution is not set")
	}
	return nil
}

// Host returns the architecture pylayer itself runs on, used when the platform does not provide one
func Host() string {
	return runtime.GOARCH
}
