package pyversion

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/gitpod-io/pylayer/pkg/pylayer/target"
)

//go:embed inventory.yaml
var defaultInventory []byte

// Build is a downloadable Python runtime for one platform
type Build struct {
	Version       string `yaml:"version"`
	Arch          string `yaml:"arch"`
	DistroName    string `yaml:"distro_name"`
	DistroVersion string `yaml:"distro_version"`
	// File is resolved against the archive base URL unless it is a URL itself
	File   string `yaml:"file"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// MajorMinor returns the X.Y part of the build version
func (b Build) MajorMinor() string {
	return semver.MajorMinor("v" + b.Version)[1:]
}

// Inventory lists the runtime builds pylayer can install
type Inventory struct {
	Builds []Build `yaml:"builds"`
}

// DefaultInventory returns the inventory compiled into pylayer
func DefaultInventory() (*Inventory, error) {
	return parseInventory(defaultInventory)
}

// LoadInventory reads an inventory file, e.g. to point pylayer at a mirror with its own builds
func LoadInventory(fn string) (*Inventory, error) {
	fc, err := os.ReadFile(fn)
	if err != nil {
		return nil, xerrors.Errorf("cannot read inventory: %w", err)
	}
	return parseInventory(fc)
}

func parseInventory(fc []byte) (*Inventory, error) {
	var res Inventory
	err := yaml.Unmarshal(fc, &res)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse inventory: %w", err)
	}
	for i, b := range res.Builds {
		if !semver.IsValid("v"+b.Version) || strings.Count(b.Version, ".") != 2 {
			return nil, xerrors.Errorf("inventory entry %d: invalid version %q", i, b.Version)
		}
		if b.Arch == "" || b.DistroName == "" || b.DistroVersion == "" || b.File == "" {
			return nil, xerrors.Errorf("inventory entry %d (%s): arch, distro_name, distro_version and file are required", i, b.Version)
		}
	}
	return &res, nil
}

// SupportedVersions lists all X.Y versions in the inventory, oldest first
func (inv *Inventory) SupportedVersions() []string {
	idx := make(map[string]struct{})
	for _, b := range inv.Builds {
		idx[b.MajorMinor()] = struct{}{}
	}
	res := make([]string, 0, len(idx))
	for v := range idx {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return semver.Compare("v"+res[i], "v"+res[j]) < 0 })
	return res
}

// ResolveErrorKind classifies why no runtime build was found
type ResolveErrorKind string

const (
	// UnsupportedVersion means the inventory has no build of the requested version at all
	UnsupportedVersion ResolveErrorKind = "UnsupportedVersion"
	// NoMatchingBuild means the version exists, but not for the target platform
	NoMatchingBuild ResolveErrorKind = "NoMatchingBuild"
)

// ResolveError is returned when no runtime build satisfies a request
type ResolveError struct {
	Kind      ResolveErrorKind
	Requested RequestedVersion
	Target    target.Target
	Supported []string
}

func (e *ResolveError) Error() string {
	if e.Kind == NoMatchingBuild {
		return fmt.Sprintf("Python %s is not available for %s", e.Requested, e.Target)
	}
	return fmt.Sprintf("Python %s is not supported", e.Requested)
}

// Hints returns remediation steps for the user
func (e *ResolveError) Hints() []string {
	res := []string{fmt.Sprintf("supported Python versions are %s", strings.Join(e.Supported, ", "))}
	if e.Requested.Origin != OriginDefault {
		res = append(res, fmt.Sprintf("update the version in %s", originFile(e.Requested.Origin)))
	}
	return res
}

func originFile(o Origin) string {
	if o == OriginLegacyFile {
		return LegacyFile
	}
	return PinFile
}

// Resolve picks the build for the requested version on the given target. Without a patch
// version the newest patch release of that X.Y version available for the target is chosen.
func (inv *Inventory) Resolve(req RequestedVersion, tgt target.Target) (*Build, error) {
	var (
		known      bool
		candidates []Build
	)
	for _, b := range inv.Builds {
		if b.MajorMinor() != req.MajorMinor() {
			continue
		}
		if req.Patch != nil && b.Version != req.String() {
			continue
		}
		known = true
		if b.Arch != tgt.Arch || b.DistroName != tgt.DistroName || b.DistroVersion != tgt.DistroVersion {
			continue
		}
		candidates = append(candidates, b)
	}

	if !known {
		return nil, &ResolveError{Kind: UnsupportedVersion, Requested: req, Target: tgt, Supported: inv.SupportedVersions()}
	}
	if len(candidates) == 0 {
		return nil, &ResolveError{Kind: NoMatchingBuild, Requested: req, Target: tgt, Supported: inv.supportedOn(tgt)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return semver.Compare("v"+candidates[i].Version, "v"+candidates[j].Version) > 0
	})
	res := candidates[0]
	return &res, nil
}

func (inv *Inventory) supportedOn(tgt target.Target) []string {
	var filtered Inventory
	for _, b := range inv.Builds {
		if b.Arch == tgt.Arch && b.DistroName == tgt.DistroName && b.DistroVersion == tgt.DistroVersion {
			filtered.Builds = append(filtered.Builds, b)
		}
	}
	return filtered.SupportedVersions()
}
