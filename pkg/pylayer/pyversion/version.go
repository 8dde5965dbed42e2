// Package pyversion determines which Python version an app requests and which
// runtime build satisfies that request.
package pyversion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// PinFile is the version pin file apps use to request a Python version
	PinFile = ".python-version"
	// LegacyFile is the deprecated runtime.txt version spec file
	LegacyFile = "runtime.txt"
)

// placeholder replaces bytes that would be invisible or ambiguous when echoed back to the user
const placeholder = "�"

// asciiSpace is trimmed from versions. Unicode spaces are kept so they surface as placeholders.
const asciiSpace = " \t\r\n\v\f"

var (
	pinPattern    = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?$`)
	legacyPattern = regexp.MustCompile(`^python-(\d+)\.(\d+)(?:\.(\d+))?$`)
)

// Origin names the source a requested version came from
type Origin string

const (
	// OriginPinFile means the version came from .python-version
	OriginPinFile Origin = "pin-file"
	// OriginLegacyFile means the version came from runtime.txt
	OriginLegacyFile Origin = "legacy-spec-file"
	// OriginDefault means the app did not request a version
	OriginDefault Origin = "default"
)

// RequestedVersion is the Python version an app asks for. Patch is nil if the
// source did not specify one, in which case the inventory picks the newest patch.
type RequestedVersion struct {
	Major  int    `json:"major" yaml:"major"`
	Minor  int    `json:"minor" yaml:"minor"`
	Patch  *int   `json:"patch,omitempty" yaml:"patch,omitempty"`
	Origin Origin `json:"origin" yaml:"origin"`
}

// MajorMinor renders the version as X.Y
func (v RequestedVersion) MajorMinor() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v RequestedVersion) String() string {
	if v.Patch == nil {
		return v.MajorMinor()
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, *v.Patch)
}

// ParseVersion parses X.Y or X.Y.Z
func ParseVersion(s string, origin Origin) (RequestedVersion, error) {
	return parseMatch(pinPattern, s, origin, "")
}

// parseMatch matches s against re, whose groups are major, minor and optional patch.
// Components that do not fit an int are an invalid format like any other mismatch.
func parseMatch(re *regexp.Regexp, s string, origin Origin, file string) (RequestedVersion, error) {
	invalid := &Error{Kind: InvalidVersionFormat, File: file, Contents: Sanitize(s)}
	m := re.FindStringSubmatch(s)
	if m == nil {
		return RequestedVersion{}, invalid
	}

	var (
		res = RequestedVersion{Origin: origin}
		err error
	)
	res.Major, err = strconv.Atoi(m[1])
	if err != nil {
		return RequestedVersion{}, invalid
	}
	res.Minor, err = strconv.Atoi(m[2])
	if err != nil {
		return RequestedVersion{}, invalid
	}
	if m[3] != "" {
		patch, err := strconv.Atoi(m[3])
		if err != nil {
			return RequestedVersion{}, invalid
		}
		res.Patch = &patch
	}
	return res, nil
}

// ErrorKind classifies why no version could be determined
type ErrorKind string

const (
	// NoVersionSpecified means the pin file exists but contains no version
	NoVersionSpecified ErrorKind = "NoVersionSpecified"
	// InvalidVersionFormat means a version did not match the expected format
	InvalidVersionFormat ErrorKind = "InvalidVersionFormat"
	// MultipleVersionsSpecified means the pin file lists more than one version
	MultipleVersionsSpecified ErrorKind = "MultipleVersionsSpecified"
	// UnsupportedLegacyFile means runtime.txt was found but is no longer supported
	UnsupportedLegacyFile ErrorKind = "UnsupportedLegacyFile"
	// ReadError means a version file could not be read
	ReadError ErrorKind = "ReadError"
)

// Error is returned when the requested version cannot be determined
type Error struct {
	Kind ErrorKind
	File string
	// Contents holds the sanitized offending input for InvalidVersionFormat
	Contents string
	// Lines holds the sanitized version lines for MultipleVersionsSpecified
	Lines []string
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case NoVersionSpecified:
		return fmt.Sprintf("%s does not contain a Python version", e.File)
	case InvalidVersionFormat:
		return fmt.Sprintf("invalid Python version in %s: %q", e.File, e.Contents)
	case MultipleVersionsSpecified:
		return fmt.Sprintf("%s contains multiple Python versions: %s", e.File, strings.Join(e.Lines, ", "))
	case UnsupportedLegacyFile:
		return fmt.Sprintf("%s is no longer supported", e.File)
	default:
		return fmt.Sprintf("cannot read %s: %v", e.File, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Hints returns remediation steps for the user
func (e *Error) Hints() []string {
	switch e.Kind {
	case NoVersionSpecified:
		return []string{
			fmt.Sprintf("add a single line with the major Python version to %s, e.g. 3.13", e.File),
		}
	case InvalidVersionFormat:
		if e.File == LegacyFile {
			return []string{"the version must be in the form python-X.Y or python-X.Y.Z, e.g. python-3.13"}
		}
		hints := []string{"the version must be in the form X.Y or X.Y.Z, e.g. 3.13"}
		if strings.Contains(e.Contents, placeholder) {
			hints = append(hints, "the file contains invisible or non-ASCII characters (shown as "+placeholder+"), retype the version")
		}
		if strings.HasPrefix(e.Contents, "python-") {
			hints = append(hints, "remove the python- prefix, it is only used in "+LegacyFile)
		}
		return hints
	case MultipleVersionsSpecified:
		return []string{fmt.Sprintf("keep exactly one version line in %s, comment lines start with #", e.File)}
	case UnsupportedLegacyFile:
		return []string{
			fmt.Sprintf("move the version to %s: run `echo 3.13 > %s` and delete %s", PinFile, PinFile, LegacyFile),
		}
	default:
		return nil
	}
}

// Options configure version resolution
type Options struct {
	// Default is used when the app does not request a version
	Default RequestedVersion
	// AllowLegacyFile enables parsing of runtime.txt instead of rejecting it
	AllowLegacyFile bool
}

// DefaultVersion is the Python version apps get if they do not request one
var DefaultVersion = RequestedVersion{Major: 3, Minor: 13, Origin: OriginDefault}

// Resolve determines the requested Python version of the app in appDir.
// The pin file takes precedence over the legacy file, which takes precedence over the default.
func Resolve(appDir string, opts Options) (RequestedVersion, error) {
	fc, err := os.ReadFile(filepath.Join(appDir, PinFile))
	if err == nil {
		if _, lerr := os.Stat(filepath.Join(appDir, LegacyFile)); lerr == nil {
			log.WithField("file", LegacyFile).Warnf("ignoring %s because %s exists", LegacyFile, PinFile)
		}
		return ParsePinFile(string(fc))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return RequestedVersion{}, &Error{Kind: ReadError, File: PinFile, Err: err}
	}

	fc, err = os.ReadFile(filepath.Join(appDir, LegacyFile))
	if err == nil {
		if !opts.AllowLegacyFile {
			return RequestedVersion{}, &Error{Kind: UnsupportedLegacyFile, File: LegacyFile}
		}
		return ParseLegacyFile(string(fc))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return RequestedVersion{}, &Error{Kind: ReadError, File: LegacyFile, Err: err}
	}

	res := opts.Default
	if res.Major == 0 && res.Minor == 0 {
		res = DefaultVersion
	}
	res.Origin = OriginDefault
	return res, nil
}

// ParsePinFile parses the contents of a .python-version file. Blank lines and lines
// starting with # are ignored; exactly one version line must remain.
func ParsePinFile(contents string) (RequestedVersion, error) {
	var lines []string
	for _, l := range strings.Split(contents, "\n") {
		l = strings.Trim(l, asciiSpace)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines = append(lines, l)
	}

	switch len(lines) {
	case 0:
		return RequestedVersion{}, &Error{Kind: NoVersionSpecified, File: PinFile}
	case 1:
	default:
		sanitized := make([]string, len(lines))
		for i, l := range lines {
			sanitized[i] = Sanitize(l)
		}
		return RequestedVersion{}, &Error{Kind: MultipleVersionsSpecified, File: PinFile, Lines: sanitized}
	}

	return parseMatch(pinPattern, lines[0], OriginPinFile, PinFile)
}

// ParseLegacyFile parses the contents of a runtime.txt file
func ParseLegacyFile(contents string) (RequestedVersion, error) {
	return parseMatch(legacyPattern, strings.Trim(contents, asciiSpace), OriginLegacyFile, LegacyFile)
}

// Sanitize collapses whitespace runs and replaces non-ASCII and control characters with a
// placeholder glyph, so that hidden characters become visible in error messages.
func Sanitize(s string) string {
	var b strings.Builder
	fields := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(asciiSpace, r) })
	for _, r := range strings.Join(fields, " ") {
		if r > 0x7e || r < 0x20 {
			b.WriteString(placeholder)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
