// Package pkgmgr selects the package manager an app uses
package pkgmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// Kind is a supported package manager
type Kind string

const (
	// Pip installs from requirements.txt
	Pip Kind = "pip"
	// Poetry installs from poetry.lock
	Poetry Kind = "poetry"
	// Uv installs from uv.lock
	Uv Kind = "uv"
)

// Indicator ties a file in the app root to the package manager it implies
type Indicator struct {
	File string
	Kind Kind
}

// Indicators is ordered: the first existing file wins if an app has more than one
var Indicators = []Indicator{
	{"requirements.txt", Pip},
	{"poetry.lock", Poetry},
	{"uv.lock", Uv},
}

// ErrNoneFound is returned if the app contains none of the indicator files
var ErrNoneFound = errors.New("no package manager files found")

// Select returns the package manager of the app in appDir
func Select(appDir string) (Kind, error) {
	for _, ind := range Indicators {
		_, err := os.Stat(filepath.Join(appDir, ind.File))
		if err == nil {
			return ind.Kind, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", xerrors.Errorf("cannot check for %s: %w", ind.File, err)
		}
	}
	return "", ErrNoneFound
}

// Hints returns remediation steps for ErrNoneFound
func Hints(appDir string) []string {
	res := []string{"add one of the following files to the root of your app:"}
	for _, ind := range Indicators {
		res = append(res, fmt.Sprintf("  %s (%s)", ind.File, ind.Kind))
	}
	if _, err := os.Stat(filepath.Join(appDir, "Pipfile.lock")); err == nil {
		res = append(res, "Pipenv is not supported, export your dependencies with `pipenv requirements > requirements.txt`")
	}
	if _, err := os.Stat(filepath.Join(appDir, "pyproject.toml")); err == nil {
		res = append(res, "pyproject.toml alone is not enough, generate a lock file with `uv lock` or `poetry lock`")
	}
	return res
}
