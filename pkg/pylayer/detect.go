package pylayer

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// detectFiles are the files that mark a directory as a Python app
var detectFiles = []string{
	"requirements.txt",
	"poetry.lock",
	"uv.lock",
	"pyproject.toml",
	"setup.py",
	"Pipfile",
	".python-version",
	"runtime.txt",
}

// Detect returns the Python indicator files found in the root of appDir.
// The app is a Python app iff the result is not empty.
func Detect(appDir string) ([]string, error) {
	var res []string
	for _, fn := range detectFiles {
		_, err := os.Stat(filepath.Join(appDir, fn))
		if err == nil {
			res = append(res, fn)
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Errorf("cannot check for %s: %w", fn, err)
		}
	}

	scripts, err := filepath.Glob(filepath.Join(appDir, "*.py"))
	if err != nil {
		return nil, err
	}
	for _, s := range scripts {
		res = append(res, filepath.Base(s))
	}
	return res, nil
}
