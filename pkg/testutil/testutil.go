package testutil

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Setup describes an app directory and the tools that should be on the PATH when building it
type Setup struct {
	Files map[string]string `yaml:"files"`
	Tools []Tool            `yaml:"tools"`
}

// Tool is a fake executable
type Tool struct {
	Name   string `yaml:"name"`
	Script string `yaml:"script"`
}

// Fixture is a materialized setup
type Fixture struct {
	Root   string
	AppDir string
	BinDir string
}

// LoadFromYAML loads an app setup from a YAML file
func LoadFromYAML(in io.Reader) (*Setup, error) {
	fc, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}

	var res Setup
	err = yaml.Unmarshal(fc, &res)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// Materialize produces the app directory and tool directory below root
func (s Setup) Materialize(root string) (*Fixture, error) {
	res := &Fixture{
		Root:   root,
		AppDir: filepath.Join(root, "app"),
		BinDir: filepath.Join(root, "bin"),
	}
	for _, dir := range []string{res.AppDir, res.BinDir} {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, err
		}
	}

	for fn, content := range s.Files {
		p := filepath.Join(res.AppDir, fn)
		err := os.MkdirAll(filepath.Dir(p), 0755)
		if err != nil {
			return nil, err
		}
		err = os.WriteFile(p, []byte(content), 0644)
		if err != nil {
			return nil, err
		}
	}

	for _, tool := range s.Tools {
		_, err := WriteTool(res.BinDir, tool.Name, tool.Script)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// WriteTool writes a shell script named name into dir and makes it executable
func WriteTool(dir, name, script string) (string, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return "", err
	}
	fn := filepath.Join(dir, name)
	if !strings.HasPrefix(script, "#!") {
		script = "#!/bin/sh\n" + script
	}
	err = os.WriteFile(fn, []byte(script), 0755)
	if err != nil {
		return "", err
	}
	return fn, nil
}

// TarZst produces a zstd compressed tar archive. Keys are paths, values file contents.
// Every file is executable, so the archive can carry tools.
func TarZst(files map[string]string) ([]byte, error) {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)
	for _, n := range names {
		err = tw.WriteHeader(&tar.Header{
			Name:     n,
			Typeflag: tar.TypeReg,
			Mode:     0755,
			Size:     int64(len(files[n])),
		})
		if err != nil {
			return nil, err
		}
		_, err = tw.Write([]byte(files[n]))
		if err != nil {
			return nil, err
		}
	}
	err = tw.Close()
	if err != nil {
		return nil, err
	}
	err = zw.Close()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fakePython stands in for the interpreter and, copied under another name, for the tools
// installed with it. Every invocation is appended to the log file. Tools fail if the
// working directory contains .fail-<name>.
const fakePython = `#!/bin/sh
name=$(basename "$0")
echo "$name $*" >> "{{LOG}}"
if [ -f ".fail-$name" ]; then
  echo "$name failed on purpose" >&2
  exit 3
fi
if [ "$name" != "python" ]; then
  if grep -qi '^django' requirements.txt 2>/dev/null; then
    mkdir -p "$VIRTUAL_ENV/lib/python3.12/site-packages/django"
  fi
  exit 0
fi
case "$1" in
-m)
  case "$2" in
  venv)
    for dir; do :; done
    mkdir -p "$dir/bin"
    cp "$0" "$dir/bin/python"
    ;;
  pip)
    target="$PYTHONUSERBASE"
    prev=""
    for a; do
      if [ "$prev" = "--prefix" ]; then target="$a"; fi
      prev="$a"
    done
    tool="${prev%%==*}"
    mkdir -p "$target/bin"
    cp "$0" "$target/bin/$tool"
    ;;
  esac
  ;;
manage.py)
  if [ "$2" = "collectstatic" ]; then
    mkdir -p staticfiles
  fi
  ;;
esac
`

// FakeRuntime produces a runtime archive with a bin/python that records its invocations in logFile
func FakeRuntime(logFile string) ([]byte, error) {
	return TarZst(map[string]string{
		"bin/python": strings.ReplaceAll(fakePython, "{{LOG}}", logFile),
	})
}

// ReadLog returns the non-empty lines of a log file written by the fake runtime.
// A missing log file yields no lines.
func ReadLog(logFile string) ([]string, error) {
	fc, err := os.ReadFile(logFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res []string
	for _, l := range strings.Split(string(fc), "\n") {
		if l == "" {
			continue
		}
		res = append(res, l)
	}
	return res, nil
}
