package archive

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
)

type unpackOptions struct {
	StripComponents int
}

// UnpackOption configures Unpack
type UnpackOption func(*unpackOptions)

// WithStripComponents removes the given number of leading path elements from each entry
func WithStripComponents(n int) UnpackOption {
	return func(o *unpackOptions) {
		o.StripComponents = n
	}
}

// Decompressor picks the decompression for an archive based on its name
func Decompressor(name string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".tar"):
		return io.NopCloser(r), nil
	default:
		return nil, xerrors.Errorf("unsupported archive format: %s", path.Base(name))
	}
}

// Unpack extracts a tar archive into dest. Entries that would end up outside of dest are rejected.
func Unpack(r io.Reader, name, dest string, opts ...UnpackOption) error {
	var o unpackOptions
	for _, opt := range opts {
		opt(&o)
	}

	dec, err := Decompressor(name, r)
	if err != nil {
		return err
	}
	defer dec.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}
	err = os.MkdirAll(dest, 0755)
	if err != nil {
		return err
	}

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("cannot read archive: %w", err)
		}

		rel, ok, err := stripComponents(hdr.Name, o.StripComponents)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		target, err := within(dest, rel)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0755)
		case tar.TypeReg:
			err = writeFile(target, tr, hdr.FileInfo().Mode().Perm())
		case tar.TypeSymlink:
			err = symlink(dest, target, hdr.Linkname)
		case tar.TypeLink:
			var (
				src     string
				linkRel string
				lok     bool
			)
			linkRel, lok, err = stripComponents(hdr.Linkname, o.StripComponents)
			if err == nil && !lok {
				err = xerrors.Errorf("hardlink points outside of the archive")
			}
			if err == nil {
				src, err = within(dest, linkRel)
			}
			if err == nil {
				err = os.Link(src, target)
			}
		default:
			// device files and fifos are skipped
			continue
		}
		if err != nil {
			return xerrors.Errorf("cannot extract %s: %w", hdr.Name, err)
		}
	}
}

// stripComponents returns the path of an entry relative to the destination. ok is false
// for entries removed entirely by stripping.
func stripComponents(name string, n int) (rel string, ok bool, err error) {
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", false, xerrors.Errorf("archive entry %s escapes the destination", name)
		}
	}
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", false, nil
	}
	segs := strings.Split(name, "/")
	if len(segs) <= n {
		return "", false, nil
	}
	return strings.Join(segs[n:], "/"), true, nil
}

// within joins rel onto dest and makes sure the result does not escape dest
func within(dest, rel string) (string, error) {
	res := filepath.Join(dest, filepath.FromSlash(rel))
	if res != dest && !strings.HasPrefix(res, dest+string(filepath.Separator)) {
		return "", xerrors.Errorf("archive entry %s escapes the destination", rel)
	}
	return res, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func symlink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return xerrors.Errorf("absolute symlink to %s", linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if resolved != dest && !strings.HasPrefix(resolved, dest+string(filepath.Separator)) {
		return xerrors.Errorf("symlink to %s escapes the destination", linkname)
	}

	err := os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(linkname, target)
}
