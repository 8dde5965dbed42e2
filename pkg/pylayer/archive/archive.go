// Package archive downloads runtime archives and unpacks them into layers.
//
// Downloads are attempted once. A failed download fails the build; there are no retries.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Op names the step an archive operation failed in
type Op string

const (
	OpDownload Op = "download"
	OpVerify   Op = "verify"
	OpUnpack   Op = "unpack"
)

// Error is returned by all archive operations
type Error struct {
	Op  Op
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher downloads a single URL
type Fetcher interface {
	// Fetch writes the contents at url to dst and returns the number of bytes written
	Fetch(ctx context.Context, url string, dst io.WriterAt) (int64, error)
}

// Installer downloads and unpacks runtime archives
type Installer struct {
	// BaseURL is prepended to relative archive locations
	BaseURL string

	HTTP Fetcher

	// S3 is created from the default AWS credential chain on first use if not set
	S3       Fetcher
	S3Region string
}

// Location resolves an archive file name against the base URL
func (i *Installer) Location(file string) string {
	if strings.Contains(file, "://") || i.BaseURL == "" {
		return file
	}
	return strings.TrimSuffix(i.BaseURL, "/") + "/" + strings.TrimPrefix(file, "/")
}

func (i *Installer) fetcher(ctx context.Context, url string) (Fetcher, error) {
	switch {
	case strings.HasPrefix(url, "s3://"):
		if i.S3 == nil {
			f, err := NewS3Fetcher(ctx, i.S3Region)
			if err != nil {
				return nil, err
			}
			i.S3 = f
		}
		return i.S3, nil
	case strings.HasPrefix(url, "https://"), strings.HasPrefix(url, "http://"):
		if i.HTTP == nil {
			return &HTTPFetcher{}, nil
		}
		return i.HTTP, nil
	default:
		return nil, xerrors.Errorf("unsupported URL scheme")
	}
}

// Install downloads the archive, verifies its checksum if one is given and unpacks it into dest
func (i *Installer) Install(ctx context.Context, file, checksum, dest string, opts ...UnpackOption) error {
	url := i.Location(file)
	fetcher, err := i.fetcher(ctx, url)
	if err != nil {
		return &Error{Op: OpDownload, URL: url, Err: err}
	}

	tmp, err := os.CreateTemp("", "pylayer-archive-*")
	if err != nil {
		return &Error{Op: OpDownload, URL: url, Err: err}
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	log.WithField("url", url).Debug("downloading archive")
	n, err := fetcher.Fetch(ctx, url, tmp)
	if err != nil {
		return &Error{Op: OpDownload, URL: url, Err: err}
	}
	log.WithField("url", url).WithField("size", n).Debug("archive downloaded")

	if checksum != "" {
		_, err = tmp.Seek(0, io.SeekStart)
		if err != nil {
			return &Error{Op: OpVerify, URL: url, Err: err}
		}
		err = Verify(tmp, checksum)
		if err != nil {
			return &Error{Op: OpVerify, URL: url, Err: err}
		}
	}

	_, err = tmp.Seek(0, io.SeekStart)
	if err != nil {
		return &Error{Op: OpUnpack, URL: url, Err: err}
	}
	err = Unpack(tmp, url, dest, opts...)
	if err != nil {
		return &Error{Op: OpUnpack, URL: url, Err: err}
	}
	return nil
}

// Verify compares the SHA-256 digest of r with the hex encoded checksum
func Verify(r io.Reader, checksum string) error {
	h := sha256.New()
	_, err := io.Copy(h, r)
	if err != nil {
		return err
	}
	act := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(act, checksum) {
		return xerrors.Errorf("checksum mismatch: expected %s, got %s", checksum, act)
	}
	return nil
}
