package archive_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/pylayer/pkg/pylayer/archive"
)

type entry struct {
	Name     string
	Type     byte
	Body     string
	Linkname string
}

func makeTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Typeflag: e.Type, Mode: 0755, Linkname: e.Linkname}
		if e.Type == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.Type == tar.TypeReg {
			_, err := tw.Write([]byte(e.Body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func zstdCompress(t *testing.T, in []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(in)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func gzipCompress(t *testing.T, in []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(in)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

var runtimeEntries = []entry{
	{Name: "bin/", Type: tar.TypeDir},
	{Name: "bin/python3.12", Type: tar.TypeReg, Body: "#!/bin/sh\necho python\n"},
	{Name: "bin/python3", Type: tar.TypeSymlink, Linkname: "python3.12"},
	{Name: "bin/python", Type: tar.TypeLink, Linkname: "bin/python3.12"},
	{Name: "lib/python3.12/os.py", Type: tar.TypeReg, Body: "# os"},
}

func TestUnpack(t *testing.T) {
	tests := []struct {
		Name    string
		Archive func(t *testing.T, tarball []byte) []byte
	}{
		{Name: "python.tar.zst", Archive: zstdCompress},
		{Name: "python.tar.gz", Archive: gzipCompress},
		{Name: "python.tar", Archive: func(t *testing.T, in []byte) []byte { return in }},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			dest := t.TempDir()
			data := test.Archive(t, makeTar(t, runtimeEntries))

			err := archive.Unpack(bytes.NewReader(data), test.Name, dest)
			require.NoError(t, err)

			fc, err := os.ReadFile(filepath.Join(dest, "bin", "python3"))
			require.NoError(t, err)
			require.Contains(t, string(fc), "echo python")
			require.FileExists(t, filepath.Join(dest, "bin", "python"))
			require.FileExists(t, filepath.Join(dest, "lib", "python3.12", "os.py"))

			link, err := os.Readlink(filepath.Join(dest, "bin", "python3"))
			require.NoError(t, err)
			require.Equal(t, "python3.12", link)

			stat, err := os.Stat(filepath.Join(dest, "bin", "python3.12"))
			require.NoError(t, err)
			require.NotZero(t, stat.Mode()&0100)
		})
	}
}

func TestUnpackStripComponents(t *testing.T) {
	dest := t.TempDir()
	data := makeTar(t, []entry{
		{Name: "python/", Type: tar.TypeDir},
		{Name: "python/bin/python3", Type: tar.TypeReg, Body: "x"},
	})

	err := archive.Unpack(bytes.NewReader(data), "python.tar", dest, archive.WithStripComponents(1))
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dest, "bin", "python3"))
	require.NoDirExists(t, filepath.Join(dest, "python"))
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	tests := []struct {
		Name  string
		Entry entry
	}{
		{Name: "parent path", Entry: entry{Name: "../evil", Type: tar.TypeReg, Body: "x"}},
		{Name: "nested parent path", Entry: entry{Name: "bin/../../evil", Type: tar.TypeReg, Body: "x"}},
		{Name: "absolute symlink", Entry: entry{Name: "bin/sh", Type: tar.TypeSymlink, Linkname: "/bin/sh"}},
		{Name: "escaping symlink", Entry: entry{Name: "bin/sh", Type: tar.TypeSymlink, Linkname: "../../sh"}},
		{Name: "escaping hardlink", Entry: entry{Name: "bin/sh", Type: tar.TypeLink, Linkname: "../sh"}},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "layer")

			err := archive.Unpack(bytes.NewReader(makeTar(t, []entry{test.Entry})), "x.tar", dest)
			require.Error(t, err)
			require.NoFileExists(t, filepath.Join(parent, "evil"))
		})
	}
}

func TestUnpackUnsupportedFormat(t *testing.T) {
	err := archive.Unpack(bytes.NewReader(nil), "python.zip", t.TempDir())
	require.Error(t, err)
}

func TestInstallFromHTTP(t *testing.T) {
	data := zstdCompress(t, makeTar(t, runtimeEntries))
	sum := sha256.Sum256(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runtimes/python-3.12.8.tar.zst" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	inst := &archive.Installer{BaseURL: srv.URL + "/runtimes/", HTTP: &archive.HTTPFetcher{Client: srv.Client()}}

	dest := t.TempDir()
	err := inst.Install(context.Background(), "python-3.12.8.tar.zst", hex.EncodeToString(sum[:]), dest)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dest, "bin", "python3.12"))

	err = inst.Install(context.Background(), "python-3.12.8.tar.zst", "00", t.TempDir())
	var aerr *archive.Error
	require.True(t, errors.As(err, &aerr), "expected archive.Error, got %v", err)
	require.Equal(t, archive.OpVerify, aerr.Op)

	err = inst.Install(context.Background(), "python-3.7.0.tar.zst", "", t.TempDir())
	require.True(t, errors.As(err, &aerr), "expected archive.Error, got %v", err)
	require.Equal(t, archive.OpDownload, aerr.Op)
}

func TestLocation(t *testing.T) {
	inst := &archive.Installer{BaseURL: "s3://runtimes/python/"}
	require.Equal(t, "s3://runtimes/python/python-3.12.8.tar.zst", inst.Location("python-3.12.8.tar.zst"))
	require.Equal(t, "https://mirror.internal/p.tar.zst", inst.Location("https://mirror.internal/p.tar.zst"))
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := archive.ParseS3URL("s3://runtimes/python/python-3.12.8.tar.zst")
	require.NoError(t, err)
	require.Equal(t, "runtimes", bucket)
	require.Equal(t, "python/python-3.12.8.tar.zst", key)

	_, _, err = archive.ParseS3URL("s3://runtimes/")
	require.Error(t, err)
	_, _, err = archive.ParseS3URL("https://runtimes/x")
	require.Error(t, err)
}

type fakeS3 struct {
	Objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.Objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestInstallFromS3(t *testing.T) {
	data := gzipCompress(t, makeTar(t, runtimeEntries))
	inst := &archive.Installer{
		BaseURL: "s3://runtimes/python",
		S3:      &archive.S3Fetcher{Client: &fakeS3{Objects: map[string][]byte{"runtimes/python/python.tar.gz": data}}},
	}

	dest := t.TempDir()
	err := inst.Install(context.Background(), "python.tar.gz", "", dest)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dest, "lib", "python3.12", "os.py"))

	err = inst.Install(context.Background(), "missing.tar.gz", "", t.TempDir())
	require.Error(t, err)
}
