// Package rezip repackages Microsoft Cabinet archives as zip archives
// using the universal Store and Deflate compression methods.
package rezip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Defacto2/cabinet"
	"github.com/Defacto2/helper"
	"github.com/klauspost/compress/flate"
)

const createUnique = os.O_RDWR | os.O_CREATE | os.O_EXCL

var ErrTest = errors.New("rezip test failed")

func compressor(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.BestCompression)
}

func decompressor(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// Cabinet repackages the src cabinet into the dest zip file using the
// Deflate method. The total number of uncompressed bytes written to the
// zip file is returned.
//
// The dest must be a valid file path and should include the .zip extension.
// If the dest file already exists, an error is returned.
// Files continued from or into another cabinet are left out.
func Cabinet(src, dest string, opts ...cabinet.Option) (int64, error) {
	a, err := cabinet.OpenFile(src, opts...)
	if err != nil {
		return 0, fmt.Errorf("rezip cabinet failed to open: %w", err)
	}
	defer a.Close()

	zipfile, err := os.OpenFile(dest, createUnique, helper.WriteWriteRead)
	if err != nil {
		return 0, fmt.Errorf("rezip cabinet failed to open file: %w", err)
	}
	n, err := Write(zipfile, a)
	if cerr := zipfile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("rezip cabinet: %w", err)
	}
	return n, nil
}

// Write writes the files of a to w as a zip archive, keeping the names and
// modification times. Each folder of the cabinet is decoded once.
//
// The archive must be opened without cabinet.WithWorkers, as the zip entries
// are written one after another.
func Write(w io.Writer, a *cabinet.Archive) (int64, error) {
	deflater := zip.NewWriter(w)
	deflater.RegisterCompressor(zip.Deflate, compressor)

	continued := 0
	for _, e := range a.All() {
		if e.Continued() {
			continued++
		}
	}
	sum, err := a.ExtractAll(func(e cabinet.Entry) (io.WriteCloser, error) {
		fh := &zip.FileHeader{
			Name:     e.Path(),
			Method:   zip.Deflate,
			Modified: e.Modified,
		}
		fh.SetMode(e.FileInfo().Mode())
		dst, err := deflater.CreateHeader(fh)
		if err != nil {
			return nil, err
		}
		return nopCloser{dst}, nil
	})
	if err != nil && !onlyContinued(sum, continued) {
		return 0, err
	}
	if err := deflater.Close(); err != nil {
		return 0, err
	}
	return sum.Bytes, nil
}

// onlyContinued reports whether every failure is one of the n continued files.
func onlyContinued(sum cabinet.Summary, n int) bool {
	if len(sum.Failed) != n {
		return false
	}
	for _, f := range sum.Failed {
		if !errors.Is(f, cabinet.ErrContinued) {
			return false
		}
	}
	return true
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Test reads every file of the named zip archive and checks its CRC-32.
// If the file is a directory or empty, an error is returned.
func Test(name string) error {
	inf, err := os.Stat(name)
	if err != nil {
		return fmt.Errorf("rezip test failed to stat file: %w", err)
	}
	if inf.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrTest, name)
	}
	if inf.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrTest, name)
	}
	r, err := zip.OpenReader(name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTest, err)
	}
	defer r.Close()
	r.RegisterDecompressor(zip.Deflate, decompressor)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTest, f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTest, f.Name, err)
		}
	}
	return nil
}
