package cabinet

// Package file content.go contains the path based listing and extraction to a directory.

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Defacto2/helper"
	"github.com/Defacto2/magicnumber"
)

const cabx = ".cab" // Microsoft Cabinet

// Sniff reports whether the named file begins with a cabinet signature.
func Sniff(name string) (bool, error) {
	r, err := os.Open(name)
	if err != nil {
		return false, fmt.Errorf("sniff open %w", err)
	}
	defer r.Close()
	sign, err := magicnumber.Archive(r)
	if err != nil {
		return false, fmt.Errorf("sniff magic %w: %w", ErrNotArchive, err)
	}
	return sign == magicnumber.MicrosoftCABinet, nil
}

// Content is the listing of a cabinet file.
//
//	func ListCab() {
//	    var c cabinet.Content
//	    err := c.Read("setup.cab")
//	    if err != nil {
//	        fmt.Fprintf(os.Stderr, "error: %v\n", err)
//	        return
//	    }
//	    for name := range slices.Values(c.Files) {
//	        fmt.Println(name)
//	    }
//	}
type Content struct {
	Ext   string   // Ext returns file extension of the archive.
	Files []string // Files returns list of files within the archive.
}

// Read lists the names of the files in the src cabinet.
func (c *Content) Read(src string, opts ...Option) error {
	if err := stat(src); err != nil {
		return fmt.Errorf("read %w", err)
	}
	if ok, err := Sniff(src); err != nil {
		return fmt.Errorf("read %w", err)
	} else if !ok {
		return fmt.Errorf("read %w: %s", ErrNotArchive, filepath.Base(src))
	}
	a, err := OpenFile(src, opts...)
	if err != nil {
		return fmt.Errorf("read %w", err)
	}
	defer a.Close()
	c.Ext = cabx
	c.Files = a.Names()
	return nil
}

func stat(src string) error {
	st, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissing, filepath.Base(src))
	}
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s", ErrFile, filepath.Base(src))
	}
	return nil
}

// List returns the names of the files within the src cabinet.
func List(src string) ([]string, error) {
	var c Content
	if err := c.Read(src); err != nil {
		return nil, fmt.Errorf("cabinet list %w", err)
	}
	return c.Files, nil
}

// Extractor extracts the files of a cabinet into a directory.
//
//	func Extract() {
//	    x := cabinet.Extractor{
//	        Source:      "setup.cab",
//	        Destination: os.TempDir(),
//	    }
//	    err := x.Extract("README.TXT", "*.INF")
//	    if err != nil {
//	        fmt.Fprintf(os.Stderr, "error: %v\n", err)
//	        return
//	    }
//	}
type Extractor struct {
	Source      string   // The source cabinet file.
	Destination string   // The extraction destination directory.
	Options     []Option // Options used to open the source.
}

// Extract the targets from the source cabinet to the destination directory.
// Targets are selector patterns, see [Selector], and if the targets are empty
// then all files are extracted. Directories within the cabinet are created
// and the file modification times are restored.
//
// Every file that could not be extracted is reported in the returned error,
// which wraps ExtractError values.
func (x Extractor) Extract(targets ...string) error {
	if x.Destination == "" {
		return ErrDest
	}
	if st, err := os.Stat(x.Destination); err != nil {
		return fmt.Errorf("extractor destination %w: %s", err, x.Destination)
	} else if !st.IsDir() {
		return fmt.Errorf("extractor destination %w: %s", ErrPath, x.Destination)
	}
	if ok, err := Sniff(x.Source); err != nil {
		return fmt.Errorf("extractor %w", err)
	} else if !ok {
		return fmt.Errorf("extractor %w: %s", ErrNotArchive, filepath.Base(x.Source))
	}
	a, err := OpenFile(x.Source, x.Options...)
	if err != nil {
		return fmt.Errorf("extractor %w", err)
	}
	defer a.Close()

	entries, err := x.targets(a, targets...)
	if err != nil {
		return err
	}
	if _, err := a.extract(entries, x.sink); err != nil {
		return fmt.Errorf("extractor %w", err)
	}
	return nil
}

// targets returns the entries that match any of the patterns, in listing order.
func (x Extractor) targets(a *Archive, patterns ...string) ([]Entry, error) {
	if len(patterns) == 0 {
		return a.List(), nil
	}
	selectors := make([]*Selector, 0, len(patterns))
	for _, p := range patterns {
		s, err := Compile(p)
		if err != nil {
			return nil, fmt.Errorf("extractor %w", err)
		}
		selectors = append(selectors, s)
	}
	var found []Entry
	for _, e := range a.entries {
		for _, s := range selectors {
			if s.Match(e.Name) {
				found = append(found, e)
				break
			}
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("extractor %w: %s", ErrNotFound, strings.Join(patterns, ", "))
	}
	return found, nil
}

// Path returns the destination path of the named file, or an error when the
// name would resolve outside of the destination directory.
func (x Extractor) Path(name string) (string, error) {
	rel := strings.ReplaceAll(name, `\`, "/")
	rel = strings.TrimLeft(rel, "/")
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafe, name)
	}
	return filepath.Join(x.Destination, filepath.FromSlash(rel)), nil
}

func (x Extractor) sink(e Entry) (io.WriteCloser, error) {
	name, err := x.Path(e.Name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, helper.WriteWriteRead)
	if err != nil {
		return nil, err
	}
	return &stampFile{File: f, modified: e.Modified}, nil
}

// stampFile sets the modification time of an extracted file once it is closed.
type stampFile struct {
	*os.File
	modified time.Time
}

func (f *stampFile) Close() error {
	if err := f.File.Close(); err != nil {
		return err
	}
	if f.modified.IsZero() {
		return nil
	}
	return os.Chtimes(f.Name(), f.modified, f.modified)
}

// Abort removes a file whose extraction failed.
func (f *stampFile) Abort() error {
	cerr := f.File.Close()
	if err := os.Remove(f.Name()); err != nil {
		return err
	}
	return cerr
}

// ExtractAll extracts all files from the src cabinet to the destination directory.
func ExtractAll(src, dst string) error {
	x := Extractor{Source: src, Destination: dst}
	if err := x.Extract(); err != nil {
		return fmt.Errorf("extract all %w", err)
	}
	return nil
}

// ExtractSource extracts the src cabinet into a new content directory and returns its path.
// A directory that already holds extracted files is reused.
func ExtractSource(src string) (string, error) {
	if err := stat(src); err != nil {
		return "", fmt.Errorf("extract source %w", err)
	}
	dst, err := helper.MkContent(src)
	if err != nil {
		return "", fmt.Errorf("extract source content directory: %w", err)
	}
	if n, err := helper.Count(dst); err == nil && n > 0 {
		return dst, nil
	}
	if err := ExtractAll(src, dst); err != nil {
		defer os.RemoveAll(dst)
		return "", fmt.Errorf("extract source %w", err)
	}
	return dst, nil
}
