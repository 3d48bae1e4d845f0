// Package cabinet provides native reading, listing and extraction of Microsoft Cabinet archives.
//
// A cabinet holds one or more folders, each a single compressed stream cut into
// data blocks, and a table of files that name ranges of those streams.
// The package parses the [cabinet format] and decodes the folders without
// any external programs, supporting the compression methods.
//
//  1. None - stored data blocks
//  2. MSZIP - deflate blocks sharing a 32 KiB history, see package [mszip]
//  3. LZX - window sizes from 32 KiB to 2 MiB, see package [lzx]
//  4. Quantum - framing only, the entropy decoder is supplied with [WithQuantum], see package [quantum]
//
// Multi cabinet sets are detected and reported, but files continued across
// cabinets cannot be extracted.
//
// [cabinet format]: https://learn.microsoft.com/en-us/previous-versions/bb267310(v=vs.85)
package cabinet

import (
	"fmt"
	"io"
	"iter"
	"os"
	"slices"
	"strings"

	"github.com/Defacto2/cabinet/internal/cursor"
	"go.uber.org/zap"
)

// Archive is an opened cabinet.
// The header, folders and entries are read once by Open and never change.
// An Archive is safe for concurrent use when its source is.
type Archive struct {
	Header  Header
	Folders []Folder

	entries []Entry
	src     io.ReaderAt
	size    int64
	cfg     Config
	closer  io.Closer
}

// Open parses the header, folder table and file table of the cabinet in r,
// which holds size bytes. No file data is read until an extraction.
func Open(r io.ReaderAt, size int64, opts ...Option) (*Archive, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &Archive{src: r, size: size, cfg: cfg}

	h, err := parseHeader(cursor.New(r, 0, size), size, &a.cfg)
	if err != nil {
		return nil, err
	}
	a.Header = h
	c := cursor.New(r, 0, int64(h.Size))
	if a.Folders, err = parseFolders(c, h); err != nil {
		return nil, err
	}
	if a.entries, err = parseFiles(c, h, a.Folders, &a.cfg); err != nil {
		return nil, err
	}
	a.cfg.Logger.Debug("cabinet open",
		zap.String("version", h.Version()),
		zap.Uint32("size", h.Size),
		zap.Int("folders", len(a.Folders)),
		zap.Int("files", len(a.entries)),
		zap.Bool("continued", h.Continued()))
	return a, nil
}

// OpenFile opens the named cabinet file.
// The file is closed by Close.
func OpenFile(name string, opts ...Option) (*Archive, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("cabinet open %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cabinet stat %w", err)
	}
	if st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("cabinet open %w: %s", ErrFile, name)
	}
	a, err := Open(f, st.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f
	return a, nil
}

// Close releases the file opened by OpenFile. It does nothing for archives
// opened from a caller's reader.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// Len returns the number of files listed.
func (a *Archive) Len() int { return len(a.entries) }

// List returns a copy of the files in listing order.
func (a *Archive) List() []Entry { return slices.Clone(a.entries) }

// All iterates over the listing position and entry of every file.
func (a *Archive) All() iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		for i, e := range a.entries {
			if !yield(i, e) {
				return
			}
		}
	}
}

// Names returns the file names in listing order.
func (a *Archive) Names() []string {
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.Name
	}
	return names
}

// Lookup returns every entry with exactly the given name, in listing order.
// Backslash and slash separators are treated as equal.
func (a *Archive) Lookup(name string) []Entry {
	want := strings.ReplaceAll(name, `\`, "/")
	var found []Entry
	for _, e := range a.entries {
		if e.Path() == want {
			found = append(found, e)
		}
	}
	return found
}
