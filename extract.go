package cabinet

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SinkFactory returns the destination of an extracted entry.
// It is called only once the entry's data is known to be readable up to its
// start. The writer is closed once the entry has been written or has failed,
// or aborted on failure when it is an Aborter.
type SinkFactory func(e Entry) (io.WriteCloser, error)

// Aborter is a sink writer that can discard a partly written entry.
// Abort is called instead of Close when the entry fails.
type Aborter interface {
	Abort() error
}

// Summary is the result of an ExtractAll or ExtractMatch.
type Summary struct {
	Files    int   // entries written in full
	Bytes    int64 // bytes written to the sinks
	Folders  int   // folders decoded
	Failed   []*ExtractError
	Warnings []ChecksumWarning
}

func (s Summary) String() string {
	str := fmt.Sprintf("%d files, %s from %d folders", s.Files, humanize.Bytes(uint64(s.Bytes)), s.Folders)
	if n := len(s.Failed); n > 0 {
		str += fmt.Sprintf(", %d failed", n)
	}
	return str
}

// Extract writes the contents of the first entry named name to w and returns
// the number of bytes written.
func (a *Archive) Extract(name string, w io.Writer) (int64, error) {
	found := a.Lookup(name)
	if len(found) == 0 {
		return 0, &ExtractError{Name: name, Entry: -1, Err: ErrNotFound}
	}
	return a.ExtractEntry(found[0], w)
}

// ExtractEntry writes the contents of e to w and returns the number of bytes written.
// It decodes the entry's folder from the start up to the end of the entry.
//
// Under ChecksumReport every byte is written even when blocks fail their
// checksum, and the mismatches are returned as a ChecksumWarnings error.
func (a *Archive) ExtractEntry(e Entry, w io.Writer) (int64, error) {
	fail := func(err error) error { return &ExtractError{Name: e.Name, Entry: e.Index, Err: err} }
	if e.Continued() {
		return 0, fail(fmt.Errorf("%w: %s", ErrContinued, e.Folder.Continuation))
	}
	fr, err := a.openFolder(e.Folder.Index)
	if err != nil {
		return 0, fail(err)
	}
	if _, err := io.CopyN(io.Discard, fr, int64(e.Offset)); err != nil {
		return 0, fail(shortErr(err, e.Folder.Index))
	}
	n, _, err := copyRange(w, fr, int64(e.Size))
	if err != nil {
		return n, fail(shortErr(err, e.Folder.Index))
	}
	if len(fr.warnings) > 0 {
		return n, ChecksumWarnings(slices.Clone(fr.warnings))
	}
	return n, nil
}

// ReadFile returns the contents of the first entry named name.
// Under ChecksumReport the contents are returned along with a ChecksumWarnings
// error when any block failed its checksum.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	found := a.Lookup(name)
	if len(found) == 0 {
		return nil, &ExtractError{Name: name, Entry: -1, Err: ErrNotFound}
	}
	var buf bytes.Buffer
	_, err := a.ExtractEntry(found[0], &buf)
	var warn ChecksumWarnings
	if err != nil && !errors.As(err, &warn) {
		return nil, err
	}
	return buf.Bytes(), err
}

// ExtractAll writes every entry to a sink made by sink, decoding each folder once.
// Entries are served in folder offset order whatever their listing order.
// A failure stops only the rest of its folder: the returned error joins one
// ExtractError for each entry that could not be written, in listing order.
func (a *Archive) ExtractAll(sink SinkFactory) (Summary, error) {
	return a.extract(a.entries, sink)
}

// ExtractMatch is ExtractAll limited to the entries whose names match pattern.
func (a *Archive) ExtractMatch(pattern string, sink SinkFactory) (Summary, error) {
	found, err := a.Match(pattern)
	if err != nil {
		return Summary{}, err
	}
	if len(found) == 0 {
		return Summary{}, &ExtractError{Name: pattern, Entry: -1, Err: ErrNotFound}
	}
	return a.extract(found, sink)
}

func (a *Archive) extract(entries []Entry, sink SinkFactory) (Summary, error) {
	var sum Summary
	groups := make(map[int][]Entry)
	for _, e := range entries {
		if e.Continued() {
			sum.Failed = append(sum.Failed, &ExtractError{Name: e.Name, Entry: e.Index,
				Err: fmt.Errorf("%w: %s", ErrContinued, e.Folder.Continuation)})
			continue
		}
		groups[e.Folder.Index] = append(groups[e.Folder.Index], e)
	}
	folders := make([]int, 0, len(groups))
	for i := range groups {
		folders = append(folders, i)
	}
	slices.Sort(folders)

	// folders fail independently, a failed pass never stops the others
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(a.cfg.Workers, 1))
	for _, i := range folders {
		g.Go(func() error {
			res := a.folderPass(i, groups[i], sink)
			mu.Lock()
			defer mu.Unlock()
			sum.Files += res.files
			sum.Bytes += res.bytes
			sum.Folders++
			sum.Failed = append(sum.Failed, res.failed...)
			sum.Warnings = append(sum.Warnings, res.warnings...)
			if len(res.failed) > 0 {
				return res.failed[0]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.cfg.Logger.Debug("cabinet extract failed", zap.Int("failed", len(sum.Failed)), zap.Error(err))
	}

	slices.SortFunc(sum.Failed, func(x, y *ExtractError) int { return cmp.Compare(x.Entry, y.Entry) })
	slices.SortFunc(sum.Warnings, func(x, y ChecksumWarning) int {
		return cmp.Or(cmp.Compare(x.Folder, y.Folder), cmp.Compare(x.Block, y.Block))
	})
	errs := make([]error, len(sum.Failed))
	for i, e := range sum.Failed {
		errs[i] = e
	}
	return sum, errors.Join(errs...)
}

type passResult struct {
	files    int
	bytes    int64
	failed   []*ExtractError
	warnings []ChecksumWarning
}

// folderPass decodes folder i once and writes its entries to their sinks.
// Entries are visited by offset. While the next entry does not overlap the
// current one its data is copied straight from the decoder, otherwise the
// decoded bytes the following entries still need are held in memory.
func (a *Archive) folderPass(i int, entries []Entry, sink SinkFactory) (res passResult) {
	slices.SortStableFunc(entries, func(x, y Entry) int {
		return cmp.Or(cmp.Compare(x.Offset, y.Offset), cmp.Compare(x.Size, y.Size), cmp.Compare(x.Index, y.Index))
	})
	fail := func(e Entry, err error) {
		res.failed = append(res.failed, &ExtractError{Name: e.Name, Entry: e.Index, Err: err})
	}
	fr, err := a.openFolder(i)
	if err != nil {
		for _, e := range entries {
			fail(e, err)
		}
		return res
	}
	defer func() {
		res.warnings = fr.warnings
		a.cfg.Logger.Debug("cabinet folder pass",
			zap.Int("folder", i), zap.Int("entries", len(entries)),
			zap.Int("written", res.files), zap.Int("failed", len(res.failed)))
	}()

	src := &countReader{r: fr}
	var (
		held      []byte // decoded bytes from heldStart up to src.n
		heldStart int64
		streamErr error // set once the folder can not be read further
	)
	skip := func(start int64) {
		if start <= src.n || streamErr != nil {
			return
		}
		_, err := io.CopyN(io.Discard, src, start-src.n)
		held, heldStart = nil, src.n
		if err != nil {
			streamErr = shortErr(err, i)
		}
	}
	// fill reads and holds the folder up to end, one block at most at a time
	fill := func(end int64) {
		for src.n < end && streamErr == nil {
			chunk := int(min(end-src.n, MaxBlockSize))
			held = slices.Grow(held, chunk)
			m, err := io.ReadFull(src, held[len(held):len(held)+chunk])
			held = held[:len(held)+m]
			if err != nil {
				streamErr = shortErr(err, i)
			}
		}
	}
	for k, e := range entries {
		start, end := int64(e.Offset), int64(e.Offset)+int64(e.Size)
		next := int64(-1)
		if k+1 < len(entries) {
			next = int64(entries[k+1].Offset)
		}
		var n int64
		var err error
		switch {
		case streamErr == nil && start >= src.n && (next < 0 || next >= end):
			// no later entry needs these bytes
			skip(start)
			if streamErr != nil {
				err = streamErr
				break
			}
			n, err = a.serve(e, sink, func(w io.Writer) (int64, error) {
				n, read, err := copyRange(w, src, int64(e.Size))
				if read < int64(e.Size) {
					streamErr = shortErr(err, i)
					return n, streamErr
				}
				return n, err
			})
			held, heldStart = nil, src.n
		default:
			skip(start)
			fill(end)
			if start < heldStart || end > src.n {
				err = streamErr
				break
			}
			n, err = a.serve(e, sink, func(w io.Writer) (int64, error) {
				m, err := w.Write(held[start-heldStart : end-heldStart])
				if err == nil && m < int(e.Size) {
					err = io.ErrShortWrite
				}
				if err != nil {
					err = fmt.Errorf("%w: %w", ErrSink, err)
				}
				return int64(m), err
			})
		}
		res.bytes += n
		if err != nil {
			fail(e, err)
		} else {
			res.files++
		}
		// drop the held bytes that no later entry starts within
		if next < 0 {
			held, heldStart = nil, src.n
		} else if drop := min(next-heldStart, int64(len(held))); drop > 0 {
			held = held[drop:]
			heldStart += drop
		}
	}
	return res
}

// serve opens the sink of e and writes it with write. The sink writer is
// aborted when the write fails and it is an Aborter, otherwise it is closed.
func (a *Archive) serve(e Entry, sink SinkFactory, write func(io.Writer) (int64, error)) (int64, error) {
	w, err := sink(e)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSink, err)
	}
	n, err := write(w)
	if err != nil {
		if ab, ok := w.(Aborter); ok {
			if aerr := ab.Abort(); aerr != nil {
				err = errors.Join(err, fmt.Errorf("%w: %w", ErrSink, aerr))
			}
			return n, err
		}
	}
	if cerr := w.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %w", ErrSink, cerr)
	}
	return n, err
}

// copyRange copies n bytes from src to dst. After a failed write the rest of the
// range is still read, so src ends at the same position either way.
// It returns the bytes written and the bytes read.
func copyRange(dst io.Writer, src io.Reader, n int64) (int64, int64, error) {
	buf := make([]byte, min(n, 32*1024))
	var written, read int64
	var werr error
	for read < n {
		chunk := buf[:min(int64(len(buf)), n-read)]
		m, rerr := io.ReadFull(src, chunk)
		read += int64(m)
		if m > 0 && werr == nil {
			w, err := dst.Write(chunk[:m])
			written += int64(w)
			if err == nil && w < m {
				err = io.ErrShortWrite
			}
			if err != nil {
				werr = fmt.Errorf("%w: %w", ErrSink, err)
			}
		}
		if rerr != nil {
			if werr != nil {
				return written, read, errors.Join(rerr, werr)
			}
			return written, read, rerr
		}
	}
	return written, read, werr
}

// shortErr turns the end of a folder stream into a size mismatch.
func shortErr(err error, folder int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		var de *DecodeError
		if !errors.As(err, &de) {
			return fmt.Errorf("%w: folder %d", ErrSizeMismatch, folder)
		}
	}
	return err
}

type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
