package cabinet_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/Defacto2/cabinet"
	"github.com/Defacto2/cabinet/internal/cabtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func ExampleOpenFile() {
	a, err := cabinet.OpenFile("testdata/HELLO.CAB")
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()
	for _, e := range a.All() {
		fmt.Println(e.Name, e.Size)
	}
	b, err := a.ReadFile("hello.txt")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s\n", b)
	// Output:
	// hello.txt 5
	// HELLO
}

const alphabet = "0123456789ABCDEFGHIJ"

func TestExtractOverlap(t *testing.T) {
	t.Parallel()
	for _, typ := range []uint16{cabtest.None, cabtest.MSZIP} {
		t.Run(fmt.Sprint("type ", typ), func(t *testing.T) {
			t.Parallel()
			a := open(t, cabtest.Cabinet{
				BlockSize: 7,
				Folders:   []cabtest.Folder{{Type: typ}},
				Files: []cabtest.File{
					{Name: "head", Range: &cabtest.Range{Offset: 0, Size: 5}},
					{Name: "all", Data: []byte(alphabet)},
					{Name: "mid", Range: &cabtest.Range{Offset: 8, Size: 6}},
					{Name: "dup", Range: &cabtest.Range{Offset: 0, Size: 5}},
					{Name: "tail", Range: &cabtest.Range{Offset: 15, Size: 5}},
				},
			})
			sink := newMemSink()
			sum, err := a.ExtractAll(sink.sink)
			require.NoError(t, err)
			assert.Equal(t, 5, sum.Files)
			assert.Equal(t, int64(5+20+6+5+5), sum.Bytes)
			assert.Equal(t, "01234", string(sink.files["head"]))
			assert.Equal(t, alphabet, string(sink.files["all"]))
			assert.Equal(t, "89ABCD", string(sink.files["mid"]))
			assert.Equal(t, "01234", string(sink.files["dup"]))
			assert.Equal(t, "FGHIJ", string(sink.files["tail"]))

			// each entry on its own gives the same bytes
			for _, e := range a.List() {
				var buf bytes.Buffer
				_, err := a.ExtractEntry(e, &buf)
				require.NoError(t, err)
				assert.Equal(t, sink.files[e.Name], buf.Bytes(), e.Name)
			}
		})
	}
}

func TestExtractOrder(t *testing.T) {
	t.Parallel()
	a := open(t, cabtest.Cabinet{
		Folders: []cabtest.Folder{{Type: cabtest.MSZIP}, {Type: cabtest.None}},
		Files: []cabtest.File{
			{Name: "other", Data: []byte("other"), Folder: 1},
			{Name: "second", Range: &cabtest.Range{Offset: 10, Size: 10}},
			{Name: "blob", Data: []byte(alphabet)},
			{Name: "first", Range: &cabtest.Range{Offset: 0, Size: 10}},
		},
	})
	sink := newMemSink()
	sum, err := a.ExtractAll(sink.sink)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Folders)
	assert.Equal(t, []string{"first", "blob", "second", "other"}, sink.order)
	assert.Equal(t, "ABCDEFGHIJ", string(sink.files["second"]))
	assert.Equal(t, "4 files, 45 B from 2 folders", sum.String())
}

func TestExtractMatch(t *testing.T) {
	t.Parallel()
	a, err := cabinet.OpenFile(td("MSZIP.CAB"))
	require.NoError(t, err)
	defer a.Close()
	sink := newMemSink()
	sum, err := a.ExtractMatch("data/*.txt", sink.sink)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, []string{`DATA\NUMBERS.TXT`, `DATA\HELLO.TXT`}, sink.order)

	_, err = a.ExtractMatch("[", sink.sink)
	require.Error(t, err)
}

// corrupt returns a cabinet with two stored folders whose second data block
// of folder 0 has a damaged payload.
func corrupt(t *testing.T, noChecksum bool) []byte {
	t.Helper()
	c := cabtest.Cabinet{
		BlockSize:  16,
		NoChecksum: noChecksum,
		Folders:    []cabtest.Folder{{Type: cabtest.None}, {Type: cabtest.None}},
		Files: []cabtest.File{
			{Name: "a", Data: []byte("aaaaaaaaaaaaaaaa")},
			{Name: "b", Data: bytes.Repeat([]byte("b"), 32)},
			{Name: "c", Data: []byte("ccc"), Folder: 1},
		},
	}
	b, lay := c.Build()
	require.Len(t, lay.Blocks[0], 3)
	b[lay.Blocks[0][1]+8] = 'X'
	return b
}

func TestChecksumVerify(t *testing.T) {
	t.Parallel()
	b := corrupt(t, false)
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)

	_, err = a.ReadFile("b")
	require.ErrorIs(t, err, cabinet.ErrChecksum)
	var de *cabinet.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 0, de.Folder)
	assert.Equal(t, 1, de.Block)

	// the failure is limited to the entries of the damaged blocks
	sink := newMemSink()
	sum, err := a.ExtractAll(sink.sink)
	require.ErrorIs(t, err, cabinet.ErrChecksum)
	assert.Equal(t, 2, sum.Files)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, "b", sum.Failed[0].Name)
	assert.Equal(t, 1, sum.Failed[0].Entry)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", string(sink.files["a"]))
	assert.Equal(t, "ccc", string(sink.files["c"]))
}

func TestChecksumReport(t *testing.T) {
	t.Parallel()
	b := corrupt(t, false)
	core, logs := observer.New(zapcore.WarnLevel)
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)),
		cabinet.WithChecksum(cabinet.ChecksumReport), cabinet.WithLogger(zap.New(core)))
	require.NoError(t, err)

	sink := newMemSink()
	sum, err := a.ExtractAll(sink.sink)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Files)
	require.Len(t, sum.Warnings, 1)
	w := sum.Warnings[0]
	assert.Equal(t, 0, w.Folder)
	assert.Equal(t, 1, w.Block)
	assert.NotEqual(t, w.Stored, w.Computed)
	assert.Equal(t, "X"+string(bytes.Repeat([]byte("b"), 31)), string(sink.files["b"]))

	entries := logs.FilterMessage("cabinet checksum mismatch").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["block"])
}

func TestChecksumReportEntry(t *testing.T) {
	t.Parallel()
	b := corrupt(t, false)
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)),
		cabinet.WithChecksum(cabinet.ChecksumReport), cabinet.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	got, err := a.ReadFile("b")
	require.Error(t, err)
	assert.Equal(t, "X"+string(bytes.Repeat([]byte("b"), 31)), string(got))
	var warn cabinet.ChecksumWarnings
	require.ErrorAs(t, err, &warn)
	require.Len(t, warn, 1)
	assert.Equal(t, 0, warn[0].Folder)
	assert.Equal(t, 1, warn[0].Block)
	assert.NotErrorIs(t, err, cabinet.ErrChecksum)
	assert.Contains(t, err.Error(), "checksum mismatch")

	var buf bytes.Buffer
	n, err := a.Extract("b", &buf)
	require.ErrorAs(t, err, &warn)
	assert.Equal(t, int64(32), n)
	assert.Equal(t, 32, buf.Len())

	// entries before the damaged block are clean
	got, err = a.ReadFile("a")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", string(got))
}

func TestChecksumIgnore(t *testing.T) {
	t.Parallel()
	b := corrupt(t, false)
	core, logs := observer.New(zapcore.WarnLevel)
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)),
		cabinet.WithChecksum(cabinet.ChecksumIgnore), cabinet.WithLogger(zap.New(core)))
	require.NoError(t, err)
	sum, err := a.ExtractAll(newMemSink().sink)
	require.NoError(t, err)
	assert.Empty(t, sum.Warnings)
	assert.Zero(t, logs.Len())
}

func TestChecksumZero(t *testing.T) {
	t.Parallel()
	b := corrupt(t, true)
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	got, err := a.ReadFile("b")
	require.NoError(t, err)
	assert.Equal(t, byte('X'), got[0])
}

func TestExtractWorkers(t *testing.T) {
	t.Parallel()
	c := cabtest.Cabinet{BlockSize: 4096}
	want := map[string][]byte{}
	for i := range 6 {
		typ := cabtest.MSZIP
		if i%2 == 1 {
			typ = cabtest.LZX(15)
		}
		c.Folders = append(c.Folders, cabtest.Folder{Type: typ})
		for j := range 3 {
			name := fmt.Sprintf(`f%d\%d.bin`, i, j)
			data := text(5000+i*1000+j, name)
			want[name] = data
			c.Files = append(c.Files, cabtest.File{Name: name, Data: data, Folder: i})
		}
	}
	a := open(t, c, cabinet.WithWorkers(4))
	sink := newMemSink()
	sum, err := a.ExtractAll(sink.sink)
	require.NoError(t, err)
	assert.Equal(t, 18, sum.Files)
	assert.Equal(t, 6, sum.Folders)
	assert.Equal(t, want, sink.files)
}

// damaged returns a cabinet with one stored folder of three files where the
// first data block of the second file has a damaged payload.
func damaged(t *testing.T) []byte {
	t.Helper()
	c := cabtest.Cabinet{
		BlockSize: 16,
		Folders:   []cabtest.Folder{{Type: cabtest.None}},
		Files: []cabtest.File{
			{Name: "a", Data: []byte("aaaaaaaaaaaaaaaa")},
			{Name: "b", Data: bytes.Repeat([]byte("b"), 32)},
			{Name: "d", Data: []byte("ddddd")},
		},
	}
	b, lay := c.Build()
	require.Len(t, lay.Blocks[0], 4)
	b[lay.Blocks[0][1]+8] = 'X'
	return b
}

func TestExtractFolderFailure(t *testing.T) {
	t.Parallel()
	b := damaged(t)
	core, logs := observer.New(zapcore.DebugLevel)
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)), cabinet.WithLogger(zap.New(core)))
	require.NoError(t, err)
	mem := newMemSink()
	sum, err := a.ExtractAll(mem.sink)
	require.ErrorIs(t, err, cabinet.ErrChecksum)
	assert.Equal(t, 1, sum.Files)
	require.Len(t, sum.Failed, 2)
	assert.Equal(t, "b", sum.Failed[0].Name)
	assert.Equal(t, "d", sum.Failed[1].Name)
	// no sink is opened for an entry past the failure
	assert.Equal(t, []string{"a", "b"}, mem.order)

	entries := logs.FilterMessage("cabinet extract failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["failed"])
	assert.Contains(t, entries[0].ContextMap()["error"], "checksum")
}

// failWriter fails every write.
type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failWriter) Close() error              { return nil }

func TestExtractSinkErrors(t *testing.T) {
	t.Parallel()
	a := open(t, cabtest.Cabinet{
		BlockSize: 8,
		Folders:   []cabtest.Folder{{Type: cabtest.MSZIP}},
		Files: []cabtest.File{
			{Name: "one", Data: []byte("first file")},
			{Name: "two", Data: []byte("second file")},
			{Name: "three", Data: []byte("third file")},
			{Name: "four", Data: []byte("fourth file")},
		},
	})
	mem := newMemSink()
	sink := func(e cabinet.Entry) (io.WriteCloser, error) {
		switch e.Name {
		case "one":
			return nil, errors.New("no space")
		case "three":
			return failWriter{}, nil
		}
		return mem.sink(e)
	}
	sum, err := a.ExtractAll(sink)
	require.ErrorIs(t, err, cabinet.ErrSink)
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 2, sum.Files)
	require.Len(t, sum.Failed, 2)
	assert.Equal(t, "one", sum.Failed[0].Name)
	assert.Equal(t, "three", sum.Failed[1].Name)
	assert.Equal(t, "second file", string(mem.files["two"]))
	assert.Equal(t, "fourth file", string(mem.files["four"]))

	_, err = a.Extract("two", failWriter{})
	require.ErrorIs(t, err, cabinet.ErrSink)
}

func TestExtractTruncatedFolder(t *testing.T) {
	t.Parallel()
	c := cabtest.Cabinet{
		BlockSize: 10,
		Folders:   []cabtest.Folder{{Type: cabtest.None}},
		Files:     []cabtest.File{{Name: "x", Data: []byte(alphabet)}},
	}
	b, lay := c.Build()
	// declare one more data block than the cabinet holds
	b[lay.FoldersOffset+4]++
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	got, err := a.ReadFile("x")
	require.NoError(t, err)
	assert.Equal(t, alphabet, string(got))

	// a file that reaches into the missing block
	c.Files = append(c.Files, cabtest.File{Name: "y", Range: &cabtest.Range{Offset: 15, Size: 10}})
	b, lay = c.Build()
	b[lay.FoldersOffset+4]++
	a, err = cabinet.Open(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	_, err = a.ReadFile("y")
	require.ErrorIs(t, err, cabinet.ErrUnexpectedEOB)
}
