package rezip_test

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Defacto2/cabinet"
	"github.com/Defacto2/cabinet/internal/cabtest"
	"github.com/Defacto2/cabinet/rezip"
	"github.com/nalgeon/be"
)

func td(name string) string {
	_, file, _, usable := runtime.Caller(0)
	if !usable {
		panic("runtime.Caller failed")
	}
	d := filepath.Join(filepath.Dir(file), "..")
	return filepath.Join(d, "testdata", name)
}

func TestCabinet(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "mszip.zip")
	size, err := rezip.Cabinet(td("MSZIP.CAB"), dest)
	be.Err(t, err, nil)
	be.Equal(t, size, int64(1260+42000+5))
	// confirm the zip file is smaller than the total size of the files
	inf, err := os.Stat(dest)
	be.Err(t, err, nil)
	less := inf.Size() < size
	be.True(t, less)
	be.Err(t, rezip.Test(dest), nil)

	r, err := zip.OpenReader(dest)
	be.Err(t, err, nil)
	defer r.Close()
	be.Equal(t, len(r.File), 3)
	be.Equal(t, r.File[2].Name, "DATA/HELLO.TXT")
	rc, err := r.File[2].Open()
	be.Err(t, err, nil)
	b, err := io.ReadAll(rc)
	be.Err(t, err, nil)
	be.Equal(t, string(b), "HELLO")

	// confirm command fails when the file already exists
	size, err = rezip.Cabinet(td("MSZIP.CAB"), dest)
	be.Err(t, err)
	be.Equal(t, size, int64(0))
	// confirm command fails when the source is not a cabinet
	size, err = rezip.Cabinet(td("NOTCAB.TXT"), filepath.Join(tmp, "notcab.zip"))
	be.Err(t, err, cabinet.ErrBadMagic)
	be.Equal(t, size, int64(0))
}

func TestWriteContinued(t *testing.T) {
	t.Parallel()
	c := cabtest.Cabinet{
		Folders: []cabtest.Folder{{Type: cabtest.MSZIP}},
		Files: []cabtest.File{
			{Name: `dir\kept.txt`, Data: []byte("kept")},
			{Name: "next.bin", RawFolder: 0xFFFE, Range: &cabtest.Range{Size: 10}},
		},
		Next: &cabtest.Link{Name: "NEXT.CAB", Disk: "2"},
	}
	b := c.Bytes()
	a, err := cabinet.Open(bytes.NewReader(b), int64(len(b)), cabinet.WithLocation(time.UTC))
	be.Err(t, err, nil)
	var buf bytes.Buffer
	n, err := rezip.Write(&buf, a)
	be.Err(t, err, nil)
	be.Equal(t, n, int64(4))

	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	be.Err(t, err, nil)
	be.Equal(t, len(r.File), 1)
	be.Equal(t, r.File[0].Name, "dir/kept.txt")
	be.Equal(t, r.File[0].Modified.Unix(), cabtest.Stamp.Unix())
}

func TestTest(t *testing.T) {
	t.Parallel()
	err := rezip.Test(td("HELLO.CAB"))
	be.Err(t, err, rezip.ErrTest)
	err = rezip.Test(td(""))
	be.Err(t, err, rezip.ErrTest)
	err = rezip.Test(td("MISSING.ZIP"))
	be.Err(t, err)
}
