package container

import (
	"io"

	gomp4 "github.com/abema/go-mp4"
)

// boxWriter nests boxes on a go-mp4 Writer. The first error sticks and turns
// every later call into a no-op.
type boxWriter struct {
	w   *gomp4.Writer
	err error
}

func newBoxWriter(w io.WriteSeeker) *boxWriter {
	return &boxWriter{w: gomp4.NewWriter(w)}
}

func (b *boxWriter) start(box gomp4.IImmutableBox) {
	if b.err != nil {
		return
	}
	if _, b.err = b.w.StartBox(&gomp4.BoxInfo{Type: box.GetType()}); b.err != nil {
		return
	}
	_, b.err = gomp4.Marshal(b.w, box, gomp4.Context{})
}

// startLarge opens a box with a 64-bit size field so it can grow past 4 GiB.
func (b *boxWriter) startLarge(typ gomp4.BoxType) {
	if b.err != nil {
		return
	}
	_, b.err = b.w.StartBox(&gomp4.BoxInfo{Type: typ, HeaderSize: gomp4.LargeHeaderSize})
}

func (b *boxWriter) end() {
	if b.err != nil {
		return
	}
	_, b.err = b.w.EndBox()
}

func (b *boxWriter) box(box gomp4.IImmutableBox) {
	b.start(box)
	b.end()
}

func (b *boxWriter) offset() int64 {
	if b.err != nil {
		return 0
	}
	var off int64
	off, b.err = b.w.Seek(0, io.SeekCurrent)
	return off
}

func (b *boxWriter) write(p []byte) {
	if b.err != nil {
		return
	}
	_, b.err = b.w.Write(p)
}
