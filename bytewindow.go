package reolinkfw

import (
	"io"
	"sync/atomic"
)

// Source is a seekable byte stream of known length shared by every Window
// opened onto it. It is reference-counted: the underlying io.Closer is
// closed only when the last holder (the owner of the initial reference,
// and every Window) has released it.
type Source struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
	refs   int32
}

// NewSource wraps r (of the given size) as a Source holding one initial
// reference for its creator (OpenPAK hands it to the PAK). If r also
// implements io.Closer, that Close runs once the initial reference and
// every Window opened on the Source have been released.
func NewSource(r io.ReaderAt, size int64) *Source {
	s := &Source{r: r, size: size, refs: 1}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Size returns the total length of the source.
func (s *Source) Size() int64 { return s.size }

func (s *Source) acquire() {
	atomic.AddInt32(&s.refs, 1)
}

func (s *Source) release() error {
	if atomic.AddInt32(&s.refs, -1) == 0 && s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Open returns a new Window over [start, start+length) of the source. The
// caller owns the returned Window and must Close it.
func (s *Source) Open(start, length int64) (*Window, error) {
	if start < 0 || length < 0 || start+length > s.size {
		return nil, newErr(ErrTruncated, "window out of bounds")
	}
	s.acquire()
	return &Window{src: s, start: start, length: length}, nil
}

// Window is a random-access view over a parent Source restricted to
// [start, start+length), with its own independent read cursor. Reads never
// cross the window boundary; multiple windows may coexist over the same
// source without copying any bytes.
type Window struct {
	src    *Source
	start  int64
	length int64
	cursor int64
	closed bool
}

// Len returns the window's length in bytes.
func (w *Window) Len() int64 { return w.length }

// Tell returns the current cursor position within the window.
func (w *Window) Tell() int64 { return w.cursor }

// SeekFrom repositions the cursor; from is one of io.SeekStart,
// io.SeekCurrent, io.SeekEnd.
func (w *Window) SeekFrom(offset int64, from int) (int64, error) {
	var target int64
	switch from {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = w.cursor + offset
	case io.SeekEnd:
		target = w.length + offset
	}
	if target < 0 {
		return w.cursor, newErr(ErrTruncated, "seek before window start")
	}
	w.cursor = target
	return w.cursor, nil
}

// Read implements io.Reader, never reading past the window end.
func (w *Window) Read(p []byte) (int, error) {
	if w.cursor >= w.length {
		return 0, io.EOF
	}
	max := w.length - w.cursor
	if int64(len(p)) > max {
		p = p[:max]
	}
	n, err := w.src.r.ReadAt(p, w.start+w.cursor)
	w.cursor += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadExact reads exactly n bytes or returns ErrTruncated.
func (w *Window) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(w, buf); err != nil {
		return nil, wrapErr(ErrTruncated, "read_exact", err)
	}
	return buf, nil
}

// Peek returns up to n bytes without advancing the cursor.
func (w *Window) Peek(n int) ([]byte, error) {
	save := w.cursor
	buf := make([]byte, n)
	read, err := io.ReadFull(w, buf)
	w.cursor = save
	if err != nil && err != io.ErrUnexpectedEOF {
		return buf[:read], err
	}
	return buf[:read], nil
}

// ReadAt implements io.ReaderAt relative to the window start, so a Window
// can itself back a nested Source without any copy.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= w.length {
		return 0, io.EOF
	}
	max := w.length - off
	if int64(len(p)) > max {
		p = p[:max]
	}
	return w.src.r.ReadAt(p, w.start+off)
}

// Close decrements the parent source's reference count. Idempotent.
func (w *Window) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.src.release()
}

// Sub opens a nested window over [off, off+length) relative to this
// window. It shares w's Source and takes its own reference on it, so the
// nested window must be closed like any other.
func (w *Window) Sub(off, length int64) (*Window, error) {
	if off < 0 || length < 0 || off+length > w.length {
		return nil, newErr(ErrTruncated, "sub-window out of bounds")
	}
	w.src.acquire()
	return &Window{src: w.src, start: w.start + off, length: length}, nil
}
