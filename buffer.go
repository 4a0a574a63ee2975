// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"io"
)

// Buffer is a bytes.Buffer-like struct backed by an Allocator.
// It implements io.Writer, io.ReaderFrom and provides similar methods to bytes.Buffer.
// Storage is taken from the allocator as the buffer grows and handed back by Release.
type Buffer struct {
	alloc   Allocator
	buf     []byte
	off     int    // read offset
	readBuf []byte // intermediate buffer for ReadFrom
}

// NewBuffer creates a new Buffer backed by the given allocator.
// If a is nil, it will fall back to standard Go allocation.
func NewBuffer(a Allocator) *Buffer {
	return &Buffer{alloc: a}
}

// Write implements io.Writer interface.
// It writes len(p) bytes from p to the buffer. ErrOutOfMemory is returned
// when the allocator cannot grow the buffer.
func (b *Buffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.buf, err = AppendSlice(b.alloc, b.buf, p...); err != nil {
		return 0, err
	}
	b.off = len(b.buf)
	return len(p), nil
}

// WriteByte writes a single byte to the buffer.
func (b *Buffer) WriteByte(c byte) error {
	var err error
	if b.buf, err = AppendSlice(b.alloc, b.buf, c); err != nil {
		return err
	}
	b.off = len(b.buf)
	return nil
}

// WriteString writes a string to the buffer.
func (b *Buffer) WriteString(s string) (n int, err error) {
	return b.Write([]byte(s))
}

func (b *Buffer) WriteTo(w io.Writer) (n int64, err error) {
	if b.off == 0 {
		return 0, nil
	}

	m, err := w.Write(b.buf[:b.off])
	if m > 0 {
		n += int64(m)
		// Remove written bytes by shifting remaining data
		copy(b.buf, b.buf[m:b.off])
		b.off -= m
		b.buf = b.buf[:b.off]
	}

	return n, err
}

// Read reads up to len(p) bytes from the buffer into p.
// It returns the number of bytes read and any error encountered.
func (b *Buffer) Read(p []byte) (n int, err error) {
	if b.off == 0 {
		return 0, io.EOF
	}

	n = copy(p, b.buf[:b.off])
	if n < len(p) {
		err = io.EOF
	}

	copy(b.buf, b.buf[n:b.off])
	b.off -= n
	b.buf = b.buf[:b.off]

	return n, err
}

// Bytes returns a slice of length b.Len() holding the unread portion of the buffer.
// The slice is valid for use only until the next buffer modification.
func (b *Buffer) Bytes() []byte {
	return b.buf[:b.off]
}

// String returns the contents of the unread portion of the buffer as a string.
func (b *Buffer) String() string {
	return string(b.buf[:b.off])
}

// Len returns the number of bytes of the unread portion of the buffer.
func (b *Buffer) Len() int {
	return b.off
}

// Cap returns the capacity of the buffer's underlying byte slice.
func (b *Buffer) Cap() int {
	return cap(b.buf)
}

// Reset resets the buffer to be empty but keeps its storage.
func (b *Buffer) Reset() {
	b.off = 0
	if b.buf != nil {
		b.buf = b.buf[:0]
	}
}

// ReadFrom implements io.ReaderFrom interface.
// It reads data from r until EOF or error, writing it to the buffer.
// The intermediate read buffer is allocated from the allocator.
func (b *Buffer) ReadFrom(r io.Reader) (n int64, err error) {
	const readBufferSize = 4 * 1024
	if b.readBuf == nil {
		if b.readBuf = NewSlice[byte](b.alloc, readBufferSize, readBufferSize); b.readBuf == nil {
			return 0, ErrOutOfMemory
		}
	}

	for {
		nr, er := r.Read(b.readBuf)
		if nr > 0 {
			if _, ew := b.Write(b.readBuf[:nr]); ew != nil {
				return n, ew
			}
			n += int64(nr)
		}
		if er != nil {
			if er == io.EOF {
				break
			}
			return n, er
		}
	}
	return n, nil
}

// Release returns all storage to the allocator. The buffer is empty and
// usable again afterwards.
func (b *Buffer) Release() {
	DeleteSlice(b.alloc, b.buf)
	DeleteSlice(b.alloc, b.readBuf)
	b.buf, b.readBuf, b.off = nil, nil, 0
}
