package frame

// Buffer accumulates raw transport chunks and yields complete frames from the
// front. Consumed bytes are never parsed twice.
type Buffer struct {
	buf []byte
	off int
}

// Write appends a chunk. p is copied.
func (b *Buffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.off > 0 && b.off >= len(b.buf)/2 {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Bytes returns the unconsumed bytes. The slice is valid until the next Write.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Advance drops n bytes from the front.
func (b *Buffer) Advance(n int) {
	if n <= 0 {
		return
	}
	b.off += n
	if b.off >= len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// Next decodes one frame. It returns (nil, nil) when more bytes are needed.
func (b *Buffer) Next() (Frame, error) {
	f, n, err := Decode(b.Bytes())
	if err != nil || f == nil {
		return nil, err
	}
	b.Advance(n)
	return f, nil
}

// NextInit decodes one init frame. ok is false when more bytes are needed.
func (b *Buffer) NextInit() (InitFrame, bool) {
	f, n := DecodeInit(b.Bytes())
	if f == nil {
		return nil, false
	}
	b.Advance(n)
	return f, true
}

func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}
