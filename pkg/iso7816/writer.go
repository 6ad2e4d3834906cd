package iso7816

// WRITER CONTRACT:
// The serializer never buffers a whole encoded command; it streams bytes into
// a Writer supplied by the caller. The Writer models whatever sits below this
// layer (a transmit buffer, a T=1 block, a test capture) and is allowed to
// accept fewer bytes than offered, even zero. The serializer makes no
// assumption that a Write boundary lines up with a protocol boundary: header,
// Lc, payload and Le may each end up split across calls.
//
// RemainingLen is different from short writes: it is the capacity the writer
// still guarantees before the next flush, and the serializer uses it to size
// chain units so that every flushed buffer holds only complete APDUs.

// Writer is the byte sink used by Serialize.
type Writer interface {
	// Write accepts up to len(p) bytes and reports how many were actually
	// taken. A short count is not an error; an error is reserved for
	// unrecoverable transport failure.
	Write(p []byte) (int, error)

	// RemainingLen reports how many bytes the writer can still accept.
	RemainingLen() int
}

// BufferWriter is a fixed-capacity in-memory Writer. It accepts bytes until
// its capacity is reached and then reports short counts, which makes it the
// canonical stand-in for a transport transmit buffer of a known size.
type BufferWriter struct {
	buf []byte
}

// NewBufferWriter creates a BufferWriter that accepts up to capacity bytes.
func NewBufferWriter(capacity int) *BufferWriter {
	return &BufferWriter{buf: make([]byte, 0, capacity)}
}

// Write accepts as many bytes as capacity allows and reports the count.
func (w *BufferWriter) Write(p []byte) (int, error) {
	n := min(w.RemainingLen(), len(p))
	w.buf = append(w.buf, p[:n]...)
	return n, nil
}

// RemainingLen reports the capacity still available.
func (w *BufferWriter) RemainingLen() int {
	return cap(w.buf) - len(w.buf)
}

// Bytes returns the bytes accepted so far. The slice aliases the internal
// buffer and is invalidated by Reset.
func (w *BufferWriter) Bytes() []byte {
	return w.buf
}

// Len reports the number of bytes accepted so far.
func (w *BufferWriter) Len() int {
	return len(w.buf)
}

// Reset discards the accepted bytes, restoring the full capacity.
func (w *BufferWriter) Reset() {
	w.buf = w.buf[:0]
}
