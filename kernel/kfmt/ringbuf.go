package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that keeps early Printf
// output. It must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the output of Printf calls made before the serial console
// is configured. Once full, the oldest bytes are overwritten and counted as
// dropped.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int

	// dropped is the number of bytes overwritten before being read.
	dropped int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
			rb.dropped++
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the buffer is
// drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	pending := rb.pending()
	if len(pending) == 0 {
		return 0, io.EOF
	}

	n := copy(p, pending)
	rb.consume(n)
	return n, nil
}

// WriteTo drains the buffer into w. It implements io.WriterTo so io.Copy
// does not need a scratch buffer.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for pending := rb.pending(); len(pending) != 0; pending = rb.pending() {
		n, err := w.Write(pending)
		rb.consume(n)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// pending returns the longest contiguous run of unread bytes.
func (rb *ringBuffer) pending() []byte {
	switch {
	case rb.rIndex < rb.wIndex:
		return rb.buffer[rb.rIndex:rb.wIndex]
	case rb.rIndex > rb.wIndex:
		return rb.buffer[rb.rIndex:]
	default:
		return nil
	}
}

func (rb *ringBuffer) consume(n int) {
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
}
