package kfmt

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf    bytes.Buffer
		expStr = "the big brown fox jumped over the lazy dog"
		rb     ringBuffer
	)

	t.Run("read/write", func(t *testing.T) {
		rb.wIndex = 0
		rb.rIndex = 0
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("write moves read pointer", func(t *testing.T) {
		rb.wIndex = ringBufferSize - 1
		rb.rIndex = 0
		_, err := rb.Write([]byte{'!'})
		if err != nil {
			t.Fatal(err)
		}

		if exp := 1; rb.rIndex != exp {
			t.Fatalf("expected write to push rIndex to %d; got %d", exp, rb.rIndex)
		}

		if exp := 1; rb.dropped != exp {
			t.Fatalf("expected %d dropped byte; got %d", exp, rb.dropped)
		}
	})

	t.Run("wIndex < rIndex", func(t *testing.T) {
		rb.wIndex = ringBufferSize - 2
		rb.rIndex = ringBufferSize - 2
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("with io.WriteTo", func(t *testing.T) {
		rb.wIndex = ringBufferSize - 2
		rb.rIndex = ringBufferSize - 2
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		var buf bytes.Buffer
		copied, err := io.Copy(&buf, &rb)
		if err != nil {
			t.Fatal(err)
		}

		if copied != int64(len(expStr)) {
			t.Fatalf("expected to copy %d bytes; copied %d", len(expStr), copied)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("WriteTo stops on error", func(t *testing.T) {
		rb.wIndex = 0
		rb.rIndex = 0
		rb.Write([]byte(expStr))

		expErr := errors.New("write failed")
		if _, err := rb.WriteTo(writerThatAlwaysErrors{expErr}); err != expErr {
			t.Fatalf("expected error %v; got %v", expErr, err)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected unwritten data %q to stay buffered; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps latest bytes", func(t *testing.T) {
		rb = ringBuffer{}
		for i := 0; i < ringBufferSize+9; i++ {
			rb.Write([]byte{byte('a' + i%26)})
		}

		if exp := 10; rb.dropped != exp {
			t.Fatalf("expected %d dropped bytes; got %d", exp, rb.dropped)
		}

		got := readByteByByte(&buf, &rb)
		if exp := ringBufferSize - 1; len(got) != exp {
			t.Fatalf("expected to read %d bytes; got %d", exp, len(got))
		}

		if exp := byte('a' + (ringBufferSize+8)%26); got[len(got)-1] != exp {
			t.Fatalf("expected last byte to be %q; got %q", exp, got[len(got)-1])
		}
	})
}

func readByteByByte(buf *bytes.Buffer, r io.Reader) string {
	buf.Reset()
	var b = make([]byte, 1)
	for {
		_, err := r.Read(b)
		if err == io.EOF {
			break
		}

		buf.Write(b)
	}
	return buf.String()
}
