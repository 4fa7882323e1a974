package kfmt

import "io"

// PrefixWriter tags every line written through it with Prefix before passing
// it to Sink. Kernel services use it to label the dumps they print.
//
// A PrefixWriter declared as a package variable with a literal Prefix is
// statically allocated; Attach lets such a writer be pointed at a different
// sink without building a new one.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is written before the first byte of every line.
	Prefix []byte

	// midLine is set when the last byte written was not a line feed.
	midLine bool
}

// Attach redirects w to sink and resets its line tracking. It returns w so
// that it can be passed straight to a dump function.
func (w *PrefixWriter) Attach(sink io.Writer) *PrefixWriter {
	w.Sink = sink
	w.midLine = false
	return w
}

// Write copies p to the sink, starting each line with the prefix. The
// returned count excludes the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := len(p)
		for i, b := range p {
			if b == '\n' {
				end = i + 1
				w.midLine = false
				break
			}
		}

		n, err := w.Sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}
		p = p[end:]
	}

	return written, nil
}
