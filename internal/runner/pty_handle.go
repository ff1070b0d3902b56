package runner

import "io"

// PtyHandle is the platform-neutral view of a pseudo-terminal the term
// adapter reads and writes: a creack/pty master on Unix, a ConPTY on
// Windows.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
