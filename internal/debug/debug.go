package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Debug is a thread-safe trace writer for device hot paths.
//
// Each trace line carries a timestamp, a source tag, and a message. Tracing
// is off until Open is called (or OpenFromEnv finds VBLK_DEBUG set), so
// Writef in request-processing loops costs a single atomic load when
// disabled.

type writer struct {
	mu sync.Mutex
	w  io.WriteCloser
}

var fh atomic.Pointer[writer]

// OpenFile starts tracing to the named file.
// The file is truncated so successive runs don't leave stale trailing entries.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing to w.
// The error is a warning, not an error. It indicates the previous writer
// was discarded without being closed.
func Open(w io.WriteCloser) error {
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// OpenFromEnv enables tracing when VBLK_DEBUG is set. A value of "stderr"
// traces to standard error, anything else is treated as a file path.
func OpenFromEnv() error {
	target := os.Getenv("VBLK_DEBUG")
	switch target {
	case "":
		return nil
	case "stderr":
		return Open(nopCloser{os.Stderr})
	default:
		return OpenFile(target)
	}
}

// Close stops tracing and closes the underlying writer.
func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		return fh.w.Close()
	}
	return nil
}

// Enabled reports whether tracing is currently active.
func Enabled() bool {
	return fh.Load() != nil
}

func write(source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	line := make([]byte, 0, 32+len(source)+len(data))
	line = time.Now().UTC().AppendFormat(line, "15:04:05.000000")
	line = append(line, ' ')
	line = append(line, source...)
	line = append(line, ' ')
	line = append(line, data...)
	line = append(line, '\n')

	fh.mu.Lock()
	defer fh.mu.Unlock()
	// Trace write failures are ignored.
	_, _ = fh.w.Write(line)
}

func Write(source string, data string) {
	write(source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	write(source, fmt.Appendf(nil, format, args...))
}

// Debug is a trace handle bound to a fixed source tag.
type Debug interface {
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) Write(data string) {
	write(d.source, []byte(data))
}

func (d *debugImpl) Writef(format string, args ...any) {
	write(d.source, fmt.Appendf(nil, format, args...))
}

// WithSource returns a trace handle that always writes under source.
func WithSource(source string) Debug {
	return &debugImpl{source: source}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
