package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
)

// LogWriter writes to both stdout and, once log rotation has been set up,
// the rotator pipe.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator.
	// It is written to by the Write method of the LogWriter type.
	RotatorPipe *io.PipeWriter
}

// Write writes the byte slice to both stdout and the log rotator, if
// present.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)

	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}

	return len(b), nil
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. If no sublogger generator is provided, logging is
// disabled for the subsystem.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}
