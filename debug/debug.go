// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — ISR-aligned diagnostic logging helper
//
// Purpose:
//   - Logs infrequent events (init failures, protocol violations, unhandled
//     messages) without pulling fmt into interrupt paths.
//   - The sink defaults to stderr and can be re-targeted to a serial console.
//
// Notes:
//   - One write per line; concurrent callers never interleave within a line.
//   - Logging is best-effort: sink errors are swallowed.
//
// ⚠️ Never invoke in hot loops; use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput re-targets the diagnostic sink and returns the previous one.
// A nil writer discards output.
func SetOutput(w io.Writer) io.Writer {
	if w == nil {
		w = io.Discard
	}
	mu.Lock()
	prev := out
	out = w
	mu.Unlock()
	return prev
}

// Output is the current sink.
func Output() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// DropError logs an error under a tag. A nil error logs the tag alone
// (used for tagged warnings).
//
//go:registerparams
func DropError(prefix string, err error) {
	if err != nil {
		emit(prefix + ": " + err.Error() + "\n")
		return
	}
	emit(prefix + "\n")
}

// DropMessage logs a tagged debug message.
//
//go:registerparams
func DropMessage(prefix, message string) {
	emit(prefix + ": " + message + "\n")
}

func emit(line string) {
	mu.Lock()
	_, _ = io.WriteString(out, line)
	mu.Unlock()
}
