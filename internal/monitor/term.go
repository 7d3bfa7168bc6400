package monitor

import (
	"io"
	"os"

	"golang.org/x/term"
)

// isTerminal reports whether w is an interactive terminal, the same
// check the teacher's internal/ui/term.go performs before deciding
// whether a progress display belongs on that stream at all: a
// redirected file or pipe gets none of the \r-redrawn progress line.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
