package console

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Reporter writes status lines to the console and mirrors them to the log.
// Lines are fire and forget: write errors are logged, not returned.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewReporter creates a reporter writing to out; out may be nil to only log
func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

// Report formats and emits one line
func (r *Reporter) Report(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	log.Println(line)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return
	}
	if _, err := io.WriteString(r.out, line+"\r\n"); err != nil {
		log.Printf("Failed to write console line: %v", err)
	}
}
