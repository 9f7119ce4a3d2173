package breaker

import (
	"fmt"
	"strings"
	"time"

	"github.com/agenthub/kernel/internal/storage"
)

// HaltInfo is the content rendered into the human-readable halt file
// (ERIK_HALT.md by default, spec.md §6).
type HaltInfo struct {
	Reason     string
	Details    map[string]string
	Resolution []string
}

// WriteHaltFile renders info as markdown and writes it atomically to
// path. Both the component breaker and the task-layer trigger evaluator
// (internal/contract) call this — it is the single halt-file writer in
// the system.
func WriteHaltFile(path string, info HaltInfo) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Agent Hub Halted\n\n")
	fmt.Fprintf(&b, "**When:** %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Reason:** %s\n\n", info.Reason)
	if len(info.Details) > 0 {
		b.WriteString("## Details\n\n")
		for k, v := range info.Details {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
		b.WriteString("\n")
	}
	if len(info.Resolution) > 0 {
		b.WriteString("## Resolution steps\n\n")
		for _, step := range info.Resolution {
			fmt.Fprintf(&b, "1. %s\n", step)
		}
	}
	return storage.AtomicWriteFile(path, []byte(b.String()), 0o644)
}

// HaltFileExists reports whether the halt sentinel is currently present,
// independent of any in-memory ComponentBreaker — used by the pipeline
// supervisor and state machine so a halt written by one process is
// respected by another racing one (spec.md §5, "global halt dominates").
func HaltFileExists(path string) bool {
	_, err := storage.ReadFileTolerant(path)
	return err == nil
}
