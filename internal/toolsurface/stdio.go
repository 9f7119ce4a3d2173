package toolsurface

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/agenthub/kernel/internal/logging"
)

// maxLineBytes bounds a single request line; a malformed or hostile
// client sending an unbounded line should not grow the scanner buffer
// without limit.
const maxLineBytes = 4 << 20

// Serve reads newline-delimited Request objects from r and writes
// newline-delimited Response objects to w until r is exhausted or ctx is
// canceled. One malformed line produces an error Response and does not
// stop the loop; only read/write I/O errors and ctx cancellation do.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := Response{Error: errResult(CodeInvalidArguments, "malformed request line: "+err.Error())}
			if encErr := enc.Encode(resp); encErr != nil {
				return fmt.Errorf("toolsurface: write response: %w", encErr)
			}
			continue
		}

		resp := s.Handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("toolsurface: write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Error("stdio scanner failed", logging.Fields{"error": err.Error()})
		return fmt.Errorf("toolsurface: read request: %w", err)
	}
	return nil
}
