package bridge

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// errorStream is the gate.errors writer. Every complete line becomes one
// error log record tagged with the request id.
type errorStream struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    bytes.Buffer
}

func newErrorStream(logger *slog.Logger) *errorStream {
	return &errorStream{logger: logger}
}

func (s *errorStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	for {
		line, err := s.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			s.buf.Reset()
			s.buf.Write(line)
			break
		}
		s.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// tag adds attributes to every later record.
func (s *errorStream) tag(args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = s.logger.With(args...)
}

// Flush logs any trailing partial line.
func (s *errorStream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		s.emit(s.buf.Bytes())
		s.buf.Reset()
	}
}

func (s *errorStream) emit(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	s.logger.LogAttrs(context.Background(), slog.LevelError, "application error output",
		slog.String("line", string(line)))
}
