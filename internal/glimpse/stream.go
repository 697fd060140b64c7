package glimpse

import (
	"context"
	"sync"

	"glimpse-api/internal/router"
	"glimpse-api/internal/shared"
)

const chunkBuffer = 32

// Cached responses are replayed in pieces of this many runes so a replayed
// stream looks like a live one to the caller.
const replayChunkRunes = 64

// Chunk is one unit of orchestrator output. Delta carries text, Done marks
// clean completion and Err marks terminal failure. Every stream ends with
// exactly one terminal chunk. The Done chunk carries the assembled
// completion so buffered callers get usage and finish reason without
// tracking deltas themselves.
type Chunk struct {
	Delta      string
	Done       bool
	Err        error
	Completion *shared.Completion
}

// Stream is the caller's view of one submitted request. Chunks delivers
// output in order and is closed after the terminal chunk. A caller that
// abandons the stream must cancel the submit context, otherwise the
// producer goroutine stays blocked on the channel.
type Stream struct {
	ch       chan Chunk
	mu       sync.Mutex
	closed   bool
	reqID    string
	decision router.Decision
	cacheHit bool
}

func newStream(reqID string, decision router.Decision, cacheHit bool) *Stream {
	return &Stream{
		ch:       make(chan Chunk, chunkBuffer),
		reqID:    reqID,
		decision: decision,
		cacheHit: cacheHit,
	}
}

func (s *Stream) Chunks() <-chan Chunk { return s.ch }

// send delivers one chunk unless the stream is already closed or ctx ends.
// The mutex covers the whole send so a coalescing flight that outlives its
// leader can never race the close; a send blocked under the lock always
// unwinds through ctx before close can proceed.
func (s *Stream) send(ctx context.Context, c Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.ch)
}

func (s *Stream) RequestID() string { return s.reqID }

// Decision reports how the request was routed.
func (s *Stream) Decision() router.Decision { return s.decision }

// CacheHit reports whether the response is replayed from cache rather than
// produced by an upstream call.
func (s *Stream) CacheHit() bool { return s.cacheHit }

func replaySlices(content string) []string {
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	pieces := make([]string, 0, len(runes)/replayChunkRunes+1)
	for start := 0; start < len(runes); start += replayChunkRunes {
		end := start + replayChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
