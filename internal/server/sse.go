package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Frame is one progress event with its position in the run's stream.
// Seq starts at 1 and doubles as the SSE event id.
type Frame struct {
	Seq   uint64
	Event map[string]any
}

// heartbeatInterval keeps idle proxies from closing a stream during long
// phases.
var heartbeatInterval = 15 * time.Second

// Broadcaster fans out the progress events of one cycle run to any number of
// stream clients. Late subscribers get the full history first.
type Broadcaster struct {
	mu      sync.Mutex
	frames  []Frame
	clients map[uint64]chan Frame
	nextID  uint64
	closed  bool
	doneCh  chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Frame),
		doneCh:  make(chan struct{}),
	}
}

// Send is the orchestrator's progress sink. Events arrive as snapshots and are
// not copied again. A client that cannot keep up is dropped; the cycle never
// waits on a reader.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	f := Frame{Seq: uint64(len(b.frames)) + 1, Event: ev}
	b.frames = append(b.frames, f)
	for id, ch := range b.clients {
		select {
		case ch <- f:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe replays every frame after the given sequence number and then
// follows live frames. The done channel closes only when the run ends, so a
// closed frame channel with done still open means the client was dropped.
func (b *Broadcaster) Subscribe(after uint64) (<-chan Frame, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Frame, len(b.frames)+256)
	for _, f := range b.frames {
		if f.Seq > after {
			ch <- f
		}
	}
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	id := b.nextID
	b.nextID++
	b.clients[id] = ch
	return ch, b.doneCh, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
}

// Close ends the stream. Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns the events received so far, oldest first.
func (b *Broadcaster) History() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.frames))
	for i, f := range b.frames {
		out[i] = f.Event
	}
	return out
}

// WriteSSE streams a run's progress as Server-Sent Events. Each frame carries
// its sequence number as id and the event kind as the SSE event name, so a
// reconnecting client resumes from Last-Event-ID. A final "done" event marks
// the end of the run.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var after uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			after = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, doneCh, unsub := b.Subscribe(after)
	defer unsub()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case f, ok := <-frames:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprint(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(f.Event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", f.Seq)
			if name, _ := f.Event["event"].(string); name != "" {
				fmt.Fprintf(w, "event: %s\n", name)
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
