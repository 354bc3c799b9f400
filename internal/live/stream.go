package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/stream"
)

// Streamer is the part of stream.Client a StreamSource drives.
type Streamer interface {
	Connect(executionID int64, cb stream.Callbacks)
	Disconnect()
	IsConnectedTo(executionID int64) bool
}

var _ Streamer = (*stream.Client)(nil)

// StreamSource follows the newest in-flight execution of the feed over the
// event stream.
type StreamSource struct {
	client Streamer
	events chan Event
	logger *slog.Logger

	mu         sync.Mutex
	projectID  string
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	conn       *binding
	// ended holds executions whose stream already finished in this context,
	// so a Sync racing the final event does not reconnect to them.
	ended map[int64]struct{}
	// starters tracks goroutines announcing a new connection.
	starters sync.WaitGroup
}

// binding is one connection's delivery context. done is closed once its
// final event has been handed over.
type binding struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	finished bool
}

func NewStreamSource(client Streamer, logger *slog.Logger) *StreamSource {
	return &StreamSource{
		client: client,
		events: make(chan Event, eventBuffer),
		logger: logging.OrDiscard(logger),
	}
}

func (s *StreamSource) Events() <-chan Event {
	return s.events
}

func (s *StreamSource) Sync(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || !t.sameContext(s.projectID, s.generation) {
		s.resetLocked()
		s.projectID = t.ProjectID
		s.generation = t.Generation
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.ended = make(map[int64]struct{})
	}

	cand, ok := s.candidate(t.Executions)
	if !ok || s.client.IsConnectedTo(cand.ID) {
		return
	}

	s.logger.Debug("binding stream", "project", t.ProjectID, "execution", cand.ID)
	s.connectLocked(cand.ID)
}

func (s *StreamSource) candidate(list []models.Execution) (models.Execution, bool) {
	for _, e := range list {
		if e.Status.IsTerminal() {
			continue
		}
		if _, done := s.ended[e.ID]; done {
			continue
		}
		return e, true
	}
	return models.Execution{}, false
}

// connectLocked binds executionID. Sync runs on the UI goroutine, which is
// also the only reader of events, so nothing here may wait on the channel:
// the start event goes out from its own goroutine, after the previous
// connection's final event, and the new connection's deliveries queue up
// behind it.
func (s *StreamSource) connectLocked(executionID int64) {
	prev := s.conn
	s.dropConnLocked()

	srcCtx := s.ctx
	ctx, cancel := context.WithCancel(srcCtx)
	b := &binding{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.conn = b
	base := Event{ProjectID: s.projectID, Generation: s.generation, ExecutionID: executionID}

	started := make(chan struct{})
	s.starters.Add(1)
	go func() {
		defer s.starters.Done()
		defer close(started)
		if prev != nil {
			select {
			case <-prev.done:
			case <-prev.ctx.Done():
			case <-ctx.Done():
			}
		}
		ev := base
		ev.Kind = EventStreamStarted
		send(ctx, s.events, ev)
	}()

	emit := func(kind EventKind, fill func(*Event)) {
		select {
		case <-started:
		case <-ctx.Done():
			return
		}
		ev := base
		ev.Kind = kind
		if fill != nil {
			fill(&ev)
		}
		send(ctx, s.events, ev)
	}
	finish := func() {
		s.mu.Lock()
		if s.ctx == srcCtx {
			s.ended[executionID] = struct{}{}
		}
		b.finished = true
		s.mu.Unlock()
	}
	end := func(kind EventKind, fill func(*Event)) {
		finish()
		emit(kind, fill)
		close(b.done)
		cancel()
	}

	s.client.Connect(executionID, stream.Callbacks{
		OnMessage: func(text string) {
			emit(EventStreamMessage, func(ev *Event) {
				ev.Message = models.StreamMessage{
					ID:          uuid.NewString(),
					ExecutionID: executionID,
					Message:     text,
					Timestamp:   time.Now(),
				}
			})
		},
		OnComplete: func() {
			end(EventStreamCompleted, nil)
		},
		OnError: func(reason string) {
			end(EventStreamFailed, func(ev *Event) { ev.Reason = reason })
		},
	})
}

// dropConnLocked tears down the bound connection. One cut off mid-stream has
// its pending deliveries released; one that already finished keeps its final
// event, which the next binding waits for.
func (s *StreamSource) dropConnLocked() {
	if s.conn == nil {
		return
	}
	s.client.Disconnect()
	if !s.conn.finished {
		s.conn.cancel()
	}
	s.conn = nil
}

func (s *StreamSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *StreamSource) resetLocked() {
	s.dropConnLocked()
	if s.cancel != nil {
		s.cancel()
	}
	// Starters exit promptly once cancelled; none may send after the drain.
	s.starters.Wait()
	s.ctx = nil
	s.cancel = nil
	s.projectID = ""
	s.generation = 0
	s.ended = nil
	drain(s.events)
}
