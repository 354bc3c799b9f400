// Package live keeps an open feed current while executions progress. A
// Source is bound to one feed context at a time and reports what it sees as
// Events tagged with that context.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/autodev/internal/models"
)

const (
	StrategyStream = "stream"
	StrategyPoll   = "poll"
)

const eventBuffer = 64

// Source is the live update strategy for the feed.
type Source interface {
	// Sync (re)binds the source to the feed's current context. It is called
	// after every change to the feed's executions and must be cheap when
	// nothing relevant changed.
	Sync(target Target)
	// Events delivers tagged events. The channel is never closed.
	Events() <-chan Event
	// Stop releases the current binding. Safe to call repeatedly.
	Stop()
}

// Target is the feed context a Source binds to.
type Target struct {
	ProjectID  string
	Generation uint64
	// Executions is the feed's newest-first list.
	Executions []models.Execution
}

func (t Target) sameContext(projectID string, generation uint64) bool {
	return t.ProjectID == projectID && t.Generation == generation
}

type EventKind int

const (
	EventStreamStarted EventKind = iota
	EventStreamMessage
	EventStreamCompleted
	EventStreamFailed
	EventPollPage
)

func (k EventKind) String() string {
	switch k {
	case EventStreamStarted:
		return "stream-started"
	case EventStreamMessage:
		return "stream-message"
	case EventStreamCompleted:
		return "stream-completed"
	case EventStreamFailed:
		return "stream-failed"
	case EventPollPage:
		return "poll-page"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event struct {
	Kind       EventKind
	ProjectID  string
	Generation uint64

	ExecutionID int64
	Message     models.StreamMessage
	Reason      string
	Page        *models.ExecutionPage
}

// PageLoader fetches one page of a project's history.
type PageLoader interface {
	LoadPage(ctx context.Context, projectID string, page, size int) (*models.ExecutionPage, error)
}

type Options struct {
	Strategy     string
	Streamer     Streamer
	Loader       PageLoader
	PageSize     int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// New builds the Source for opts.Strategy.
func New(opts Options) (Source, error) {
	switch opts.Strategy {
	case "", StrategyStream:
		if opts.Streamer == nil {
			return nil, fmt.Errorf("stream strategy needs a stream client")
		}
		return NewStreamSource(opts.Streamer, opts.Logger), nil
	case StrategyPoll:
		if opts.Loader == nil {
			return nil, fmt.Errorf("poll strategy needs a page loader")
		}
		return NewPollSource(opts.Loader, opts.PollInterval, opts.PageSize, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown live strategy %q", opts.Strategy)
	}
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain drops events already buffered for a context that is going away.
func drain(ch chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
