package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mpataki/autodev/internal/logging"
)

const DefaultPollInterval = 5 * time.Second

// PollSource refreshes the first page of the feed on a fixed interval.
type PollSource struct {
	loader   PageLoader
	interval time.Duration
	size     int
	events   chan Event
	logger   *slog.Logger

	mu         sync.Mutex
	projectID  string
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewPollSource(loader PageLoader, interval time.Duration, size int, logger *slog.Logger) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollSource{
		loader:   loader,
		interval: interval,
		size:     size,
		events:   make(chan Event, eventBuffer),
		logger:   logging.OrDiscard(logger),
	}
}

func (p *PollSource) Events() <-chan Event {
	return p.events
}

// Sync arms the ticker for t's context. The ticker of a previous context is
// stopped, and its goroutine has exited, before the new one starts.
func (p *PollSource) Sync(t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil && t.sameContext(p.projectID, p.generation) {
		return
	}
	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.projectID = t.ProjectID
	p.generation = t.Generation
	p.cancel = cancel
	p.done = make(chan struct{})

	p.logger.Debug("polling armed", "project", t.ProjectID, "interval", p.interval)
	go p.loop(ctx, t.ProjectID, t.Generation, p.done)
}

func (p *PollSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *PollSource) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Debug("polling stopped", "project", p.projectID)
	p.cancel = nil
	p.done = nil
	p.projectID = ""
	p.generation = 0
	drain(p.events)
}

func (p *PollSource) loop(ctx context.Context, projectID string, generation uint64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, err := p.loader.LoadPage(ctx, projectID, 0, p.size)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Debug("poll failed", "project", projectID, "error", err)
			}
			continue
		}
		send(ctx, p.events, Event{
			Kind:       EventPollPage,
			ProjectID:  projectID,
			Generation: generation,
			Page:       page,
		})
	}
}
