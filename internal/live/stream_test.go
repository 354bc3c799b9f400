package live

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/stream"
	"github.com/mpataki/autodev/internal/testutil"
)

const waitFor = 2 * time.Second

type fakeStreamer struct {
	mu          sync.Mutex
	connects    []int64
	disconnects int
	bound       int64
	cb          stream.Callbacks
}

func (f *fakeStreamer) Connect(id int64, cb stream.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	f.bound = id
	f.cb = cb
}

func (f *fakeStreamer) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.bound = 0
}

func (f *fakeStreamer) IsConnectedTo(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound != 0 && f.bound == id
}

func (f *fakeStreamer) callbacks() stream.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

// finish mimics the client unbinding before the final callback.
func (f *fakeStreamer) finish() stream.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = 0
	return f.cb
}

func executions(pairs ...any) []models.Execution {
	var out []models.Execution
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, models.Execution{ID: int64(pairs[i].(int)), Status: pairs[i+1].(models.ExecutionStatus)})
	}
	return out
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event")
		return Event{}
	}
}

func TestStreamSource_BindsNewestActive(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, testutil.NewTestLogger(t))
	defer src.Stop()

	target := Target{ProjectID: "7", Generation: 1, Executions: executions(
		10, models.StatusCompleted,
		9, models.StatusCallingLLM,
		8, models.StatusCreated,
	)}
	src.Sync(target)

	ev := next(t, src.Events())
	assert.Equal(t, EventStreamStarted, ev.Kind)
	assert.Equal(t, int64(9), ev.ExecutionID)
	assert.Equal(t, "7", ev.ProjectID)
	assert.Equal(t, uint64(1), ev.Generation)

	src.Sync(target)
	assert.Equal(t, []int64{9}, fs.connects, "already bound")
}

func TestStreamSource_NothingActive(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, nil)
	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(1, models.StatusFailed)})

	assert.Empty(t, fs.connects)
	select {
	case ev := <-src.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	default:
	}
}

func TestStreamSource_CompletionFlow(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, testutil.NewTestLogger(t))
	defer src.Stop()

	target := Target{ProjectID: "7", Generation: 1, Executions: executions(9, models.StatusCallingLLM)}
	src.Sync(target)
	require.Equal(t, EventStreamStarted, next(t, src.Events()).Kind)

	cb := fs.callbacks()
	cb.OnMessage("compiling")
	cb.OnMessage("Execution completed successfully")
	fs.finish().OnComplete()

	m1 := next(t, src.Events())
	m2 := next(t, src.Events())
	done := next(t, src.Events())
	assert.Equal(t, EventStreamMessage, m1.Kind)
	assert.Equal(t, "compiling", m1.Message.Message)
	assert.Equal(t, int64(9), m1.Message.ExecutionID)
	assert.NotEmpty(t, m1.Message.ID)
	assert.NotEqual(t, m1.Message.ID, m2.Message.ID)
	assert.Equal(t, EventStreamCompleted, done.Kind)
	assert.Equal(t, int64(9), done.ExecutionID)

	// The feed has not caught up yet; the finished execution is not rebound.
	src.Sync(target)
	assert.Equal(t, []int64{9}, fs.connects)
}

func TestStreamSource_Failure(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, nil)
	defer src.Stop()

	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(3, models.StatusCloningRepo)})
	next(t, src.Events())

	fs.finish().OnError("Connection to stream lost")
	ev := next(t, src.Events())
	assert.Equal(t, EventStreamFailed, ev.Kind)
	assert.Equal(t, "Connection to stream lost", ev.Reason)
}

func TestStreamSource_ContextChangeDropsConnection(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, nil)
	defer src.Stop()

	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(9, models.StatusCallingLLM)})
	old := fs.callbacks()

	src.Sync(Target{ProjectID: "12", Generation: 2, Executions: executions(40, models.StatusCreated)})
	assert.Equal(t, 1, fs.disconnects)
	assert.Equal(t, []int64{9, 40}, fs.connects)

	// Anything the dropped connection still emits goes nowhere.
	old.OnMessage("late")

	ev := next(t, src.Events())
	assert.Equal(t, "12", ev.ProjectID)
	assert.Equal(t, int64(40), ev.ExecutionID)
	assert.Equal(t, EventStreamStarted, ev.Kind)
}

func TestStreamSource_RebindWithFullBufferDoesNotBlock(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, nil)
	defer src.Stop()

	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(9, models.StatusCallingLLM)})
	cb := fs.callbacks()

	// A busy stream nobody is reading from.
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := 0; i < eventBuffer+8; i++ {
			cb.OnMessage(fmt.Sprintf("line %d", i))
		}
	}()
	require.Eventually(t, func() bool { return len(src.Events()) == eventBuffer }, waitFor, time.Millisecond)

	synced := make(chan struct{})
	go func() {
		defer close(synced)
		src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(
			10, models.StatusCreated,
			9, models.StatusCallingLLM,
		)})
	}()
	select {
	case <-synced:
	case <-time.After(waitFor):
		t.Fatal("Sync blocked on a full event buffer")
	}
	assert.Equal(t, []int64{9, 10}, fs.connects)
	assert.Equal(t, 1, fs.disconnects)

	// The replaced connection's backlog is released rather than left waiting.
	select {
	case <-producerDone:
	case <-time.After(waitFor):
		t.Fatal("old connection still blocked")
	}

	// Once the reader catches up, the new binding is announced after the
	// old backlog.
	var seen []Event
	for {
		ev := next(t, src.Events())
		seen = append(seen, ev)
		if ev.Kind == EventStreamStarted && ev.ExecutionID == 10 {
			break
		}
	}
	assert.Equal(t, EventStreamStarted, seen[0].Kind)
	assert.Equal(t, int64(9), seen[0].ExecutionID)
	for _, ev := range seen[1 : len(seen)-1] {
		assert.Equal(t, EventStreamMessage, ev.Kind)
		assert.Equal(t, int64(9), ev.ExecutionID)
	}
}

func TestStreamSource_FinishedStreamDeliversBeforeRebind(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, nil)
	defer src.Stop()

	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(9, models.StatusCallingLLM)})
	cb := fs.callbacks()

	go func() {
		for i := 0; i < eventBuffer-1; i++ {
			cb.OnMessage(fmt.Sprintf("line %d", i))
		}
		// Blocks on the full buffer after recording the end.
		fs.finish().OnComplete()
	}()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		_, ended := src.ended[9]
		return ended && len(src.Events()) == eventBuffer
	}, waitFor, time.Millisecond)

	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(
		10, models.StatusCreated,
		9, models.StatusCallingLLM,
	)})

	var kinds []EventKind
	var execs []int64
	for len(kinds) < eventBuffer+2 {
		ev := next(t, src.Events())
		kinds = append(kinds, ev.Kind)
		execs = append(execs, ev.ExecutionID)
	}
	n := len(kinds)
	assert.Equal(t, EventStreamCompleted, kinds[n-2])
	assert.Equal(t, int64(9), execs[n-2])
	assert.Equal(t, EventStreamStarted, kinds[n-1])
	assert.Equal(t, int64(10), execs[n-1])
}

func TestStreamSource_StopIsIdempotent(t *testing.T) {
	fs := &fakeStreamer{}
	src := NewStreamSource(fs, nil)
	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(9, models.StatusCallingLLM)})

	src.Stop()
	src.Stop()
	assert.False(t, fs.IsConnectedTo(9))
	select {
	case ev := <-src.Events():
		t.Fatalf("buffered event survived stop: %v", ev.Kind)
	default:
	}

	src.Sync(Target{ProjectID: "7", Generation: 2, Executions: executions(9, models.StatusCallingLLM)})
	assert.Equal(t, []int64{9, 9}, fs.connects)
}

func TestStreamSource_OverSSE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, msg := range []string{"compiling", "Execution completed successfully"} {
			fmt.Fprintf(w, "data: %s\n\n", msg)
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	defer ts.Close()

	client := stream.New(ts.URL, stream.WithLogger(testutil.NewTestLogger(t)))
	src := NewStreamSource(client, testutil.NewTestLogger(t))
	defer src.Stop()

	src.Sync(Target{ProjectID: "7", Generation: 1, Executions: executions(9, models.StatusCallingLLM)})

	var kinds []EventKind
	var texts []string
	for len(kinds) < 4 {
		ev := next(t, src.Events())
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventStreamMessage {
			texts = append(texts, ev.Message.Message)
		}
	}
	assert.Equal(t, []EventKind{EventStreamStarted, EventStreamMessage, EventStreamMessage, EventStreamCompleted}, kinds)
	assert.Equal(t, []string{"compiling", "Execution completed successfully"}, texts)
}
