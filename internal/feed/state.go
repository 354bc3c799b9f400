// Package feed holds the client-side state of one project's execution feed
// and the rules for merging history pages, created executions, live stream
// messages and status changes into it.
//
// State is not safe for concurrent use. The TUI mutates it only from its
// update loop; network work happens elsewhere and comes back as results
// tagged with a Ticket.
package feed

import (
	"errors"

	"github.com/mpataki/autodev/internal/api"
	"github.com/mpataki/autodev/internal/models"
)

// Ticket tags a request with the feed context it was issued for. Results
// whose ticket no longer matches the state are stale and dropped.
type Ticket struct {
	ProjectID  string
	Generation uint64
	Page       int
}

type Phase int

const (
	PhaseInit Phase = iota
	PhaseLoadingInitial
	PhaseReady
	PhaseLoadingMore
	PhaseStreaming
	PhaseError
	PhaseTornDown
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseLoadingInitial:
		return "LOADING_INITIAL"
	case PhaseReady:
		return "READY"
	case PhaseLoadingMore:
		return "LOADING_MORE"
	case PhaseStreaming:
		return "STREAMING"
	case PhaseError:
		return "ERROR"
	case PhaseTornDown:
		return "TORN_DOWN"
	}
	return "UNKNOWN"
}

// ErrStale is returned by operations handed a ticket from an older context.
var ErrStale = errors.New("stale feed result")

// Failure names the request behind the current error.
type Failure int

const (
	FailureNone Failure = iota
	FailureFirstPage
	FailureOlderPage
	FailureCreate
)

type State struct {
	ProjectID  string
	generation uint64
	tornDown   bool
	loadedOnce bool

	// Executions is newest-first, in the order pages were fetched.
	Executions    []models.Execution
	CurrentPage   int
	TotalPages    int
	TotalElements int64

	Loading     bool
	LoadingMore bool
	Creating    bool
	Err         string
	// InitialErr is set when the first page of the current context failed;
	// the list is not rendered until a retry succeeds.
	InitialErr bool
	failure    Failure

	selectedID int64

	StreamingExecutionID int64
	StreamMessages       []models.StreamMessage
	Streaming            bool
}

func New() *State {
	return &State{}
}

func (s *State) Generation() uint64 {
	return s.generation
}

func (s *State) ticket(page int) Ticket {
	return Ticket{ProjectID: s.ProjectID, Generation: s.generation, Page: page}
}

// Current reports whether t belongs to the state's present context.
func (s *State) Current(t Ticket) bool {
	return !s.tornDown && t.ProjectID == s.ProjectID && t.Generation == s.generation
}

// Open starts a fresh context for projectID and returns the ticket for its
// first page. Anything in flight for an earlier context becomes stale.
func (s *State) Open(projectID string) Ticket {
	gen := s.generation + 1
	*s = State{ProjectID: projectID, generation: gen, Loading: true}
	return s.ticket(0)
}

// Retry re-issues the first page load for the current project. It starts a
// new generation so a late answer to the failed request is ignored.
func (s *State) Retry() Ticket {
	return s.Open(s.ProjectID)
}

// NextPageTicket returns the ticket for the next older page when a load is
// allowed: nothing is loading and currentPage+1 < totalPages.
func (s *State) NextPageTicket() (Ticket, bool) {
	if s.tornDown || s.Loading || s.LoadingMore || !s.HasMore() {
		return Ticket{}, false
	}
	s.LoadingMore = true
	s.clearErr()
	return s.ticket(s.CurrentPage + 1), true
}

// LastFailure reports which request produced Err.
func (s *State) LastFailure() Failure {
	return s.failure
}

func (s *State) clearErr() {
	s.Err = ""
	s.failure = FailureNone
}

// pending reports whether t is the older-page request the state is waiting
// for. A refresh back to page 0 orphans any such request.
func (s *State) pending(t Ticket) bool {
	return s.LoadingMore && t.Page == s.CurrentPage+1
}

func (s *State) HasMore() bool {
	return s.CurrentPage+1 < s.TotalPages
}

// ApplyPage merges a fetched page. Page 0 replaces the list; later pages are
// appended, skipping ids already present. A later page is only accepted as
// the direct successor of the pages held.
func (s *State) ApplyPage(t Ticket, page *models.ExecutionPage) error {
	if !s.Current(t) || (t.Page > 0 && !s.pending(t)) {
		return ErrStale
	}
	if t.Page == 0 {
		s.Loading = false
		s.InitialErr = false
		s.loadedOnce = true
		s.replace(page)
	} else {
		s.LoadingMore = false
		s.append(page.Content)
		s.setCounters(page)
	}
	s.clearErr()
	return nil
}

// ApplyPoll silently replaces the list with a refreshed first page. Errors
// are left alone; an older-page load in flight is abandoned, since the list
// it would extend is gone.
func (s *State) ApplyPoll(t Ticket, page *models.ExecutionPage) error {
	if !s.Current(t) {
		return ErrStale
	}
	s.LoadingMore = false
	s.replace(page)
	s.loadedOnce = true
	return nil
}

// FailPage records a failed page load. The list and counters are kept.
func (s *State) FailPage(t Ticket, err error) error {
	if !s.Current(t) || (t.Page > 0 && !s.pending(t)) {
		return ErrStale
	}
	if t.Page == 0 {
		s.Loading = false
		s.InitialErr = !s.loadedOnce
		s.failure = FailureFirstPage
	} else {
		s.LoadingMore = false
		s.failure = FailureOlderPage
	}
	s.Err = api.Message(err)
	return nil
}

// BeginCreate marks a prompt submission in flight.
func (s *State) BeginCreate() Ticket {
	s.Creating = true
	s.clearErr()
	return s.ticket(0)
}

// ApplyCreated prepends the acknowledged execution. If a refresh already
// brought it in, it is replaced in place instead.
func (s *State) ApplyCreated(t Ticket, exec models.Execution) error {
	if !s.Current(t) {
		return ErrStale
	}
	s.Creating = false
	if i := s.indexOf(exec.ID); i >= 0 {
		s.Executions[i] = exec
		return nil
	}
	s.Executions = append([]models.Execution{exec}, s.Executions...)
	s.TotalElements++
	return nil
}

func (s *State) FailCreate(t Ticket, err error) error {
	if !s.Current(t) {
		return ErrStale
	}
	s.Creating = false
	s.Err = api.Message(err)
	s.failure = FailureCreate
	return nil
}

// StartStreaming binds the live stream to executionID and clears messages
// left from any previous execution.
func (s *State) StartStreaming(executionID int64) {
	s.StreamingExecutionID = executionID
	s.StreamMessages = nil
	s.Streaming = true
}

// AddStreamMessage records a live payload. Messages for any execution other
// than the streamed one are dropped.
func (s *State) AddStreamMessage(msg models.StreamMessage) bool {
	if !s.Streaming || msg.ExecutionID != s.StreamingExecutionID {
		return false
	}
	s.StreamMessages = append(s.StreamMessages, msg)
	return true
}

// StopStreaming unbinds the stream and discards its messages.
func (s *State) StopStreaming() {
	s.Streaming = false
	s.StreamingExecutionID = 0
	s.StreamMessages = nil
}

// PatchStatus rewrites one execution's status, and its summary when summary
// is non-empty, in place. Other entries are untouched.
func (s *State) PatchStatus(executionID int64, status models.ExecutionStatus, summary string) bool {
	i := s.indexOf(executionID)
	if i < 0 {
		return false
	}
	s.Executions[i].Status = status
	if summary != "" {
		v := summary
		s.Executions[i].LLMResponseSummary = &v
	}
	return true
}

// Display returns the executions oldest-first for rendering. The stored
// order is not modified.
func (s *State) Display() []models.Execution {
	return Reverse(s.Executions)
}

// Reverse returns a reversed copy of list.
func Reverse(list []models.Execution) []models.Execution {
	out := make([]models.Execution, len(list))
	for i, e := range list {
		out[len(list)-1-i] = e
	}
	return out
}

// StreamCandidate returns the newest execution that has not reached a
// terminal status.
func (s *State) StreamCandidate() (models.Execution, bool) {
	return NewestActive(s.Executions)
}

// NewestActive returns the first non-terminal execution of a newest-first
// list.
func NewestActive(list []models.Execution) (models.Execution, bool) {
	for _, e := range list {
		if !e.Status.IsTerminal() {
			return e, true
		}
	}
	return models.Execution{}, false
}

func (s *State) Select(executionID int64) bool {
	if s.indexOf(executionID) < 0 {
		return false
	}
	s.selectedID = executionID
	return true
}

func (s *State) ClearSelection() {
	s.selectedID = 0
}

// Selected returns the selected execution as currently stored.
func (s *State) Selected() (models.Execution, bool) {
	i := s.indexOf(s.selectedID)
	if s.selectedID == 0 || i < 0 {
		return models.Execution{}, false
	}
	return s.Executions[i], true
}

// Teardown discards everything. Every outstanding ticket becomes stale.
func (s *State) Teardown() {
	gen := s.generation + 1
	*s = State{generation: gen, tornDown: true}
}

func (s *State) Phase() Phase {
	switch {
	case s.tornDown:
		return PhaseTornDown
	case s.ProjectID == "":
		return PhaseInit
	case s.Loading:
		return PhaseLoadingInitial
	case s.InitialErr:
		return PhaseError
	case s.LoadingMore:
		return PhaseLoadingMore
	case s.Streaming:
		return PhaseStreaming
	case s.Err != "":
		return PhaseError
	}
	return PhaseReady
}

func (s *State) indexOf(id int64) int {
	for i := range s.Executions {
		if s.Executions[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) replace(page *models.ExecutionPage) {
	s.Executions = s.Executions[:0:0]
	s.append(page.Content)
	s.setCounters(page)
}

func (s *State) append(content []models.Execution) {
	seen := make(map[int64]struct{}, len(s.Executions))
	for _, e := range s.Executions {
		seen[e.ID] = struct{}{}
	}
	for _, e := range content {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		s.Executions = append(s.Executions, e)
	}
}

func (s *State) setCounters(page *models.ExecutionPage) {
	s.CurrentPage = page.PageNumber
	s.TotalPages = page.TotalPages
	s.TotalElements = page.TotalElements
}

// CompletedSummary is recorded on an execution whose live stream finished
// without the engine reporting a summary of its own.
const CompletedSummary = "Execution completed successfully."

// CompleteStream marks the streamed execution COMPLETED and unbinds the
// stream. It returns false when executionID is not the streamed execution.
func (s *State) CompleteStream(executionID int64) bool {
	if !s.Streaming || executionID != s.StreamingExecutionID {
		return false
	}
	s.PatchStatus(executionID, models.StatusCompleted, CompletedSummary)
	s.StopStreaming()
	return true
}

// FailStream marks the streamed execution FAILED and unbinds the stream.
func (s *State) FailStream(executionID int64) bool {
	if !s.Streaming || executionID != s.StreamingExecutionID {
		return false
	}
	s.PatchStatus(executionID, models.StatusFailed, "")
	s.StopStreaming()
	return true
}
