package feed

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/autodev/internal/api"
	"github.com/mpataki/autodev/internal/models"
)

func exec(id int64, status models.ExecutionStatus) models.Execution {
	return models.Execution{ID: id, ProjectID: 7, Prompt: fmt.Sprintf("E%d", id), Status: status}
}

func page(n, total int, elements int64, ids ...int64) *models.ExecutionPage {
	p := &models.ExecutionPage{PageNumber: n, TotalPages: total, TotalElements: elements, NumberOfElements: len(ids)}
	for _, id := range ids {
		p.Content = append(p.Content, exec(id, models.StatusCompleted))
	}
	return p
}

func ids(list []models.Execution) []int64 {
	out := make([]int64, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func TestState_PagesMergeNewestFirst(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	assert.Equal(t, PhaseLoadingInitial, s.Phase())

	require.NoError(t, s.ApplyPage(t0, page(0, 3, 5, 5, 4, 3)))
	assert.Equal(t, []int64{3, 4, 5}, ids(s.Display()))
	assert.Equal(t, PhaseReady, s.Phase())

	t1, ok := s.NextPageTicket()
	require.True(t, ok)
	assert.Equal(t, PhaseLoadingMore, s.Phase())
	require.NoError(t, s.ApplyPage(t1, page(1, 3, 5, 2, 1)))

	assert.Equal(t, []int64{5, 4, 3, 2, 1}, ids(s.Executions))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(s.Display()))
	assert.Equal(t, 1, s.CurrentPage)
}

func TestState_DisplayIsPure(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 1, 3, 3, 2, 1)))

	d := s.Display()
	d[0].Prompt = "changed"
	assert.Equal(t, []int64{3, 2, 1}, ids(s.Executions))
	assert.Equal(t, "E1", s.Executions[2].Prompt)
	assert.Equal(t, ids(s.Display()), ids(s.Display()))
}

func TestState_NoDuplicatesAcrossPages(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 3, 6, 6, 5, 4)))

	// A new execution shifted the server window; page 1 overlaps.
	t1, ok := s.NextPageTicket()
	require.True(t, ok)
	require.NoError(t, s.ApplyPage(t1, page(1, 3, 7, 4, 3, 2)))

	assert.Equal(t, []int64{6, 5, 4, 3, 2}, ids(s.Executions))
}

func TestState_PageZeroReplaces(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 2, 4, 4, 3)))
	t1, _ := s.NextPageTicket()
	require.NoError(t, s.ApplyPage(t1, page(1, 2, 4, 2, 1)))

	require.NoError(t, s.ApplyPoll(t0, page(0, 3, 5, 5, 4)))
	assert.Equal(t, []int64{5, 4}, ids(s.Executions))
	assert.Equal(t, 0, s.CurrentPage)
	assert.Equal(t, 3, s.TotalPages)
	assert.Equal(t, int64(5), s.TotalElements)
}

func TestState_RefreshOrphansOlderPageInFlight(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 3, 6, 6, 5)))
	t1, _ := s.NextPageTicket()
	require.NoError(t, s.ApplyPage(t1, page(1, 3, 6, 4, 3)))
	t2, ok := s.NextPageTicket()
	require.True(t, ok)

	require.NoError(t, s.ApplyPoll(t0, page(0, 3, 6, 6, 5)))
	assert.False(t, s.LoadingMore)

	assert.ErrorIs(t, s.ApplyPage(t2, page(2, 3, 6, 2, 1)), ErrStale)
	assert.ErrorIs(t, s.FailPage(t2, fmt.Errorf("boom")), ErrStale)
	assert.Empty(t, s.Err)
	assert.Equal(t, []int64{6, 5}, ids(s.Executions))
	assert.Equal(t, 0, s.CurrentPage)
	require.True(t, s.HasMore())

	// The dropped pages can be fetched again, in order.
	next, ok := s.NextPageTicket()
	require.True(t, ok)
	assert.Equal(t, 1, next.Page)
	require.NoError(t, s.ApplyPage(next, page(1, 3, 6, 4, 3)))
	next, ok = s.NextPageTicket()
	require.True(t, ok)
	require.NoError(t, s.ApplyPage(next, page(2, 3, 6, 2, 1)))
	assert.Equal(t, []int64{6, 5, 4, 3, 2, 1}, ids(s.Executions))
	assert.False(t, s.HasMore())
}

func TestState_OlderPageOnlyAcceptedWhenRequested(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 3, 6, 6, 5)))

	skip := Ticket{ProjectID: "7", Generation: s.Generation(), Page: 2}
	assert.ErrorIs(t, s.ApplyPage(skip, page(2, 3, 6, 2, 1)), ErrStale)
	assert.Equal(t, []int64{6, 5}, ids(s.Executions))
}

func TestState_LastFailure(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.FailPage(t0, fmt.Errorf("boom")))
	assert.Equal(t, FailureFirstPage, s.LastFailure())

	t0 = s.Retry()
	require.NoError(t, s.ApplyPage(t0, page(0, 2, 4, 4, 3)))
	assert.Equal(t, FailureNone, s.LastFailure())

	t1, _ := s.NextPageTicket()
	require.NoError(t, s.FailPage(t1, fmt.Errorf("boom")))
	assert.Equal(t, FailureOlderPage, s.LastFailure())

	c := s.BeginCreate()
	assert.Equal(t, FailureNone, s.LastFailure())
	require.NoError(t, s.FailCreate(c, fmt.Errorf("boom")))
	assert.Equal(t, FailureCreate, s.LastFailure())

	_, ok := s.NextPageTicket()
	require.True(t, ok)
	assert.Equal(t, FailureNone, s.LastFailure())
}

func TestState_NextPageGates(t *testing.T) {
	s := New()
	t0 := s.Open("7")

	_, ok := s.NextPageTicket()
	assert.False(t, ok, "initial load in flight")

	require.NoError(t, s.ApplyPage(t0, page(0, 2, 2, 2)))
	t1, ok := s.NextPageTicket()
	require.True(t, ok)

	_, ok = s.NextPageTicket()
	assert.False(t, ok, "page 1 already in flight")

	require.NoError(t, s.ApplyPage(t1, page(1, 2, 2, 1)))
	_, ok = s.NextPageTicket()
	assert.False(t, ok, "last page loaded")
	assert.False(t, s.HasMore())
}

func TestState_FailPageKeepsList(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 3, 6, 6, 5)))

	t1, _ := s.NextPageTicket()
	require.NoError(t, s.FailPage(t1, &api.ServerError{Status: 500, Message: "Failed to load more executions"}))

	assert.False(t, s.LoadingMore)
	assert.Equal(t, "Failed to load more executions", s.Err)
	assert.Equal(t, []int64{6, 5}, ids(s.Executions))
	assert.Equal(t, 0, s.CurrentPage)
	assert.Equal(t, PhaseError, s.Phase())

	// The gate reopens so the user can try again.
	t2, ok := s.NextPageTicket()
	require.True(t, ok)
	assert.Equal(t, 1, t2.Page)
	assert.Empty(t, s.Err)
}

func TestState_InitialFailureAndRetry(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.FailPage(t0, &api.NetworkError{Op: "load history", Err: fmt.Errorf("dial tcp: refused")}))

	assert.True(t, s.InitialErr)
	assert.Equal(t, PhaseError, s.Phase())
	assert.NotEmpty(t, s.Err)

	t1 := s.Retry()
	assert.Equal(t, PhaseLoadingInitial, s.Phase())
	assert.ErrorIs(t, s.ApplyPage(t0, page(0, 1, 1, 1)), ErrStale)

	require.NoError(t, s.ApplyPage(t1, page(0, 1, 1, 1)))
	assert.False(t, s.InitialErr)
	assert.Equal(t, PhaseReady, s.Phase())
}

func TestState_StaleTicketsDropped(t *testing.T) {
	s := New()
	t7 := s.Open("7")
	require.NoError(t, s.ApplyPage(t7, page(0, 3, 3, 3)))
	more7, ok := s.NextPageTicket()
	require.True(t, ok)

	t12 := s.Open("12")
	assert.ErrorIs(t, s.ApplyPage(more7, page(1, 3, 3, 2)), ErrStale)
	assert.ErrorIs(t, s.FailPage(more7, fmt.Errorf("boom")), ErrStale)
	assert.ErrorIs(t, s.ApplyPoll(t7, page(0, 3, 3, 3)), ErrStale)
	assert.Empty(t, s.Executions)
	assert.True(t, s.Loading)

	require.NoError(t, s.ApplyPage(t12, page(0, 1, 1, 40)))
	assert.Equal(t, []int64{40}, ids(s.Executions))
}

func TestState_CreatePrependsAtDisplayBottom(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 1, 2, 2, 1)))

	tc := s.BeginCreate()
	assert.True(t, s.Creating)
	require.NoError(t, s.ApplyCreated(tc, exec(3, models.StatusCreated)))

	assert.False(t, s.Creating)
	assert.Equal(t, int64(3), s.TotalElements)
	require.Len(t, s.Executions, 3)
	d := s.Display()
	assert.Equal(t, int64(3), d[len(d)-1].ID)
}

func TestState_CreateReconciledById(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 1, 1, 1)))

	tc := s.BeginCreate()
	// A poll raced ahead and already brought execution 2 in.
	require.NoError(t, s.ApplyPoll(t0, page(0, 1, 2, 2, 1)))
	require.NoError(t, s.ApplyCreated(tc, exec(2, models.StatusCreated)))

	assert.Equal(t, []int64{2, 1}, ids(s.Executions))
	assert.Equal(t, int64(2), s.TotalElements)
	assert.Equal(t, models.StatusCreated, s.Executions[0].Status)
}

func TestState_FailCreate(t *testing.T) {
	s := New()
	s.Open("7")
	tc := s.BeginCreate()
	require.NoError(t, s.FailCreate(tc, &api.ServerError{Status: 400, Message: "Prompt is required"}))
	assert.False(t, s.Creating)
	assert.Equal(t, "Prompt is required", s.Err)
}

func TestState_StreamMessagesBelongToOneExecution(t *testing.T) {
	s := New()
	s.StartStreaming(9)
	assert.True(t, s.AddStreamMessage(models.StreamMessage{ExecutionID: 9, Message: "a"}))
	assert.False(t, s.AddStreamMessage(models.StreamMessage{ExecutionID: 8, Message: "b"}))
	require.Len(t, s.StreamMessages, 1)

	s.StartStreaming(10)
	assert.Empty(t, s.StreamMessages)

	s.StopStreaming()
	assert.False(t, s.Streaming)
	assert.Zero(t, s.StreamingExecutionID)
	assert.False(t, s.AddStreamMessage(models.StreamMessage{ExecutionID: 10, Message: "c"}))
}

func TestState_StreamCompletionPatchesOnlyItsExecution(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	p := page(0, 1, 3, 10, 9, 8)
	p.Content[1].Status = models.StatusCallingLLM
	require.NoError(t, s.ApplyPage(t0, p))
	before := append([]models.Execution(nil), s.Executions...)

	cand, ok := s.StreamCandidate()
	require.True(t, ok)
	assert.Equal(t, int64(9), cand.ID)

	s.StartStreaming(9)
	assert.Equal(t, PhaseStreaming, s.Phase())
	s.AddStreamMessage(models.StreamMessage{ExecutionID: 9, Message: "compiling"})
	s.AddStreamMessage(models.StreamMessage{ExecutionID: 9, Message: "Execution completed successfully"})
	require.True(t, s.CompleteStream(9))

	assert.Equal(t, models.StatusCompleted, s.Executions[1].Status)
	assert.Equal(t, CompletedSummary, s.Executions[1].Summary())
	assert.False(t, s.Streaming)
	assert.Empty(t, s.StreamMessages)
	assert.Equal(t, before[0], s.Executions[0])
	assert.Equal(t, before[2], s.Executions[2])
}

func TestState_FailStream(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	p := page(0, 1, 1, 4)
	p.Content[0].Status = models.StatusCloningRepo
	require.NoError(t, s.ApplyPage(t0, p))

	s.StartStreaming(4)
	assert.False(t, s.FailStream(5))
	require.True(t, s.FailStream(4))
	assert.Equal(t, models.StatusFailed, s.Executions[0].Status)
	assert.Empty(t, s.Executions[0].Summary())
}

func TestState_PatchStatusUnknownID(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 1, 1, 1)))
	assert.False(t, s.PatchStatus(99, models.StatusFailed, ""))
	assert.Equal(t, models.StatusCompleted, s.Executions[0].Status)
}

func TestState_SelectFollowsUpdates(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	p := page(0, 1, 1, 1)
	p.Content[0].Status = models.StatusCommitting
	require.NoError(t, s.ApplyPage(t0, p))

	assert.False(t, s.Select(2))
	require.True(t, s.Select(1))
	s.PatchStatus(1, models.StatusCompleted, "done")

	sel, ok := s.Selected()
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, sel.Status)
	assert.Equal(t, "done", sel.Summary())

	s.ClearSelection()
	_, ok = s.Selected()
	assert.False(t, ok)
}

func TestState_Teardown(t *testing.T) {
	s := New()
	t0 := s.Open("7")
	require.NoError(t, s.ApplyPage(t0, page(0, 1, 1, 1)))
	s.StartStreaming(1)

	s.Teardown()
	assert.Equal(t, PhaseTornDown, s.Phase())
	assert.Empty(t, s.Executions)
	assert.False(t, s.Streaming)
	assert.ErrorIs(t, s.ApplyPage(t0, page(0, 1, 1, 1)), ErrStale)
	_, ok := s.NextPageTicket()
	assert.False(t, ok)

	t1 := s.Open("7")
	assert.Greater(t, t1.Generation, t0.Generation)
	assert.Equal(t, PhaseLoadingInitial, s.Phase())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "INIT", New().Phase().String())
	assert.Equal(t, "TORN_DOWN", PhaseTornDown.String())
	assert.Equal(t, "UNKNOWN", Phase(42).String())
}
