package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/autodev/internal/mockserver"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/testutil"
)

func newMock(t *testing.T) (*mockserver.Server, *httptest.Server, string) {
	t.Helper()
	s := mockserver.New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	tok, err := s.Token(mockserver.DefaultUsername)
	require.NoError(t, err)
	return s, ts, tok
}

func TestClient_LoadPage(t *testing.T) {
	s, ts, tok := newMock(t)
	s.Seed(3, "e1", "e2", "e3", "e4", "e5")

	c := New(ts.URL, WithToken(func() string { return tok }), WithLogger(testutil.NewTestLogger(t)))

	page, err := c.LoadPage(context.Background(), "3", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, int64(5), page.TotalElements)
	require.Len(t, page.Content, 3)
	assert.Equal(t, "e5", page.Content[0].Prompt)
	assert.True(t, page.HasNext())

	page, err = c.LoadPage(context.Background(), "3", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, page.PageNumber)
	assert.False(t, page.HasNext())
}

func TestClient_LoadPage_ServerError(t *testing.T) {
	_, ts, _ := newMock(t)
	c := New(ts.URL)

	_, err := c.LoadPage(context.Background(), "3", 0, 25)
	require.Error(t, err)

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, http.StatusUnauthorized, srvErr.Status)
	assert.Equal(t, "Unauthorized", srvErr.Message)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "Unauthorized", Message(err))
}

func TestClient_FallbackMessages(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("oops"))
	}))
	defer ts.Close()
	c := New(ts.URL)

	_, err := c.LoadPage(context.Background(), "1", 0, 25)
	assert.Equal(t, "Failed to fetch execution history", Message(err))

	_, err = c.LoadPage(context.Background(), "1", 2, 25)
	assert.Equal(t, "Failed to load more executions", Message(err))
}

func TestClient_NetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	c := New(ts.URL, WithTimeout(20*time.Millisecond))
	_, err := c.LoadPage(context.Background(), "1", 0, 25)
	require.Error(t, err)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Retryable())
	assert.Contains(t, Message(err), "Network error")
}

func TestClient_CreateExecution(t *testing.T) {
	_, ts, tok := newMock(t)

	for _, endpoint := range []CreateEndpoint{CreateViaProject, CreateViaAutodev} {
		c := New(ts.URL, WithToken(func() string { return tok }), WithCreateEndpoint(endpoint))

		exec, err := c.CreateExecution(context.Background(), "12", "add tests")
		require.NoError(t, err)
		assert.Equal(t, int64(12), exec.ProjectID)
		assert.Equal(t, "add tests", exec.Prompt)
		assert.False(t, exec.Status.IsTerminal())
	}
}

func TestClient_CreateExecution_Validation(t *testing.T) {
	_, ts, tok := newMock(t)
	c := New(ts.URL, WithToken(func() string { return tok }))

	_, err := c.CreateExecution(context.Background(), "12", "  ")
	assert.Equal(t, "Prompt is required", Message(err))

	_, err = c.CreateExecution(context.Background(), "abc", "x")
	assert.ErrorContains(t, err, "invalid project id")
}

func TestClient_Login(t *testing.T) {
	_, ts, _ := newMock(t)
	c := New(ts.URL)

	tok, err := c.Login(context.Background(), mockserver.DefaultUsername, mockserver.DefaultPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	_, err = c.Login(context.Background(), "demo", "wrong")
	assert.Equal(t, "Invalid username or password", Message(err))
}

func TestClient_PageDecodesLegacyStatuses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/executions/history/4", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("size"))
		_, _ = w.Write([]byte(`{"totalElements":1,"totalPages":2,"pageNumber":1,"pageSize":10,
			"content":[{"id":8,"status":"RUNNING"}]}`))
	}))
	defer ts.Close()

	page, err := New(ts.URL).LoadPage(context.Background(), "4", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.Equal(t, models.StatusCallingLLM, page.Content[0].Status)
}
