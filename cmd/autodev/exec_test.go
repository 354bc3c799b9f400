package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/autodev/internal/config"
	"github.com/mpataki/autodev/internal/mockserver"
	"github.com/mpataki/autodev/internal/stream"
	"github.com/mpataki/autodev/internal/testutil"
)

func testStreamClient(t *testing.T, baseURL, token string) *stream.Client {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.API.BaseURL = baseURL
	client, release, err := newStreamClient(cfg, token, testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(release)
	return client
}

func TestFollow_Completes(t *testing.T) {
	sc := mockserver.DefaultScenario()
	sc.StepDelay = 5 * time.Millisecond
	srv, ts, token := newMockEngine(t, mockserver.WithScenario(sc))
	exec := srv.Create(9, 1, "compile the project")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	err := follow(ctx, testStreamClient(t, ts.URL, token), exec.ID, &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Cloning repository")
	assert.Contains(t, out, "Execution completed successfully")
	assert.Contains(t, out, "Execution completed.")
}

func TestFollow_Fails(t *testing.T) {
	sc, err := mockserver.ParseScenario([]byte(`
step_delay: 5ms
steps:
  - status: CLONING_REPO
    message: Cloning repository
outcome: FAILED
error_message: merge conflict
`))
	require.NoError(t, err)
	srv, ts, token := newMockEngine(t, mockserver.WithScenario(sc))
	exec := srv.Create(9, 1, "rewrite everything")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	err = follow(ctx, testStreamClient(t, ts.URL, token), exec.ID, &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, errExecutionFailed)
	assert.Contains(t, err.Error(), "Execution failed")
}

func TestFollow_ContextCancelled(t *testing.T) {
	sc := mockserver.DefaultScenario()
	sc.StepDelay = time.Hour
	srv, ts, token := newMockEngine(t, mockserver.WithScenario(sc))
	exec := srv.Create(9, 1, "never finishes")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	err := follow(ctx, testStreamClient(t, ts.URL, token), exec.ID, &buf)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
