// Package mockserver is a stand-in AutoDev Engine: it serves execution
// history, accepts prompts, simulates executions through their statuses and
// streams progress over server-sent events.
package mockserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
)

const (
	DefaultUsername = "demo"
	DefaultPassword = "demo"

	defaultTenantID = 1
	tokenTTL        = 12 * time.Hour
)

type user struct {
	id       int64
	username string
	password string
	email    string
	role     string
}

// record is one execution plus its progress log. notify is closed and
// replaced every time the record changes.
type record struct {
	exec   models.Execution
	log    []string
	done   bool
	notify chan struct{}
}

type Server struct {
	mu         sync.Mutex
	scenario   *Scenario
	secret     []byte
	users      map[string]*user
	executions map[int64]*record
	nextID     int64
	nextUserID int64
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Server)

func WithScenario(sc *Scenario) Option {
	return func(s *Server) { s.scenario = sc }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDiscard(l) }
}

func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// WithUser registers an account accepted by the login endpoint.
func WithUser(username, password string) Option {
	return func(s *Server) { s.addUser(username, password) }
}

func New(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scenario:   DefaultScenario(),
		secret:     []byte("autodev-mock-secret"),
		users:      make(map[string]*user),
		executions: make(map[int64]*record),
		logger:     logging.Discard(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.addUser(DefaultUsername, DefaultPassword)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) addUser(username, password string) {
	s.nextUserID++
	s.users[username] = &user{
		id:       s.nextUserID,
		username: username,
		password: password,
		email:    username + "@autodev.local",
		role:     "USER",
	}
}

// Close stops every running simulation and waits for them to exit.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Handler returns the gin engine serving the engine's REST and SSE routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST("/api/auth/login", s.handleLogin)
	r.GET("/api/autodev/stream/:executionId", s.handleStream)

	authed := r.Group("/api", s.requireAuth())
	authed.GET("/executions/history/:projectId", s.handleHistory)
	authed.POST("/executions/:projectId", s.handleCreateForProject)
	authed.POST("/autodev/execute", s.handleExecute)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Seed inserts finished executions for a project, oldest first, and returns
// them in insertion order.
func (s *Server) Seed(projectID int64, prompts ...string) []models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Execution, 0, len(prompts))
	for _, p := range prompts {
		rec := s.insertLocked(projectID, 1, p)
		summary := "Execution completed successfully."
		rec.exec.Status = models.StatusCompleted
		rec.exec.LLMResponseSummary = &summary
		rec.log = append(rec.log, s.scenario.FinalMessage)
		rec.done = true
		out = append(out, rec.exec)
	}
	return out
}

// Create inserts a new execution and starts simulating it.
func (s *Server) Create(projectID, userID int64, prompt string) models.Execution {
	s.mu.Lock()
	rec := s.insertLocked(projectID, userID, prompt)
	exec := rec.exec
	s.mu.Unlock()

	s.wg.Add(1)
	go s.simulate(exec.ID)
	return exec
}

// Execution returns the current state of one execution.
func (s *Server) Execution(id int64) (models.Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return models.Execution{}, false
	}
	return rec.exec, true
}

func (s *Server) insertLocked(projectID, userID int64, prompt string) *record {
	s.nextID++
	now := s.now()
	repo := "https://git.autodev.local/project-" + formatID(projectID) + ".git"
	rec := &record{
		exec: models.Execution{
			ID:              s.nextID,
			TenantID:        defaultTenantID,
			ProjectID:       projectID,
			UserID:          userID,
			Prompt:          prompt,
			GitRepoURL:      &repo,
			BaseBranch:      "main",
			ExecutionBranch: "autodev/exec-" + formatID(s.nextID),
			Status:          models.StatusCreated,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		notify: make(chan struct{}),
	}
	s.executions[rec.exec.ID] = rec
	return rec
}

// simulate walks one execution through the scenario.
func (s *Server) simulate(id int64) {
	defer s.wg.Done()

	sc := s.scenario
	for _, step := range sc.Steps {
		if !s.sleep(sc.StepDelay) {
			return
		}
		s.update(id, func(rec *record) {
			rec.exec.Status = step.Status
			rec.log = append(rec.log, step.Message)
		})
	}

	if !s.sleep(sc.StepDelay) {
		return
	}
	s.update(id, func(rec *record) {
		rec.exec.Status = sc.Outcome
		if sc.Summary != "" {
			summary := sc.Summary
			rec.exec.LLMResponseSummary = &summary
		}
		if sc.Outcome == models.StatusFailed && sc.ErrorMessage != "" {
			msg := sc.ErrorMessage
			rec.exec.ErrorMessage = &msg
		}
		rec.log = append(rec.log, sc.FinalMessage)
		rec.done = true
	})
	s.logger.Info("execution finished", "execution", id, "status", sc.Outcome)
}

func (s *Server) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) update(id int64, fn func(*record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return
	}
	fn(rec)
	rec.exec.UpdatedAt = s.now()
	close(rec.notify)
	rec.notify = make(chan struct{})
}

// follow returns the progress messages from index from onward, whether the
// execution has finished, and a channel closed on the next change.
func (s *Server) follow(id int64, from int) ([]string, bool, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, false, nil, false
	}
	var msgs []string
	if from < len(rec.log) {
		msgs = append(msgs, rec.log[from:]...)
	}
	return msgs, rec.done, rec.notify, true
}

// page returns one newest-first history page for a project.
func (s *Server) page(projectID int64, page, size int) models.ExecutionPage {
	s.mu.Lock()
	var all []models.Execution
	for _, rec := range s.executions {
		if rec.exec.ProjectID == projectID {
			all = append(all, rec.exec)
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	totalPages := (total + size - 1) / size
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	content := all[start:end]
	if content == nil {
		content = []models.Execution{}
	}

	return models.ExecutionPage{
		TotalElements:    int64(total),
		NumberOfElements: len(content),
		TotalPages:       totalPages,
		Offset:           int64(start),
		PageNumber:       page,
		PageSize:         size,
		Content:          content,
	}
}
