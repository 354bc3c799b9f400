package tui

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/autodev/internal/api"
	"github.com/mpataki/autodev/internal/feed"
	"github.com/mpataki/autodev/internal/live"
	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
)

type View int

const (
	ViewProjects View = iota
	ViewFeed
	ViewDetail
)

const recentLimit = 20

// FeedAPI is what the feed needs from the engine.
type FeedAPI interface {
	LoadPage(ctx context.Context, projectID string, page, size int) (*models.ExecutionPage, error)
	CreateExecution(ctx context.Context, projectID, prompt string) (*models.Execution, error)
}

// ProjectStore remembers recently opened projects. storage.Storage
// implements it.
type ProjectStore interface {
	ListRecentProjects(baseURL string, limit int) ([]*models.RecentProject, error)
	TouchProject(p *models.RecentProject) error
}

type Deps struct {
	API      FeedAPI
	Live     live.Source
	Store    ProjectStore
	BaseURL  string
	PageSize int
	Logger   *slog.Logger
	// OnUnauthorized runs once when the engine rejects the token.
	OnUnauthorized func()
}

type App struct {
	ctx  context.Context
	deps Deps
	log  *slog.Logger

	view View

	// project list
	projects    []*models.RecentProject
	selectedIdx int
	projectIn   textarea.Model

	// feed
	state     *feed.State
	trigger   feed.ScrollTrigger
	chat      viewport.Model
	prompt    textarea.Model
	spinner   spinner.Model
	listFocus bool
	notice    string
	pending   []tea.Cmd

	unauthorized bool
	listening    bool

	width  int
	height int
	err    error
}

// NewApp builds the TUI. When projectID is set the feed for it opens
// straight away.
func NewApp(ctx context.Context, deps Deps, projectID string) *App {
	if deps.PageSize <= 0 {
		deps.PageSize = api.DefaultPageSize
	}

	projectIn := textarea.New()
	projectIn.Placeholder = "project id"
	projectIn.ShowLineNumbers = false
	projectIn.CharLimit = 32
	projectIn.SetHeight(1)
	projectIn.SetWidth(30)
	projectIn.Focus()

	prompt := textarea.New()
	prompt.Placeholder = "Describe a change to make..."
	prompt.ShowLineNumbers = false
	prompt.CharLimit = 4000
	prompt.SetHeight(3)
	prompt.KeyMap.InsertNewline.SetKeys("ctrl+j")

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = statusRunning

	a := &App{
		ctx:       ctx,
		deps:      deps,
		log:       logging.OrDiscard(deps.Logger),
		view:      ViewProjects,
		projectIn: projectIn,
		state:     feed.New(),
		chat:      viewport.New(80, 20),
		prompt:    prompt,
		spinner:   spin,
	}
	if projectID != "" {
		a.openProject(projectID)
	}
	return a
}

func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.loadProjects, textarea.Blink, a.spinner.Tick}
	cmds = append(cmds, a.takePending()...)
	if cmd := a.listen(); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.MouseMsg:
		if a.view == ViewFeed {
			switch msg.Button {
			case tea.MouseButtonWheelUp:
				a.scroll(-3)
			case tea.MouseButtonWheelDown:
				a.scroll(3)
			}
		}
		return a, a.flush()

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, a.flush()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		if a.view == ViewFeed && (a.state.Loading || a.state.LoadingMore || a.state.Creating) {
			a.refreshChat(false)
		}
		return a, cmd

	case projectsLoadedMsg:
		a.projects = msg.projects
		a.err = msg.err
		if a.selectedIdx >= len(a.projects) {
			a.selectedIdx = 0
		}
		return a, nil

	case pageLoadedMsg:
		a.handlePage(msg)
		return a, a.flush()

	case createdMsg:
		a.handleCreated(msg)
		return a, a.flush()

	case liveMsg:
		a.handleLive(live.Event(msg))
		return a, tea.Batch(a.listenAgain(), a.flush())
	}

	if a.view == ViewFeed && !a.listFocus {
		var cmd tea.Cmd
		a.prompt, cmd = a.prompt.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if touch := a.leaveFeed(); touch != nil {
			touch()
		}
		return a, tea.Quit
	}

	switch a.view {
	case ViewProjects:
		return a.handleProjectsKey(msg)
	case ViewFeed:
		return a.handleFeedKey(msg)
	case ViewDetail:
		return a.handleDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleProjectsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		return a, tea.Quit

	case "up":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, nil

	case "down":
		if a.selectedIdx < len(a.projects)-1 {
			a.selectedIdx++
		}
		return a, nil

	case "enter":
		id := strings.TrimSpace(a.projectIn.Value())
		if id == "" && a.selectedIdx < len(a.projects) {
			id = a.projects[a.selectedIdx].ProjectID
		}
		if id == "" {
			return a, nil
		}
		a.projectIn.Reset()
		a.openProject(id)
		return a, a.flush()
	}

	var cmd tea.Cmd
	a.projectIn, cmd = a.projectIn.Update(msg)
	return a, cmd
}

func (a *App) handleFeedKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		touch := a.leaveFeed()
		a.view = ViewProjects
		a.projectIn.Focus()
		return a, func() tea.Msg {
			if touch != nil {
				touch()
			}
			return a.loadProjects()
		}

	case "tab":
		a.listFocus = !a.listFocus
		if a.listFocus {
			a.prompt.Blur()
		} else {
			a.prompt.Focus()
		}
		a.refreshChat(false)
		return a, nil

	case "pgup":
		a.scroll(-a.chat.Height)
		return a, a.flush()

	case "pgdown":
		a.scroll(a.chat.Height)
		return a, a.flush()

	case "ctrl+r":
		a.retry()
		return a, a.flush()
	}

	if a.listFocus {
		switch msg.String() {
		case "r":
			a.retry()
		case "up", "k":
			a.moveSelection(-1)
		case "down", "j":
			a.moveSelection(1)
		case "g":
			a.scroll(-a.chat.TotalLineCount())
		case "G":
			a.scroll(a.chat.TotalLineCount())
		case "enter":
			if _, ok := a.state.Selected(); ok {
				a.view = ViewDetail
			}
		}
		return a, a.flush()
	}

	if msg.String() == "enter" {
		a.submit()
		return a, a.flush()
	}

	var cmd tea.Cmd
	a.prompt, cmd = a.prompt.Update(msg)
	return a, cmd
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q":
		a.view = ViewFeed
		a.refreshChat(false)
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewProjects:
		return a.viewProjects()
	case ViewFeed:
		return a.viewFeed()
	case ViewDetail:
		return a.viewDetail()
	}
	return ""
}

func (a *App) resize() {
	if a.width <= 0 || a.height <= 0 {
		return
	}
	a.prompt.SetWidth(max(20, a.width-2))
	a.chat.Width = a.width
	// header (2) + blank (1) + prompt (3) + help (1)
	a.chat.Height = max(3, a.height-7)
	a.refreshChat(false)
}

func (a *App) scroll(delta int) {
	a.chat.SetYOffset(a.chat.YOffset + delta)
	a.notifyTrigger()
}

// takePending returns commands queued while handling a message.
func (a *App) takePending() []tea.Cmd {
	cmds := a.pending
	a.pending = nil
	return cmds
}

func (a *App) flush() tea.Cmd {
	cmds := a.takePending()
	switch len(cmds) {
	case 0:
		return nil
	case 1:
		return cmds[0]
	}
	return tea.Batch(cmds...)
}

func (a *App) queue(cmd tea.Cmd) {
	if cmd != nil {
		a.pending = append(a.pending, cmd)
	}
}

func (a *App) noteError(err error) {
	if a.unauthorized || !errors.Is(err, api.ErrUnauthorized) {
		return
	}
	a.unauthorized = true
	a.log.Warn("engine rejected the token")
	if a.deps.OnUnauthorized != nil {
		a.deps.OnUnauthorized()
	}
}
