package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/autodev/internal/feed"
	"github.com/mpataki/autodev/internal/live"
	"github.com/mpataki/autodev/internal/models"
)

// Messages

type projectsLoadedMsg struct {
	projects []*models.RecentProject
	err      error
}

type pageLoadedMsg struct {
	ticket feed.Ticket
	page   *models.ExecutionPage
	err    error
}

type createdMsg struct {
	ticket feed.Ticket
	prompt string
	exec   *models.Execution
	err    error
}

type liveMsg live.Event

// Commands

func (a *App) loadProjects() tea.Msg {
	if a.deps.Store == nil {
		return projectsLoadedMsg{}
	}
	projects, err := a.deps.Store.ListRecentProjects(a.deps.BaseURL, recentLimit)
	return projectsLoadedMsg{projects: projects, err: err}
}

func (a *App) loadPage(t feed.Ticket) tea.Cmd {
	return func() tea.Msg {
		page, err := a.deps.API.LoadPage(a.ctx, t.ProjectID, t.Page, a.deps.PageSize)
		return pageLoadedMsg{ticket: t, page: page, err: err}
	}
}

func (a *App) createExecution(t feed.Ticket, prompt string) tea.Cmd {
	return func() tea.Msg {
		exec, err := a.deps.API.CreateExecution(a.ctx, t.ProjectID, prompt)
		return createdMsg{ticket: t, prompt: prompt, exec: exec, err: err}
	}
}

func (a *App) touchProject() tea.Cmd {
	if a.deps.Store == nil || a.state.ProjectID == "" {
		return nil
	}
	p := &models.RecentProject{
		BaseURL:       a.deps.BaseURL,
		ProjectID:     a.state.ProjectID,
		TotalElements: a.state.TotalElements,
	}
	if len(a.state.Executions) > 0 {
		newest := a.state.Executions[0]
		p.LastStatus = newest.Status
		p.LastPrompt = newest.Prompt
	}
	store, log := a.deps.Store, a.log
	return func() tea.Msg {
		if err := store.TouchProject(p); err != nil {
			log.Warn("failed to record recent project", "project", p.ProjectID, "error", err)
		}
		return nil
	}
}

// listen waits for the next live event. Only one listener is outstanding at
// a time.
func (a *App) listen() tea.Cmd {
	if a.deps.Live == nil || a.listening {
		return nil
	}
	a.listening = true
	ch := a.deps.Live.Events()
	return func() tea.Msg {
		return liveMsg(<-ch)
	}
}

func (a *App) listenAgain() tea.Cmd {
	a.listening = false
	return a.listen()
}

// Feed lifecycle

func (a *App) openProject(projectID string) {
	a.queue(a.leaveFeed())

	t := a.state.Open(projectID)
	a.view = ViewFeed
	a.listFocus = false
	a.notice = ""
	a.prompt.Focus()
	a.chat.SetContent("")
	a.chat.GotoTop()
	a.log.Info("opening feed", "project", projectID, "generation", t.Generation)

	a.bindTrigger()
	a.syncLive()
	a.refreshChat(false)
	a.queue(a.loadPage(t))
	a.queue(a.touchProject())
	a.queue(a.listen())
}

// leaveFeed releases everything bound to the open feed. The returned
// command records the project's final summary.
func (a *App) leaveFeed() tea.Cmd {
	if a.state.ProjectID == "" {
		return nil
	}
	a.log.Info("closing feed", "project", a.state.ProjectID)
	touch := a.touchProject()
	if a.deps.Live != nil {
		a.deps.Live.Stop()
	}
	a.trigger.Disconnect()
	a.state.Teardown()
	return touch
}

// retry re-issues whatever request failed last. With nothing failed it
// reloads the feed from the first page.
func (a *App) retry() {
	if a.state.ProjectID == "" || a.state.Loading {
		return
	}
	switch a.state.LastFailure() {
	case feed.FailureOlderPage:
		if t, ok := a.state.NextPageTicket(); ok {
			a.queue(a.loadPage(t))
			a.refreshChat(false)
		}
		return
	case feed.FailureCreate:
		a.submit()
		return
	}
	if a.deps.Live != nil {
		a.deps.Live.Stop()
	}
	t := a.state.Retry()
	a.log.Info("retrying history load", "project", t.ProjectID)
	a.bindTrigger()
	a.syncLive()
	a.refreshChat(false)
	a.queue(a.loadPage(t))
}

func (a *App) submit() {
	text := strings.TrimSpace(a.prompt.Value())
	if text == "" || a.state.Creating || a.state.ProjectID == "" {
		return
	}
	t := a.state.BeginCreate()
	a.queue(a.createExecution(t, text))
	a.refreshChat(false)
}

func (a *App) handlePage(msg pageLoadedMsg) {
	if msg.err != nil {
		a.noteError(msg.err)
		if err := a.state.FailPage(msg.ticket, msg.err); err != nil {
			a.log.Debug("dropping stale page failure", "project", msg.ticket.ProjectID, "page", msg.ticket.Page)
			return
		}
		a.log.Warn("history load failed", "project", msg.ticket.ProjectID, "page", msg.ticket.Page, "error", msg.err)
		a.refreshChat(false)
		return
	}

	if err := a.state.ApplyPage(msg.ticket, msg.page); err != nil {
		a.log.Debug("dropping stale page", "project", msg.ticket.ProjectID, "page", msg.ticket.Page)
		return
	}
	a.log.Debug("history page loaded", "project", msg.ticket.ProjectID, "page", msg.ticket.Page, "count", len(msg.page.Content))

	a.refreshChat(msg.ticket.Page > 0)
	a.bindTrigger()
	a.syncLive()
	if msg.ticket.Page == 0 {
		a.queue(a.touchProject())
	}
}

func (a *App) handleCreated(msg createdMsg) {
	if msg.err != nil {
		a.noteError(msg.err)
		if a.state.FailCreate(msg.ticket, msg.err) == nil {
			a.log.Warn("create execution failed", "project", msg.ticket.ProjectID, "error", msg.err)
			a.refreshChat(false)
		}
		return
	}
	if a.state.ApplyCreated(msg.ticket, *msg.exec) != nil {
		return
	}
	a.log.Info("execution created", "project", msg.ticket.ProjectID, "execution", msg.exec.ID)
	if strings.TrimSpace(a.prompt.Value()) == msg.prompt {
		a.prompt.Reset()
	}
	a.chat.GotoBottom()
	a.refreshChat(false)
	a.syncLive()
}

func (a *App) handleLive(ev live.Event) {
	if ev.ProjectID != a.state.ProjectID || ev.Generation != a.state.Generation() {
		a.log.Debug("dropping stale live event", "kind", ev.Kind, "project", ev.ProjectID)
		return
	}

	switch ev.Kind {
	case live.EventStreamStarted:
		a.state.StartStreaming(ev.ExecutionID)
		a.notice = ""
	case live.EventStreamMessage:
		a.state.AddStreamMessage(ev.Message)
	case live.EventStreamCompleted:
		a.state.CompleteStream(ev.ExecutionID)
		a.syncLive()
	case live.EventStreamFailed:
		if a.state.FailStream(ev.ExecutionID) {
			a.notice = ev.Reason
		}
		a.syncLive()
	case live.EventPollPage:
		t := feed.Ticket{ProjectID: ev.ProjectID, Generation: ev.Generation}
		abandoned := a.state.LoadingMore
		if a.state.ApplyPoll(t, ev.Page) == nil {
			if abandoned {
				a.bindTrigger()
			}
			a.syncLive()
		}
	}
	a.refreshChat(false)
}

func (a *App) syncLive() {
	if a.deps.Live == nil || a.state.ProjectID == "" {
		return
	}
	a.deps.Live.Sync(live.Target{
		ProjectID:  a.state.ProjectID,
		Generation: a.state.Generation(),
		Executions: a.state.Executions,
	})
}

// bindTrigger re-arms the older-history trigger. Re-arming after every load
// lets a still-visible sentinel pull the next page.
func (a *App) bindTrigger() {
	a.trigger.Observe(
		func() bool {
			return !a.state.Loading && !a.state.LoadingMore && a.state.HasMore()
		},
		func() {
			if t, ok := a.state.NextPageTicket(); ok {
				a.log.Debug("loading older executions", "project", t.ProjectID, "page", t.Page)
				a.queue(a.loadPage(t))
				a.refreshChat(false)
			}
		},
	)
}

func (a *App) notifyTrigger() {
	visible := a.view == ViewFeed && a.chat.YOffset == 0 && !a.state.Loading && !a.state.InitialErr
	a.trigger.Notify(visible)
}

// refreshChat re-renders the conversation. With keepPosition the lines the
// user was looking at stay in place while content grows above them;
// otherwise the view follows the bottom when it was already there.
func (a *App) refreshChat(keepPosition bool) {
	if a.view != ViewFeed {
		return
	}
	before := a.chat.TotalLineCount()
	offset := a.chat.YOffset
	follow := a.chat.AtBottom()

	a.chat.SetContent(renderChat(a.state, a.chat.Width, a.listFocus, a.spinner.View()))

	switch {
	case keepPosition:
		a.chat.SetYOffset(offset + a.chat.TotalLineCount() - before)
	case follow:
		a.chat.GotoBottom()
	}
	a.notifyTrigger()
}

func (a *App) moveSelection(delta int) {
	display := a.state.Display()
	if len(display) == 0 {
		return
	}
	idx := len(display)
	if sel, ok := a.state.Selected(); ok {
		for i, e := range display {
			if e.ID == sel.ID {
				idx = i
				break
			}
		}
	} else if delta > 0 {
		idx = len(display) - 1
	}
	idx = min(max(idx+delta, 0), len(display)-1)
	a.state.Select(display[idx].ID)
	a.refreshChat(false)
}
