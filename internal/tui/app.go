// Package tui is the terminal frontend: a conversation list, a message
// thread with composer, full-text search and a status bar. All state
// changes arrive over the bus; the TUI never talks to the socket directly.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/status"
	"github.com/drivup/unibus/internal/store"
	"github.com/drivup/unibus/internal/sync"
	"github.com/drivup/unibus/internal/tui/keys"
	"github.com/drivup/unibus/internal/tui/model"
	"github.com/drivup/unibus/internal/tui/ui"
	"github.com/drivup/unibus/internal/tui/views"
)

// App is the TUI application shell.
type App struct {
	app      *tview.Application
	pages    *tview.Pages
	theme    *ui.Theme
	registry *keys.Registry
	flash    *model.Flash

	db       *store.DB
	engine   *sync.Engine
	thread   *sync.Thread
	list     *sync.List
	machine  *status.Machine
	bus      *bus.Bus
	viewerID int64
	logger   *zap.Logger

	statusBar *views.StatusBar
	convList  *views.ConversationList
	msgThread *views.MessageThread
	searchV   *views.SearchView
	cmdInput  *tview.InputField

	ctx    context.Context
	cancel context.CancelFunc
}

// Params collects the app's dependencies.
type Params struct {
	DB       *store.DB
	Engine   *sync.Engine
	Thread   *sync.Thread
	List     *sync.List
	Machine  *status.Machine
	Bus      *bus.Bus
	ViewerID int64
	Profile  string
	Logger   *zap.Logger
}

// NewApp creates the TUI application.
func NewApp(p Params) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		registry:  keys.NewRegistry(),
		flash:     &model.Flash{},
		db:        p.DB,
		engine:    p.Engine,
		thread:    p.Thread,
		list:      p.List,
		machine:   p.Machine,
		bus:       p.Bus,
		viewerID:  p.ViewerID,
		logger:    logger,
		statusBar: views.NewStatusBar(),
		convList:  views.NewConversationList(theme, p.ViewerID),
		msgThread: views.NewMessageThread(theme, p.ViewerID),
		searchV:   views.NewSearchView(theme),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(p.Profile)
	a.statusBar.SetStatus(string(p.Machine.Current()))
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddView("conversations", "quit", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: func() { a.app.Stop() },
	})
	a.registry.AddView("conversations", "unread", &keys.Action{
		Rune: 'u', Key: tcell.KeyRune,
		Description: "u:unread", Visible: true,
		Handler: func() {
			f := a.list.ToggleFilter()
			a.statusBar.SetFilter(f.String())
			a.refreshList()
		},
	})
	a.registry.AddView("conversations", "refresh", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:refresh", Visible: true,
		Handler: func() { go a.refreshFromBackend() },
	})
	a.registry.AddGlobal("search", &keys.Action{
		Rune: 's', Key: tcell.KeyRune,
		Description: "s:search", Visible: true,
		Handler: func() { a.showSearch() },
	})
	a.registry.AddGlobal("command", &keys.Action{
		Rune: ':', Key: tcell.KeyRune,
		Description: ":cmd", Visible: true,
		Handler: func() { a.showCommand() },
	})
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		if conv := a.convList.Selected(); conv != nil {
			a.openConversation(conv)
		}
	})

	a.msgThread.SetOnSend(func(text string) {
		if _, err := a.thread.Send(text); err != nil {
			switch {
			case errors.Is(err, sync.ErrEmptyMessage):
				// Ignore blank submits.
			case errors.Is(err, sync.ErrSendInFlight):
				a.flashMsg("Still sending the previous message")
			default:
				a.flashMsg("Send failed: " + err.Error())
			}
			return
		}
		a.refreshThread()
		a.refreshList()
	})

	a.searchV.SetOnQuery(func(query string) {
		results, err := a.db.SearchMessages(query, 0, 50)
		if err != nil {
			a.flashMsg("Search failed: " + err.Error())
			return
		}
		a.searchV.Update(results, a.conversationName)
		a.app.SetFocus(a.searchV.Results())
	})

	a.searchV.Results().SetSelectedFunc(func(row, col int) {
		convID, _ := a.searchV.SelectedResult()
		if convID == 0 {
			return
		}
		conv, err := a.db.GetConversation(convID)
		if err != nil || conv == nil {
			a.flashMsg("Conversation not cached")
			return
		}
		a.openConversation(conv)
	})
}

func (a *App) setupLayout() {
	a.cmdInput = tview.NewInputField().
		SetLabel(" : ").
		SetFieldWidth(0)
	a.cmdInput.SetFieldBackgroundColor(a.theme.BgColor)
	a.cmdInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.runCommand(a.cmdInput.GetText())
		}
		a.cmdInput.SetText("")
		a.pages.HidePage("command")
		a.app.SetFocus(a.convList)
	})

	a.pages.AddPage("conversations", a.convList, true, true)
	a.pages.AddPage("thread", a.msgThread, true, false)
	a.pages.AddPage("search", a.searchV, true, false)
	a.pages.AddPage("command", tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(a.cmdInput, 1, 0, true), true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape {
			switch currentPage {
			case "thread":
				a.closeConversation()
				return nil
			case "search", "command":
				a.pages.SwitchToPage("conversations")
				a.app.SetFocus(a.convList)
				return nil
			}
		}

		// Text inputs own their keys.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}

		if currentPage == "thread" && event.Key() == tcell.KeyRune && event.Rune() == 'i' {
			a.app.SetFocus(a.msgThread.Composer())
			return nil
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}
		return event
	})
}

func (a *App) openConversation(conv *store.Conversation) {
	_, name := conv.Recipient(a.viewerID)
	a.msgThread.SetRecipient(name, "")
	a.msgThread.SetLoading()
	a.pages.SwitchToPage("thread")
	a.app.SetFocus(a.msgThread.Composer())

	a.thread.Open(a.ctx, conv)
	a.refreshThread()
}

func (a *App) closeConversation() {
	a.thread.Close()
	a.pages.SwitchToPage("conversations")
	a.app.SetFocus(a.convList)
	a.refreshList()
}

func (a *App) showSearch() {
	a.pages.SwitchToPage("search")
	a.app.SetFocus(a.searchV.Input())
}

func (a *App) showCommand() {
	a.pages.ShowPage("command")
	a.app.SetFocus(a.cmdInput)
}

func (a *App) runCommand(input string) {
	cmd := ParseCommand(input)
	switch cmd.Name {
	case "all":
		a.list.SetFilter(sync.FilterAll)
		a.list.SetQuery("")
		a.statusBar.SetFilter("")
	case "unread":
		a.list.SetFilter(sync.FilterUnread)
		a.statusBar.SetFilter("unread")
	case "find":
		a.list.SetQuery(cmd.Args)
	case "refresh":
		go a.refreshFromBackend()
	case "q", "quit":
		a.app.Stop()
		return
	default:
		a.flashMsg("Unknown command: " + cmd.Name)
	}
	a.refreshList()
}

// conversationName resolves the other participant's name for display.
func (a *App) conversationName(convID int64) string {
	conv, err := a.db.GetConversation(convID)
	if err != nil || conv == nil {
		return ""
	}
	_, name := conv.Recipient(a.viewerID)
	return name
}

func (a *App) refreshList() {
	convs, err := a.list.Snapshot()
	if err != nil {
		a.logger.Error("list snapshot failed", zap.Error(err))
		return
	}
	caption := ""
	if a.list.Filter() == sync.FilterUnread {
		caption = "[unread]"
	}
	if q := a.list.Query(); q != "" {
		caption += fmt.Sprintf(" find:%s", q)
	}
	a.convList.Update(convs, caption)

	if total, err := a.list.TotalUnread(); err == nil {
		a.statusBar.SetUnread(total)
	}
}

func (a *App) refreshThread() {
	conv := a.thread.Conversation()
	if conv == nil {
		return
	}
	msgs, err := a.thread.Messages(200)
	if err != nil {
		a.logger.Error("thread load failed", zap.Error(err))
		return
	}
	_, name := conv.Recipient(a.viewerID)
	a.msgThread.SetRecipient(name, a.thread.RecipientAvatar())
	a.msgThread.Update(msgs, name)
}

// refreshFromBackend refetches the summary list over REST. On failure the
// cached list keeps rendering.
func (a *App) refreshFromBackend() {
	if _, err := a.engine.RefreshConversations(a.ctx); err != nil {
		a.logger.Warn("conversation refresh failed", zap.Error(err))
		a.queueDraw(func() {
			a.flashMsg("Offline: showing cached conversations")
			a.refreshList()
		})
		return
	}
	a.queueDraw(a.refreshList)
}

func (a *App) flashMsg(msg string) {
	a.flash.Set(msg, 5*time.Second)
	a.statusBar.SetFlash(a.flash.Get())
}

func (a *App) queueDraw(fn func()) {
	a.app.QueueUpdateDraw(fn)
}

// Run starts the TUI application.
func (a *App) Run() error {
	a.refreshList()
	go a.refreshFromBackend()
	go a.watchBus()
	go a.tickClock()
	return a.app.Run()
}

// watchBus applies store-change events to whichever page is showing.
func (a *App) watchBus() {
	ch, unsub := a.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			a.handleBusEvent(evt)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) handleBusEvent(evt bus.Event) {
	switch {
	case evt.Kind == bus.KindSessionStatusChanged:
		a.queueDraw(func() {
			a.statusBar.SetStatus(string(a.machine.Current()))
		})
	case evt.Kind == bus.KindMessageSendFailed:
		a.queueDraw(func() {
			a.flashMsg("Message could not be delivered")
			a.refreshThread()
			a.refreshList()
		})
	case strings.HasPrefix(evt.Kind, "message.") || strings.HasPrefix(evt.Kind, "conversation."):
		a.queueDraw(func() {
			a.refreshList()
			a.refreshThread()
			a.statusBar.SetFlash(a.flash.Get())
		})
	}
}

// tickClock keeps the status bar clock and flash expiry honest.
func (a *App) tickClock() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.queueDraw(func() {
				a.statusBar.SetFlash(a.flash.Get())
			})
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
