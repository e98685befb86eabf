package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/drivup/unibus/internal/store"
	"github.com/drivup/unibus/internal/tui/ui"
)

// ConversationList renders the cached conversation summaries. Filtering and
// search happen upstream; the view only draws what it is given and maps the
// cursor back to a conversation id.
type ConversationList struct {
	*tview.Table
	theme    *ui.Theme
	viewerID int64
	convs    []store.Conversation
	caption  string
}

// NewConversationList creates the conversation list table.
func NewConversationList(theme *ui.Theme, viewerID int64) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{
		Table:    table,
		theme:    theme,
		viewerID: viewerID,
	}
}

// Update refreshes the list. caption describes the active filter/search and
// lands in the title so the viewer knows why rows are missing.
func (cl *ConversationList) Update(convs []store.Conversation, caption string) {
	cl.convs = convs
	cl.caption = caption
	cl.render()
}

func (cl *ConversationList) render() {
	row, _ := cl.GetSelection()
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" WITH", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
		{" ROLE", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	for i, c := range cl.convs {
		_, name := c.Recipient(cl.viewerID)
		if name == "" {
			name = fmt.Sprintf("#%d", c.ID)
		}

		nameColor := cl.theme.FgColor
		if c.UnreadCount > 0 {
			name = fmt.Sprintf("(%d) %s", c.UnreadCount, name)
			nameColor = cl.theme.UnreadColor
		}

		preview := c.LastMessage
		if c.LastSenderID == cl.viewerID && preview != "" {
			preview = "you: " + preview
		}

		// The recipient's role in the ride, not the viewer's.
		role := "driver"
		if c.UserID == cl.viewerID {
			role = "passenger"
		}

		r := i + 1
		cl.SetCell(r, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name))).SetExpansion(1).SetTextColor(nameColor))
		cl.SetCell(r, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(preview))).SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(r, 2, tview.NewTableCell(formatTimestamp(c.LastMessageAt)).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
		cl.SetCell(r, 3, tview.NewTableCell(role).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
	}

	if cl.caption != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) %s ", len(cl.convs), cl.caption))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}

	if row >= cl.GetRowCount() {
		row = cl.GetRowCount() - 1
	}
	if row >= 1 {
		cl.Select(row, 0)
	}
}

// Selected returns the conversation under the cursor, or nil.
func (cl *ConversationList) Selected() *store.Conversation {
	row, _ := cl.GetSelection()
	idx := row - 1 // header
	if idx < 0 || idx >= len(cl.convs) {
		return nil
	}
	c := cl.convs[idx]
	return &c
}

// ByIndex returns the Nth visible conversation (1-based), or nil.
func (cl *ConversationList) ByIndex(n int) *store.Conversation {
	if n < 1 || n > len(cl.convs) {
		return nil
	}
	c := cl.convs[n-1]
	return &c
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
