package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/drivup/unibus/internal/store"
	"github.com/drivup/unibus/internal/tui/ui"
)

// MessageThread displays one conversation's messages with a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	viewerID int64
	messages *tview.TextView
	composer *tview.InputField
	title    string
	onSend   func(text string)
}

// NewMessageThread creates the message thread view.
func NewMessageThread(theme *ui.Theme, viewerID int64) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		viewerID: viewerID,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := composer.GetText()
			if text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetRecipient sets the thread header: the other participant's name and,
// once the profile lookup lands, their avatar URL.
func (mt *MessageThread) SetRecipient(name, avatarURL string) {
	mt.title = name
	if avatarURL == "" {
		mt.messages.SetTitle(fmt.Sprintf(" %s ", name))
		return
	}
	mt.messages.SetTitle(fmt.Sprintf(" %s (%s) ", name, avatarURL))
}

// SetOnSend sets the callback invoked when the composer submits.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// SetLoading shows a loading hint while the history refetch is in flight.
func (mt *MessageThread) SetLoading() {
	mt.messages.Clear()
	_, _ = fmt.Fprint(mt.messages, "[::d]loading messages...[-:-:-]")
}

// Update renders the messages oldest-first. The viewer's own messages carry
// a delivery marker; everything else shows the sender's name.
func (mt *MessageThread) Update(msgs []store.Message, recipientName string) {
	mt.messages.Clear()

	for _, m := range msgs {
		sender := recipientName
		if m.SenderID == mt.viewerID {
			sender = "You"
		}

		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s %s[-:-:-]\n%s\n\n",
			tview.Escape(sanitizeForTerminal(sender)),
			formatTimestamp(m.SentAt),
			statusMarker(m, mt.viewerID),
			tview.Escape(sanitizeForTerminal(m.Body)))
		_, _ = fmt.Fprint(mt.messages, line)
	}

	mt.messages.ScrollToEnd()
}

// statusMarker renders the delivery state of the viewer's own messages.
func statusMarker(m store.Message, viewerID int64) string {
	if m.SenderID != viewerID {
		return ""
	}
	switch m.Status {
	case store.StatusSending:
		return "[gray]...[-]"
	case store.StatusSent, store.StatusDelivered:
		return "[gray]v[-]"
	case store.StatusRead:
		return "[aqua]vv[-]"
	case store.StatusFailed:
		return "[red]![-]"
	default:
		return ""
	}
}

// Messages returns the text view for focus management.
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the input field for focus management.
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
