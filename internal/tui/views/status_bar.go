package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// StatusBar displays the profile, connection state, unread total and flash.
type StatusBar struct {
	*tview.TextView
	profile string
	status  string
	unread  int
	filter  string
	flash   string
}

// NewStatusBar creates the status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetStatus updates the connection state display.
func (sb *StatusBar) SetStatus(status string) {
	sb.status = status
	sb.render()
}

// SetUnread updates the total unread counter.
func (sb *StatusBar) SetUnread(n int) {
	sb.unread = n
	sb.render()
}

// SetFilter updates the active list filter label.
func (sb *StatusBar) SetFilter(f string) {
	sb.filter = f
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	unread := ""
	if sb.unread > 0 {
		unread = fmt.Sprintf(" | [orange]%d unread[-]", sb.unread)
	}
	filter := ""
	if sb.filter != "" && sb.filter != "all" {
		filter = fmt.Sprintf(" | filter:%s", sb.filter)
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s%s%s | %s",
		sb.profile, sb.status, unread, filter, time.Now().Format("15:04"))
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sb.flash)
	}

	_, _ = fmt.Fprint(sb, line)
}
