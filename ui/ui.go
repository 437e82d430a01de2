// ui/ui.go
// Package ui provides the terminal interface for the isolation controller:
// the system log, the isolation event log, pass/drop counters and a command line.
package ui

import (
	"strings"

	"hostisolation/isolation/utility"

	"github.com/rivo/tview"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const MaxLines = 100 // keep the last 100 entries, exported

// counters are rendered with thousands separators
var printer = message.NewPrinter(language.English)

// ChannelWriter funnels log.Printf calls into our System Log pane.
type ChannelWriter struct{ Ch chan string }

// Write implements the io.Writer interface for our channel.
func (w ChannelWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.Ch <- msg
	return len(p), nil
}

// Views are the widgets main wires channels and commands into.
type Views struct {
	App    *tview.Application
	Layout *tview.Flex
	Sys    *tview.TextView
	Events *tview.TextView
	Passed *tview.TextView
	Drops  *tview.TextView
	Input  *tview.InputField
}

// SetupUI creates and configures the tview application, views, and layout.
func SetupUI(title string) *Views {
	app := tview.NewApplication()

	sysView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { app.Draw() })
	sysView.SetBorder(true).SetTitle(" System Log ")

	eventView := tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(true).
		SetChangedFunc(func() { app.Draw() })
	eventView.SetBorder(true).SetTitle(" Isolation Events (" + title + ") ")

	passedView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetChangedFunc(func() { app.Draw() })
	passedView.SetBorder(true).SetTitle(" Passed ")

	droppedView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetChangedFunc(func() { app.Draw() })
	droppedView.SetBorder(true).SetTitle(" Dropped ")

	input := tview.NewInputField().
		SetLabel("Command: ").
		SetPlaceholder("allow <pid> | revoke <pid> | allow-name <proc> | arm | disarm | status").
		SetFieldWidth(0)

	// Bottom row: passed, dropped, then input
	bottomFlex := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(passedView, 0, 1, false).
		AddItem(droppedView, 0, 1, false).
		AddItem(input, 0, 3, true)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(sysView, 0, 2, false).
		AddItem(eventView, 0, 4, false).
		AddItem(bottomFlex, 4, 1, true) // two lines in the counter views

	return &Views{
		App:    app,
		Layout: layout,
		Sys:    sysView,
		Events: eventView,
		Passed: passedView,
		Drops:  droppedView,
		Input:  input,
	}
}

// PumpTextview reads lines from a channel and updates a tview.TextView, keeping only MaxLines.
func PumpTextview(app *tview.Application, view *tview.TextView, ch <-chan string) {
	var buffer []string
	for line := range ch {
		buffer = append(buffer, line)
		if len(buffer) > MaxLines {
			buffer = buffer[1:]
		}
		text := strings.Join(buffer, "\n")
		app.QueueUpdateDraw(func() {
			view.SetText(text)
			view.ScrollToEnd()
		})
	}
}

// PumpCounterView reads TrafficStat from a channel and updates the given view.
func PumpCounterView(app *tview.Application, view *tview.TextView, ch <-chan utility.TrafficStat) {
	for stat := range ch {
		text := FormatCounter(stat)
		app.QueueUpdateDraw(func() {
			view.SetText(text)
		})
	}
}

// FormatCounter renders a counter pair for the two-line counter views.
func FormatCounter(stat utility.TrafficStat) string {
	return printer.Sprintf("%d Pkts\n(%d B)", stat.Pkts, stat.Bytes)
}
