// Package tui provides a live terminal view of in-flight requests.
package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pollhttp/pollhttp/internal/client"
	"github.com/pollhttp/pollhttp/internal/protocol"
)

// Row tracks one request shown in the table.
type Row struct {
	Method string
	URL    string

	resp *protocol.Response
	err  error
	done bool
}

// App renders the request table and drives the client tick loop from the
// tview event loop, so client access stays single-threaded.
type App struct {
	app   *tview.Application
	table *tview.Table

	client   *client.Client
	interval time.Duration
	rows     []*Row

	queueUpdate func(func())
	run         func() error
}

// New creates the TUI around an existing client. interval is the tick
// cadence; zero falls back to 50ms.
func New(cl *client.Client, interval time.Duration) *App {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	a := &App{
		app:      tview.NewApplication(),
		client:   cl,
		interval: interval,
	}
	a.queueUpdate = func(fn func()) {
		a.app.QueueUpdateDraw(fn)
	}
	a.run = a.app.Run

	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.table = tview.NewTable().
		SetFixed(1, 0).
		SetSeparator(tview.Borders.Vertical)
	a.table.SetBorder(true).SetTitle(" Requests (q to quit) ")

	headers := []string{"#", "Method", "URL", "Conn", "Parse", "Sent", "Recv", "Status"}
	for col, h := range headers {
		a.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyCtrlC {
			a.app.Stop()
			return nil
		}
		return event
	})

	a.app.SetRoot(a.table, true)
}

// Issue sends one request through the client and adds its row. Errors at
// send time are shown in the table rather than returned.
func (a *App) Issue(method, url string) {
	row := &Row{Method: method, URL: url}
	a.rows = append(a.rows, row)

	resp, err := a.client.Send(&client.Request{Method: method, URL: url}, func(resp *protocol.Response, err error) {
		row.done = true
		row.err = err
	})
	if err != nil {
		row.done = true
		row.err = err
		return
	}
	row.resp = resp
}

// Rows returns how many requests the table tracks.
func (a *App) Rows() int { return len(a.rows) }

// Run starts the tick loop and blocks in the tview event loop until the
// user quits.
func (a *App) Run() error {
	ticker := time.NewTicker(a.interval)
	stop := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.queueUpdate(func() {
					a.client.Update()
					a.refresh()
				})
			case <-stop:
				return
			}
		}
	}()

	err := a.run()
	close(stop)
	return err
}

// refresh repaints every row from the current request state.
func (a *App) refresh() {
	for i, row := range a.rows {
		r := i + 1

		connState, parseState := "-", "-"
		sent, recv := uint64(0), uint64(0)
		status := ""

		if row.resp != nil {
			cn := row.resp.Conn()
			connState = cn.State().String()
			parseState = row.resp.State().String()
			sent = cn.BytesSent()
			recv = cn.BytesReceived()
			if row.resp.StatusCode() != 0 {
				status = fmt.Sprintf("%d", row.resp.StatusCode())
			}
		}
		if row.err != nil {
			status = row.err.Error()
		}

		color := tcell.ColorWhite
		if row.done {
			if row.err != nil {
				color = tcell.ColorRed
			} else {
				color = tcell.ColorGreen
			}
		}

		cells := []string{
			fmt.Sprintf("%d", r),
			row.Method,
			row.URL,
			connState,
			parseState,
			fmt.Sprintf("%d", sent),
			fmt.Sprintf("%d", recv),
			status,
		}
		for col, text := range cells {
			a.table.SetCell(r, col, tview.NewTableCell(text).SetTextColor(color))
		}
	}
}
