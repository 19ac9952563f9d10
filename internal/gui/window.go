// Package gui provides the terminal emulator window for the guest console.
package gui

import (
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
	fyneterm "github.com/fyne-io/terminal"
)

// statusInterval is how often the status line is refreshed.
const statusInterval = time.Second

// Options configure a console window.
type Options struct {
	// Title is the window title.
	Title string

	// Status, if set, is polled for the status line under the terminal.
	Status func() string

	// OnClose is called once when the window closes, on a signal, or when
	// the console stream ends.
	OnClose func()
}

// nopWriteCloser keeps the emulator from closing the console stream; the
// caller owns it.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// RunConsole opens a window with a terminal emulator connected to stream
// and blocks until it is closed.
func RunConsole(stream io.ReadWriter, opts Options) {
	a := app.New()
	w := a.NewWindow(opts.Title)
	w.SetPadded(false)
	w.Resize(fyne.NewSize(800, 600))

	t := fyneterm.New()
	closed := make(chan struct{})
	quit := func() {
		select {
		case <-closed:
			return
		default:
			close(closed)
		}
		if opts.OnClose != nil {
			opts.OnClose()
		}
		a.Quit()
	}

	if opts.Status != nil {
		status := widget.NewLabel(opts.Status())
		w.SetContent(container.NewBorder(nil, status, nil, nil, t))
		go func() {
			tick := time.NewTicker(statusInterval)
			defer tick.Stop()
			for {
				select {
				case <-closed:
					return
				case <-tick.C:
					text := opts.Status()
					fyne.Do(func() { status.SetText(text) })
				}
			}
		}()
	} else {
		w.SetContent(t)
	}

	w.SetCloseIntercept(func() { quit() })

	// First SIGINT/SIGTERM closes the window, a second one forces exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fyne.Do(quit)

		<-sigCh
		os.Exit(1)
	}()

	go func() {
		_ = t.RunWithConnection(nopWriteCloser{stream}, stream)
		fyne.Do(quit)
	}()

	w.Show()
	w.Canvas().Focus(t)
	a.Run()
	signal.Stop(sigCh)
}
