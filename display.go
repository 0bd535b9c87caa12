package main

import (
	"fmt"
	"io"
	"sync"
)

// Display is where chat lines and operator notices end up.
type Display interface {
	Chat(sender, body string)
	System(text string)
}

// ConsoleDisplay writes to a terminal in plain line mode.
type ConsoleDisplay struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleDisplay(out io.Writer) *ConsoleDisplay {
	return &ConsoleDisplay{out: out}
}

func (d *ConsoleDisplay) Chat(sender, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "[%s]: %s\n", sender, body)
}

func (d *ConsoleDisplay) System(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.out, text)
}

// chimeDisplay plays a sound for every chat line not sent by self.
type chimeDisplay struct {
	Display
	chime *Chime
	self  string
}

func (d chimeDisplay) Chat(sender, body string) {
	d.Display.Chat(sender, body)
	if sender != d.self {
		d.chime.Play()
	}
}
