// Package progress reports how far a batch of file operations has come.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Callback receives an update after each item of a batch.
type Callback func(current, total int, item string)

// Noop discards updates.
func Noop(current, total int, item string) {}

// Counter counts finished items and forwards each step to a Callback. It is
// safe for concurrent use.
type Counter struct {
	mu      sync.Mutex
	total   int
	current int
	cb      Callback
}

// New creates a counter for total items.
func New(total int, cb Callback) *Counter {
	if cb == nil {
		cb = Noop
	}
	return &Counter{total: total, cb: cb}
}

// Step records one finished item.
func (c *Counter) Step(item string) {
	c.mu.Lock()
	c.current++
	current := c.current
	c.mu.Unlock()
	c.cb(current, c.total, item)
}

// Current returns the number of finished items.
func (c *Counter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Bar draws a single-line bar, redrawn in place on every update.
type Bar struct {
	mu      sync.Mutex
	w       io.Writer
	op      string
	width   int
	lastLen int
}

// NewBar creates a bar labelled op that writes to w.
func NewBar(w io.Writer, op string) *Bar {
	return &Bar{w: w, op: op, width: 30}
}

// Callback returns the bar's update function.
func (b *Bar) Callback() Callback {
	return b.render
}

func (b *Bar) render(current, total int, item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if total <= 0 {
		total = 1
	}
	if current > total {
		current = total
	}
	filled := b.width * current / total
	line := fmt.Sprintf("%s [%s%s] %d/%d (%d%%)", b.op,
		strings.Repeat("=", filled), strings.Repeat(" ", b.width-filled),
		current, total, current*100/total)
	if item != "" {
		line += " " + item
	}
	pad := ""
	if n := b.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprint(b.w, "\r"+line+pad)
	b.lastLen = len(line)
}

// Done clears the bar and ends the line.
func (b *Bar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastLen > 0 {
		fmt.Fprint(b.w, "\r"+strings.Repeat(" ", b.lastLen)+"\r")
	}
	b.lastLen = 0
}
