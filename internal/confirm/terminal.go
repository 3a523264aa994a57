package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/model"
)

// maxListed bounds how many paths a terminal prompt prints.
const maxListed = 10

// Terminal asks on a line-oriented reader and writer. Answering yes means
// the activity was intentional.
type Terminal struct {
	mu    sync.Mutex
	out   io.Writer
	lines chan string
	errs  chan error
	once  sync.Once
	in    io.Reader

	read  atomic.Int64 // lines scanned
	taken int64        // lines received, guarded by mu
}

// NewTerminal creates a terminal prompter.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out, lines: make(chan string), errs: make(chan error, 1)}
}

// start launches the reader goroutine. It outlives a cancelled prompt, so
// lines typed while no prompt is shown are discarded by drain.
func (t *Terminal) start() {
	t.once.Do(func() {
		go func() {
			sc := bufio.NewScanner(t.in)
			for sc.Scan() {
				t.read.Add(1)
				t.lines <- sc.Text()
			}
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			t.errs <- err
		}()
	})
}

// Confirm implements Prompter.
func (t *Terminal) Confirm(ctx context.Context, req model.ConfirmationRequest) (model.Verdict, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start()
	t.drain()

	fmt.Fprintln(t.out, color.Warning("Suspicious file activity detected"))
	fmt.Fprintf(t.out, "  root:    %s\n", color.Path(req.Root))
	fmt.Fprintf(t.out, "  window:  %s to %s\n", req.WindowStart.Local().Format(time.TimeOnly), req.WindowEnd.Local().Format(time.TimeOnly))
	fmt.Fprintf(t.out, "  changes: %d events across %d files\n", req.EventCount, req.DistinctPaths)
	for i, p := range req.Paths {
		if i == maxListed {
			fmt.Fprintln(t.out, color.Dim(fmt.Sprintf("    ... and %d more", len(req.Paths)-maxListed)))
			break
		}
		fmt.Fprintf(t.out, "    %s\n", p)
	}
	for {
		fmt.Fprint(t.out, color.Header("Is this you? [y]es, keep the changes / [n]o, restore: "))
		select {
		case <-ctx.Done():
			fmt.Fprintln(t.out)
			return "", ctx.Err()
		case err := <-t.errs:
			t.errs <- err // stay failed for later prompts
			return "", err
		case line := <-t.lines:
			t.taken++
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return model.VerdictIgnore, nil
			case "n", "no":
				return model.VerdictRestore, nil
			}
		}
	}
}

// drain drops every line read before this prompt, such as a late answer to
// a prompt that already timed out. The lock is held.
func (t *Terminal) drain() {
	for t.taken < t.read.Load() {
		<-t.lines
		t.taken++
	}
}
