package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_StepCallsBack(t *testing.T) {
	type call struct {
		current, total int
		item           string
	}
	var calls []call
	c := New(3, func(current, total int, item string) {
		calls = append(calls, call{current, total, item})
	})

	c.Step("a")
	c.Step("b")

	require.Len(t, calls, 2)
	assert.Equal(t, call{1, 3, "a"}, calls[0])
	assert.Equal(t, call{2, 3, "b"}, calls[1])
	assert.Equal(t, 2, c.Current())
}

func TestCounter_NilCallback(t *testing.T) {
	c := New(1, nil)
	c.Step("x")
	assert.Equal(t, 1, c.Current())
}

func TestCounter_Concurrent(t *testing.T) {
	c := New(100, nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Step("")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, c.Current())
}

func TestBar_RendersInPlace(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, "Capturing")
	cb := b.Callback()

	cb(1, 4, "a-very-long-file-name.txt")
	cb(2, 4, "b")
	out := buf.String()
	assert.Contains(t, out, "Capturing [")
	assert.Contains(t, out, "1/4 (25%)")
	assert.Contains(t, out, "2/4 (50%)")
	assert.Equal(t, 2, strings.Count(out, "\r"))

	// The shorter second line pads over the first.
	lines := strings.Split(out, "\r")
	assert.Equal(t, len(lines[1]), len(lines[2]))

	b.Done()
	assert.True(t, strings.HasSuffix(buf.String(), "\r"))
}

func TestBar_ClampsOverflow(t *testing.T) {
	var buf bytes.Buffer
	NewBar(&buf, "op").Callback()(5, 0, "")
	assert.Contains(t, buf.String(), "1/1 (100%)")
}
