// Package webhook sends detection and restore notifications to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/model"
)

// EventType names a notification.
type EventType string

const (
	EventSuspected           EventType = "detection.suspected"
	EventConfirmationRequest EventType = "detection.confirmation_requested"
	EventDecision            EventType = "detection.decision"
	EventCleared             EventType = "detection.cleared"
	EventRestoreComplete     EventType = "restore.complete"
	EventRestoreFailed       EventType = "restore.failed"
	EventWatchOverflow       EventType = "watch.overflow"
	EventGCComplete          EventType = "gc.complete"
)

// Event is the JSON payload posted to hooks.
type Event struct {
	Event     EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	Root      string         `json:"root,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Paths     []string       `json:"paths,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HookConfig represents a single webhook endpoint.
type HookConfig struct {
	URL     string
	Secret  string
	Events  []EventType
	Enabled bool
}

// Config represents the webhook configuration.
type Config struct {
	Hooks          []HookConfig
	Enabled        bool
	MaxRetries     int
	RetryDelay     time.Duration
	Timeout        time.Duration
	AsyncQueueSize int
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		Timeout:        10 * time.Second,
		AsyncQueueSize: 100,
	}
}

// maxPaths caps how many paths a payload carries; the count goes in metadata.
const maxPaths = 100

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed bool
	mu     sync.RWMutex
	log    *logging.Logger
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a new webhook client and starts its background worker.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: timeout},
		queue:  make(chan *job, cfg.AsyncQueueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    logging.For("webhook"),
	}
	if cfg.Enabled {
		c.once.Do(func() {
			c.wg.Add(1)
			go c.worker()
		})
	}
	return c
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case j := <-c.queue:
					c.send(j)
				default:
					return
				}
			}
		case j := <-c.queue:
			c.send(j)
		}
	}
}

// Send delivers event to every enabled hook subscribed to its type.
// Async sends are queued and dropped with a warning when the queue is full.
func (c *Client) Send(event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled || c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if len(event.Paths) > maxPaths {
		if event.Metadata == nil {
			event.Metadata = map[string]any{}
		}
		event.Metadata["path_count"] = len(event.Paths)
		event.Paths = event.Paths[:maxPaths]
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.log.Warn("webhook queue full, dropping event", logging.Fields{"event": event.Event, "url": hook.URL})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) send(j *job) {
	if err := c.sendSync(j); err != nil {
		c.log.WarnErr("webhook delivery failed", err, logging.Fields{"event": j.event.Event, "url": j.hook.URL})
	}
}

func (c *Client) sendSync(j *job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.config.RetryDelay)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return lastErr
				}
				return c.ctx.Err()
			case <-timer.C:
			}
		}

		req, err := createRequest(j.hook, j.event.Event, payload)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}

func createRequest(hook HookConfig, event EventType, payload []byte) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "snapguard-webhook/1")
	req.Header.Set("X-Snapguard-Event", string(event))
	if hook.Secret != "" {
		req.Header.Set("X-Snapguard-Signature", Sign(payload, hook.Secret))
	}
	return req, nil
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close drains the async queue and stops the worker.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// NotifyTransition sends the notification matching a detector transition.
// Transitions without a notification are ignored.
func (c *Client) NotifyTransition(tr model.Transition) {
	ev := Event{Root: tr.Root, State: string(tr.To)}
	switch {
	case tr.Request != nil:
		ev.Event = EventConfirmationRequest
		ev.RequestID = tr.Request.ID
		ev.Paths = tr.Request.Paths
		ev.Metadata = map[string]any{
			"event_count":    tr.Request.EventCount,
			"distinct_paths": tr.Request.DistinctPaths,
			"window_start":   tr.Request.WindowStart.UTC().Format(time.RFC3339),
			"window_end":     tr.Request.WindowEnd.UTC().Format(time.RFC3339),
		}
	case tr.To == model.StateSuspected:
		ev.Event = EventSuspected
		ev.Metadata = map[string]any{
			"event_count":    tr.Window.EventCount,
			"distinct_paths": tr.Window.DistinctPaths,
		}
	case tr.To == model.StateCleared:
		ev.Event = EventCleared
	default:
		return
	}
	_ = c.Send(ev, true)
}

// NotifyDecision sends a detection.decision event.
func (c *Client) NotifyDecision(d model.Decision) {
	_ = c.Send(Event{
		Event:     EventDecision,
		Root:      d.Root,
		RequestID: d.RequestID,
		Metadata:  map[string]any{"verdict": d.Verdict, "source": d.Source},
	}, true)
}

// NotifyRestore sends restore.complete, or restore.failed when any action
// did not restore.
func (c *Client) NotifyRestore(b model.RestoreBatch) {
	counts := b.Counts()
	ev := Event{
		Event:     EventRestoreComplete,
		Root:      b.Root,
		RequestID: b.RequestID,
		Metadata:  map[string]any{},
	}
	for outcome, n := range counts {
		ev.Metadata[string(outcome)] = n
	}
	if counts[model.OutcomeWriteFailed] > 0 {
		ev.Event = EventRestoreFailed
		ev.Error = fmt.Sprintf("%d files could not be written", counts[model.OutcomeWriteFailed])
	}
	_ = c.Send(ev, true)
}

// NotifyOverflow sends a watch.overflow event.
func (c *Client) NotifyOverflow(root string) {
	_ = c.Send(Event{Event: EventWatchOverflow, Root: root}, true)
}

// NotifyGC sends a gc.complete event.
func (c *Client) NotifyGC(deleted int, freedBytes int64) {
	_ = c.Send(Event{
		Event:    EventGCComplete,
		Metadata: map[string]any{"entries_deleted": deleted, "freed_bytes": freedBytes},
	}, true)
}
