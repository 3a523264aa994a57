// Package detect implements the per-root spike detector: a two-threshold
// sliding window with a hysteresis window before a burst is confirmed.
package detect

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
)

// Config holds the detector thresholds.
type Config struct {
	// Window is the duration W of the active sliding window and of the
	// hysteresis window.
	Window time.Duration
	// Slots is how many fixed slots the active window is divided into.
	Slots int
	// VolumeThreshold (T1) is exceeded by more Created+Modified+Deleted
	// events than this within the window.
	VolumeThreshold int
	// DistinctThreshold (T2) is exceeded by more distinct touched paths.
	DistinctThreshold int
	// Lookback bounds how long closed windows are kept for inspection.
	Lookback time.Duration
	// AlertCooldown keeps the detector from re-arming for this long after
	// the user acknowledged a burst. Zero disables it.
	AlertCooldown time.Duration
}

// Validate rejects configurations the detector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return errclass.ErrConfigInvalid.WithMessage("detection window must be positive")
	case c.Slots <= 0:
		return errclass.ErrConfigInvalid.WithMessage("detection slots must be positive")
	case c.Window/time.Duration(c.Slots) <= 0:
		return errclass.ErrConfigInvalid.WithMessage("detection window too short for its slot count")
	case c.VolumeThreshold <= 0 || c.DistinctThreshold <= 0:
		return errclass.ErrConfigInvalid.WithMessage("detection thresholds must be positive")
	case c.AlertCooldown < 0:
		return errclass.ErrConfigInvalid.WithMessage("detection alert cooldown must not be negative")
	}
	return nil
}

// Status is a point-in-time view of a detector.
type Status struct {
	Root    string                     `json:"root"`
	State   model.DetectionState       `json:"state"`
	Since   time.Time                  `json:"since"`
	Active  model.DetectionWindow      `json:"active"`
	Cutoff  time.Time                  `json:"cutoff,omitempty"`
	Quiet   time.Time                  `json:"quiet_until,omitempty"`
	Request *model.ConfirmationRequest `json:"request,omitempty"`
	History []model.DetectionWindow    `json:"history,omitempty"`
}

// Detector tracks one monitored root. All methods are safe for concurrent
// use, though the monitor drives each detector from a single goroutine.
type Detector struct {
	mu   sync.Mutex
	root string
	cfg  Config
	now  func() time.Time

	state model.DetectionState
	since time.Time
	win   *ring

	// Suspected interval bookkeeping.
	cutoff      time.Time
	suspectedAt time.Time
	hVolume     int
	hPaths      map[string]struct{}
	burst       map[string]struct{}
	burstVolume int
	request     *model.ConfirmationRequest

	// quietUntil suppresses triggering after an acknowledged burst.
	quietUntil time.Time
}

// New creates a detector for root in state Normal.
func New(root string, cfg Config, now func() time.Time) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	d := &Detector{
		root:  root,
		cfg:   cfg,
		now:   now,
		state: model.StateNormal,
		since: now(),
		win:   newRing(cfg.Window, cfg.Slots, cfg.Lookback),
	}
	return d, nil
}

// Root returns the monitored root.
func (d *Detector) Root() string { return d.root }

// State returns the current state.
func (d *Detector) State() model.DetectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Observe counts ev. Synthetic events (rescan, baseline) never count.
// It returns the transition ev caused, if any.
func (d *Detector) Observe(ev model.FileEvent) (model.Transition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Synthetic() {
		return model.Transition{}, false
	}
	now := d.now()
	d.win.advance(now)
	d.win.add(now, ev.Path, ev.CountsTowardVolume())

	switch d.state {
	case model.StateNormal, model.StateCleared:
		if now.Before(d.quietUntil) || !d.exceeded(d.win.volume, len(d.win.distinct)) {
			return model.Transition{}, false
		}
		d.cutoff = d.win.start(now)
		d.suspectedAt = now
		d.hVolume = 0
		d.hPaths = make(map[string]struct{})
		d.burst = make(map[string]struct{})
		for _, p := range d.win.paths() {
			d.burst[p] = struct{}{}
		}
		d.burstVolume = d.win.volume
		reason := fmt.Sprintf("volume %d/%d, distinct %d/%d within %s",
			d.win.volume, d.cfg.VolumeThreshold, len(d.win.distinct), d.cfg.DistinctThreshold, d.cfg.Window)
		return d.transition(model.StateSuspected, now, reason, model.DetectionWindow{
			Start:         d.cutoff,
			End:           now,
			EventCount:    d.win.volume,
			DistinctPaths: len(d.win.distinct),
		}), true

	case model.StateSuspected:
		// The hysteresis window is [suspectedAt, suspectedAt+W); later
		// events join the burst without counting toward it.
		if now.Before(d.suspectedAt.Add(d.cfg.Window)) {
			if ev.CountsTowardVolume() {
				d.hVolume++
			}
			d.hPaths[ev.Path] = struct{}{}
		}
		d.addBurst(ev)

	case model.StateConfirmedAwaitingDecision, model.StateRecovering:
		// Late paths join the burst so a restore covers them, but never
		// raise a second request.
		d.addBurst(ev)
	}
	return model.Transition{}, false
}

func (d *Detector) addBurst(ev model.FileEvent) {
	if ev.CountsTowardVolume() {
		d.burstVolume++
	}
	d.burst[ev.Path] = struct{}{}
}

func (d *Detector) exceeded(volume, distinct int) bool {
	return volume > d.cfg.VolumeThreshold || distinct > d.cfg.DistinctThreshold
}

// Tick advances time-driven transitions: the end of the hysteresis window
// and the quiet period after Cleared.
func (d *Detector) Tick() (model.Transition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.win.advance(now)

	switch d.state {
	case model.StateSuspected:
		if now.Before(d.suspectedAt.Add(d.cfg.Window)) {
			return model.Transition{}, false
		}
		hw := model.DetectionWindow{
			Start:         d.suspectedAt,
			End:           d.suspectedAt.Add(d.cfg.Window),
			EventCount:    d.hVolume,
			DistinctPaths: len(d.hPaths),
		}
		if d.exceeded(d.hVolume, len(d.hPaths)) {
			paths := d.burstPaths()
			d.request = &model.ConfirmationRequest{
				ID:            uuid.NewString(),
				Root:          d.root,
				Paths:         paths,
				WindowStart:   d.cutoff,
				WindowEnd:     now,
				EventCount:    d.burstVolume,
				DistinctPaths: len(paths),
				IssuedAt:      now,
			}
			tr := d.transition(model.StateConfirmedAwaitingDecision, now, "elevated rate persisted through the hysteresis window", hw)
			req := *d.request
			tr.Request = &req
			return tr, true
		}
		tr := d.transition(model.StateCleared, now, "rate fell below thresholds within the hysteresis window", hw)
		d.resetBurst()
		return tr, true

	case model.StateCleared:
		if now.Before(d.since.Add(d.cfg.Window)) || d.exceeded(d.win.volume, len(d.win.distinct)) {
			return model.Transition{}, false
		}
		return d.transition(model.StateNormal, now, "quiet window after clear", d.win.summary(now)), true
	}
	return model.Transition{}, false
}

// Decide applies a verdict to the outstanding confirmation request.
func (d *Detector) Decide(dec model.Decision) (model.Transition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != model.StateConfirmedAwaitingDecision || d.request == nil {
		return model.Transition{}, fmt.Errorf("no confirmation pending for %s (state %s)", d.root, d.state)
	}
	if dec.RequestID != d.request.ID {
		return model.Transition{}, fmt.Errorf("decision for %s does not match pending request %s", dec.RequestID, d.request.ID)
	}
	now := d.now()
	w := model.DetectionWindow{Start: d.cutoff, End: now, EventCount: d.burstVolume, DistinctPaths: len(d.burst)}
	switch dec.Verdict {
	case model.VerdictRestore:
		return d.transition(model.StateRecovering, now, fmt.Sprintf("restore requested (%s)", dec.Source), w), nil
	case model.VerdictIgnore:
		tr := d.transition(model.StateNormal, now, fmt.Sprintf("activity acknowledged (%s)", dec.Source), w)
		d.resetBurst()
		d.request = nil
		if dec.Source == model.DecisionByUser && d.cfg.AlertCooldown > 0 {
			d.quietUntil = now.Add(d.cfg.AlertCooldown)
		}
		return tr, nil
	default:
		return model.Transition{}, fmt.Errorf("unknown verdict %q", dec.Verdict)
	}
}

// RestoreComplete ends recovery for requestID, whatever the per-path
// outcomes were.
func (d *Detector) RestoreComplete(requestID string) (model.Transition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != model.StateRecovering || d.request == nil || d.request.ID != requestID {
		return model.Transition{}, fmt.Errorf("no recovery in progress for request %s", requestID)
	}
	now := d.now()
	w := model.DetectionWindow{Start: d.cutoff, End: now, EventCount: d.burstVolume, DistinctPaths: len(d.burst)}
	tr := d.transition(model.StateNormal, now, "restore complete", w)
	d.resetBurst()
	d.request = nil
	return tr, nil
}

// BurstPaths returns every path touched since suspicion began, including
// paths touched after the request was issued.
func (d *Detector) BurstPaths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.burstPaths()
}

func (d *Detector) burstPaths() []string {
	out := make([]string, 0, len(d.burst))
	for p := range d.burst {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Cutoff returns the start of the window that tripped Suspected while a
// burst is being handled.
func (d *Detector) Cutoff() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cutoff, !d.cutoff.IsZero()
}

// Pending returns the outstanding confirmation request.
func (d *Detector) Pending() (model.ConfirmationRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.request == nil {
		return model.ConfirmationRequest{}, false
	}
	return *d.request, true
}

// Status returns a snapshot of the detector.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.win.advance(now)
	st := Status{
		Root:    d.root,
		State:   d.state,
		Since:   d.since,
		Active:  d.win.summary(now),
		Cutoff:  d.cutoff,
		History: append([]model.DetectionWindow(nil), d.win.history...),
	}
	if now.Before(d.quietUntil) {
		st.Quiet = d.quietUntil
	}
	if d.request != nil {
		req := *d.request
		st.Request = &req
	}
	return st
}

// transition moves to state to. The lock is held.
func (d *Detector) transition(to model.DetectionState, at time.Time, reason string, w model.DetectionWindow) model.Transition {
	tr := model.Transition{Root: d.root, From: d.state, To: to, At: at, Reason: reason, Window: w}
	d.state = to
	d.since = at
	return tr
}

// resetBurst forgets the burst and re-baselines the active window.
func (d *Detector) resetBurst() {
	d.win.reset()
	d.cutoff = time.Time{}
	d.suspectedAt = time.Time{}
	d.hVolume = 0
	d.hPaths = nil
	d.burst = nil
	d.burstVolume = 0
}
