package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/model"
)

// AlertHolderPrefix prefixes the durable pin holder left behind when a
// confirmation request goes unanswered and is ignored.
const AlertHolderPrefix = "alert:"

// PinSet is the set of entries one holder protects from retention.
// Durable sets survive restarts; restore pins are in-memory only.
type PinSet struct {
	Holder    string              `json:"holder"`
	CreatedAt time.Time           `json:"created_at"`
	Durable   bool                `json:"durable"`
	Refs      []model.SnapshotRef `json:"refs"`
}

func (s *Store) pinsPath() string { return filepath.Join(s.opts.Dir, "pins.json") }

// Pin protects generation gen of path on behalf of holder.
func (s *Store) Pin(path string, gen model.Generation, holder string) error {
	if holder == "" {
		return fmt.Errorf("pin: empty holder")
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	set, ok := s.pins[holder]
	if !ok {
		set = &PinSet{Holder: holder, CreatedAt: s.opts.Now().UTC()}
		s.pins[holder] = set
	}
	set.Refs = append(set.Refs, model.SnapshotRef{Path: path, Generation: gen})
	return nil
}

// PinDurable protects refs on behalf of holder and persists the set, so an
// unresolved alert keeps its pre-attack generations across restarts.
func (s *Store) PinDurable(holder string, refs []model.SnapshotRef) error {
	if holder == "" {
		return fmt.Errorf("pin: empty holder")
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	set, ok := s.pins[holder]
	if !ok {
		set = &PinSet{Holder: holder, CreatedAt: s.opts.Now().UTC()}
		s.pins[holder] = set
	}
	set.Durable = true
	set.Refs = append(set.Refs, refs...)
	return s.savePinsLocked()
}

// Unpin drops every pin held by holder.
func (s *Store) Unpin(holder string) error {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	set, ok := s.pins[holder]
	if !ok {
		return nil
	}
	delete(s.pins, holder)
	if set.Durable {
		return s.savePinsLocked()
	}
	return nil
}

// PinSet returns a copy of the pins held by holder.
func (s *Store) PinSet(holder string) (PinSet, error) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	set, ok := s.pins[holder]
	if !ok {
		return PinSet{}, errclass.ErrNotFound.WithMessagef("no pins held by %s", holder)
	}
	cp := *set
	cp.Refs = append([]model.SnapshotRef(nil), set.Refs...)
	return cp, nil
}

// Pins returns copies of every pin set, sorted by holder.
func (s *Store) Pins() []PinSet {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	out := make([]PinSet, 0, len(s.pins))
	for _, set := range s.pins {
		cp := *set
		cp.Refs = append([]model.SnapshotRef(nil), set.Refs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	return out
}

// IsPinned reports whether any holder pins ref.
func (s *Store) IsPinned(ref model.SnapshotRef) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	for _, set := range s.pins {
		for _, r := range set.Refs {
			if r == ref {
				return true
			}
		}
	}
	return false
}

func (s *Store) loadPins() error {
	s.pins = make(map[string]*PinSet)
	data, err := os.ReadFile(s.pinsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errclass.Classify(fmt.Errorf("read pins: %w", err))
	}
	var sets []*PinSet
	if err := json.Unmarshal(data, &sets); err != nil {
		return errclass.ErrIntegrity.WithMessagef("parse pins: %v", err)
	}
	for _, set := range sets {
		s.pins[set.Holder] = set
	}
	return nil
}

func (s *Store) savePinsLocked() error {
	sets := make([]*PinSet, 0, len(s.pins))
	for _, set := range s.pins {
		if set.Durable {
			sets = append(sets, set)
		}
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Holder < sets[j].Holder })
	data, err := json.MarshalIndent(sets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pins: %w", err)
	}
	return fsutil.AtomicWrite(s.pinsPath(), data, 0600)
}
