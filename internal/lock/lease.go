package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
)

// LeaseFile is the lease file name inside a state dir.
const LeaseFile = "lock.json"

// Lease records who owns a state dir and until when.
type Lease struct {
	HolderNonce  string    `json:"holder_nonce"`
	PID          int       `json:"pid"`
	Host         string    `json:"host"`
	Purpose      string    `json:"purpose"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
}

// IsExpired reports whether the lease has lapsed at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LeaseManager grants exclusive ownership of a state dir to one process.
// A watcher renews its lease; one-shot commands hold it briefly.
type LeaseManager struct {
	stateDir string
	ttl      time.Duration
	mu       sync.Mutex
	now      func() time.Time
}

// NewLeaseManager creates a lease manager for stateDir.
func NewLeaseManager(stateDir string, ttl time.Duration) *LeaseManager {
	return &LeaseManager{stateDir: stateDir, ttl: ttl, now: time.Now}
}

// Acquire takes the lease. An expired lease is taken over with a higher
// fencing token; a live one yields E_LOCK_CONFLICT.
func (m *LeaseManager) Acquire(purpose string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := m.path()
	now := m.now().UTC()
	host, _ := os.Hostname()
	rec := &Lease{
		HolderNonce:  uuid.NewString(),
		PID:          os.Getpid(),
		Host:         host,
		Purpose:      purpose,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl),
		FencingToken: 1,
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		defer file.Close()
		if err := writeLease(file, rec); err != nil {
			os.Remove(path)
			return nil, err
		}
		return rec, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lease: %w", err)
	}

	existing, err := readLease(path)
	if err != nil {
		return nil, fmt.Errorf("read existing lease: %w", err)
	}
	if !existing.IsExpired(now) {
		return nil, errclass.ErrLockConflict.WithMessagef(
			"state dir held by pid %d on %s (%s) until %s",
			existing.PID, existing.Host, existing.Purpose, existing.ExpiresAt.Format(time.RFC3339))
	}

	rec.FencingToken = existing.FencingToken + 1
	if err := updateLease(path, rec); err != nil {
		return nil, fmt.Errorf("take over lease: %w", err)
	}
	return rec, nil
}

// Renew extends a lease still held by holderNonce.
func (m *LeaseManager) Renew(holderNonce string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := readLease(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrLockConflict.WithMessage("lease no longer exists")
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrLockConflict.WithMessage("lease taken over by another holder")
	}
	rec.ExpiresAt = m.now().UTC().Add(m.ttl)
	if err := updateLease(m.path(), rec); err != nil {
		return nil, fmt.Errorf("update lease: %w", err)
	}
	return rec, nil
}

// Release frees the lease if holderNonce still owns it.
func (m *LeaseManager) Release(holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := readLease(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lease: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrLockConflict.WithMessage("cannot release: nonce mismatch")
	}
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// Status returns the current lease, or nil when none exists.
func (m *LeaseManager) Status() (*Lease, error) {
	rec, err := readLease(m.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return rec, err
}

func (m *LeaseManager) path() string {
	return filepath.Join(m.stateDir, LeaseFile)
}

func readLease(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Lease
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &rec, nil
}

func writeLease(file *os.File, rec *Lease) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	return file.Sync()
}

func updateLease(path string, rec *Lease) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	return fsutil.AtomicWrite(path, data, 0644)
}
