package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	lockFileName = ".lock"

	// lockWriteGrace is how long an unreadable lock file is assumed to be
	// mid-write by its creator before it counts as stale.
	lockWriteGrace = 5 * time.Second
)

// LockOwner is the process identity recorded in a deck's lock file.
type LockOwner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LivenessFunc decides whether the recorded owner of a lock is still
// running. How that is determined depends on the environment, so it is
// supplied by the caller; DefaultLiveness is used when nil.
type LivenessFunc func(LockOwner) bool

// DefaultLiveness treats owners on other hosts as alive, since they
// cannot be probed, and checks the pid for owners on this host.
func DefaultLiveness(o LockOwner) bool {
	if o.Host != "" && o.Host != hostname() {
		return true
	}
	return ProcessAlive(o.PID)
}

// The locking is advisory: it only excludes processes that go through
// this package.
type deckLock struct {
	path  string
	owner LockOwner
}

func acquireLock(dir string, alive LivenessFunc) (*deckLock, error) {
	if alive == nil {
		alive = DefaultLiveness
	}
	path := filepath.Join(dir, lockFileName)
	owner := LockOwner{PID: os.Getpid(), Host: hostname(), AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, heldError(dir, alive)
		}
		return nil, &IOError{Op: "create lock", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &IOError{Op: "write lock", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &IOError{Op: "close lock", Path: path, Err: err}
	}
	return &deckLock{path: path, owner: owner}, nil
}

// release removes the lock file if it still records this process.
// A lock that was broken and re-taken by someone else is left alone.
func (l *deckLock) release() error {
	current, err := readOwner(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && !sameOwner(current, l.owner) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove lock", Path: l.path, Err: err}
	}
	return nil
}

// heldError inspects an existing lock file.
func heldError(dir string, alive LivenessFunc) error {
	path := filepath.Join(dir, lockFileName)
	owner, err := readOwner(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Released between our create attempt and this read.
		return &LockHeldError{Dir: dir, Stale: true}
	}
	if err != nil {
		stale := false
		if info, statErr := os.Stat(path); statErr == nil {
			stale = time.Since(info.ModTime()) > lockWriteGrace
		}
		return &LockHeldError{Dir: dir, Stale: stale}
	}
	return &LockHeldError{Dir: dir, Owner: owner, Stale: !alive(owner)}
}

// Inspect returns the current lock holder of a deck directory, if any.
func Inspect(dir string, alive LivenessFunc) (*LockHeldError, bool) {
	if alive == nil {
		alive = DefaultLiveness
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); err != nil {
		return nil, false
	}
	var held *LockHeldError
	if errors.As(heldError(dir, alive), &held) {
		return held, true
	}
	return nil, false
}

// BreakLock removes a deck lock whose owner alive reports as dead.
// A live owner is never broken; the *LockHeldError is returned instead.
// Callers wanting an unconditional break pass a predicate that always
// returns false, after confirming with the user.
//
// The lock is claimed by renaming it aside and compared with the file that
// was judged stale. A lock taken by someone else in between is put back.
func BreakLock(dir string, alive LivenessFunc) error {
	path := filepath.Join(dir, lockFileName)
	seen, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	held, ok := Inspect(dir, alive)
	if !ok {
		return nil
	}
	if !held.Stale {
		return held
	}
	if beforeLockClaim != nil {
		beforeLockClaim()
	}

	claimed := fmt.Sprintf("%s.broken-%s", path, uuid.NewString()[:8])
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "claim lock", Path: path, Err: err}
	}
	got, err := os.ReadFile(claimed)
	if err != nil || !bytes.Equal(got, seen) {
		// Link fails if yet another owner created a lock meanwhile.
		if linkErr := os.Link(claimed, path); linkErr != nil && !errors.Is(linkErr, fs.ErrExist) {
			return &IOError{Op: "restore lock", Path: path, Err: linkErr}
		}
		os.Remove(claimed)
		if alive == nil {
			alive = DefaultLiveness
		}
		return heldError(dir, alive)
	}
	if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove lock", Path: claimed, Err: err}
	}
	return nil
}

// beforeLockClaim runs between the staleness check and the claim in
// BreakLock. Tests use it to interleave another acquirer.
var beforeLockClaim func()

func readOwner(path string) (LockOwner, error) {
	var o LockOwner
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	err = json.Unmarshal(data, &o)
	return o, err
}

func sameOwner(a, b LockOwner) bool {
	return a.PID == b.PID && a.Host == b.Host && a.AcquiredAt.Equal(b.AcquiredAt)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
