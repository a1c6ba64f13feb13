// Package locker provides the execution lane hardware commands run in, and an
// HTTP middleware which returns 423 (locked) while the lane is held
package locker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
)

// Inject adds a read-only lock route to a router
func Inject(r chi.Router, l *Locker) {
	r.Get("/lock", l.HTTPGet)
}

// Locker is a type which behaves like a sync.Mutex without the blocking: a
// second TryLock fails instead of waiting
type Locker struct {
	mu     sync.Mutex
	locked bool
	holder string
	since  time.Time
}

// New returns a new, unlocked Locker
func New() *Locker {
	return &Locker{}
}

// TryLock takes the lane for holder and returns true, or returns false if it
// is already held
func (l *Locker) TryLock(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked, l.holder, l.since = true, holder, time.Now()
	return true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked, l.holder = false, ""
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Holder returns who holds the lane and since when; holder is empty if the
// lane is free
func (l *Locker) Holder() (holder string, since time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.since
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPGet returns the lane state as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	type state struct {
		Locked bool       `json:"locked"`
		Holder string     `json:"holder,omitempty"`
		Since  *time.Time `json:"since,omitempty"`
	}
	var s state
	holder, since := l.Holder()
	if holder != "" {
		s = state{Locked: true, Holder: holder, Since: &since}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
