// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/generichttp"
)

// Inject adds a lock route to a route table which is used to manipulate the locker
func Inject(table generichttp.RouteTable, l *Locker) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths to not protect.
//
// The lock is held if it was taken manually or while an acquisition is
// running; Locker is an acquisition.Observer for the latter.
type Locker struct {
	acquisition.NopObserver

	mu     sync.Mutex
	manual bool
	busy   bool

	// DoNotProtect is a list of path fragments not to apply the lock to
	DoNotProtect []string

	// ProtectGet applies the lock to GET requests too
	ProtectGet bool
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
// and the routes used to watch or stop a running acquisition
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "interrupt", "metrics"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manual = true
}

// Unlock the locker.  It stays locked while an acquisition runs.
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manual = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manual || l.busy
}

// StateChanged implements acquisition.Observer
func (l *Locker) StateChanged(from, to acquisition.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy = to != acquisition.Idle
}

func (l *Locker) protected(r *http.Request) bool {
	if !l.ProtectGet && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		return false
	}
	for _, str := range l.DoNotProtect {
		if strings.Contains(r.URL.Path, str) {
			return false
		}
	}
	return true
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	// return a handlerfunc wrapping a handler, middleware/generator pattern
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protected(r) {
			http.Error(w, "locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
