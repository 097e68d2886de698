package httpdaq

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"
)

// Locker is a mutex with an HTTP interface.  While locked, any route
// not named in DoNotProtect is bounced with 423 (Locked).  Use it to
// hold a device for one client during a long acquisition.
type Locker struct {
	sync.Mutex

	locked bool

	// DoNotProtect is a list of route suffixes exempt from the lock
	DoNotProtect []string
}

// NewLocker returns a Locker which never locks out the lock routes
// themselves or the route index
func NewLocker() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "endpoints"}}
}

// Locked returns true if the lock is held
func (l *Locker) Locked() bool {
	l.Lock()
	defer l.Unlock()
	return l.locked
}

// SetLocked sets the lock state
func (l *Locker) SetLocked(locked bool) {
	l.Lock()
	defer l.Unlock()
	l.locked = locked
}

// Check is a middleware which bounces requests to protected routes
// with 423 while the lock is held
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			for _, route := range l.DoNotProtect {
				if strings.HasSuffix(r.URL.Path, route) {
					protected = false
					break
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPGet returns the lock state as json {'bool': locked}
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}

// HTTPSet parses json {'bool': lock} and sets the lock state
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.SetLocked(b.Bool)
	w.WriteHeader(http.StatusOK)
}

// InjectLock places GET and POST /lock routes on the route table of h
func InjectLock(h HTTPer, l *Locker) {
	rt := h.RT()
	rt[MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}
