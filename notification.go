package cairn

import "github.com/google/uuid"

// NotificationToken ties a change listener to its session. Hold the token
// for as long as the listener should fire; removing it (or closing the
// session) invalidates it.
type NotificationToken struct {
	id   uuid.UUID
	fn   func(*Realm)
	live bool // guarded by the session mutex
}

// ID returns the token's unique identity.
func (t *NotificationToken) ID() uuid.UUID { return t.id }

// AddChangeListener registers fn to run after every commit this session
// observes, its own included. Listeners fire in registration order, on the
// delivery goroutine for auto-refreshes and synchronously inside Refresh,
// BeginWrite, and Commit.
func (r *Realm) AddChangeListener(fn func(*Realm)) *NotificationToken {
	t := &NotificationToken{id: uuid.New(), fn: fn, live: true}
	r.mu.Lock()
	if !r.closed {
		r.listeners = append(r.listeners, t)
	} else {
		t.live = false
	}
	r.mu.Unlock()
	return t
}

// RemoveChangeListener invalidates the token. Removing an already removed
// token, or nil, is a no-op.
func (r *Realm) RemoveChangeListener(t *NotificationToken) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.live {
		return
	}
	t.live = false
	for i, lt := range r.listeners {
		if lt.id == t.id {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			break
		}
	}
}

// liveTokensLocked snapshots the listener list so callbacks run outside
// the session mutex and may call back into the session.
func (r *Realm) liveTokensLocked() []*NotificationToken {
	if len(r.listeners) == 0 {
		return nil
	}
	out := make([]*NotificationToken, len(r.listeners))
	copy(out, r.listeners)
	return out
}
