// Package session tracks the per-session state the Agent needs to
// route inbound tunnel data to the right RDP proxy task: connection
// metadata handed over on session_started, the channel-backed stream
// each proxy task reads/writes, and which sessions already have a
// proxy task running.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hoophq/rdp-tunnel/internal/chanstream"
)

// Info is the connection metadata the Gateway hands over when a session
// starts: where the proxy should dial, and which credentials to
// substitute in place of the client's proxy-side login.
type Info struct {
	SessionID     uuid.UUID
	TargetAddress string
	Username      string
	Password      string
	ProxyUser     string
	ClientAddress string
}

// Registry is the Agent's session state, kept as three independently
// locked maps (mirroring the three separate locks the gateway message
// processor uses) so a lookup in one never blocks work in another.
type Registry struct {
	infoMu sync.RWMutex
	info   map[uuid.UUID]Info

	streamMu sync.RWMutex
	streams  map[uuid.UUID]*chanstream.Stream

	proxyMu sync.RWMutex
	active  map[uuid.UUID]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		info:    make(map[uuid.UUID]Info),
		streams: make(map[uuid.UUID]*chanstream.Stream),
		active:  make(map[uuid.UUID]struct{}),
	}
}

// Store records a session's connection metadata, overwriting any prior
// entry for the same id.
func (r *Registry) Store(info Info) {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	r.info[info.SessionID] = info
}

// Lookup returns a session's connection metadata.
func (r *Registry) Lookup(sid uuid.UUID) (Info, bool) {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	info, ok := r.info[sid]
	return info, ok
}

// GetOrCreateStream returns the stream for sid, creating it on first
// use so the first RDP data frame for a session and the proxy task it
// spawns always agree on the same Stream instance.
func (r *Registry) GetOrCreateStream(sid uuid.UUID) *chanstream.Stream {
	r.streamMu.RLock()
	if s, ok := r.streams[sid]; ok {
		r.streamMu.RUnlock()
		return s
	}
	r.streamMu.RUnlock()

	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	if s, ok := r.streams[sid]; ok {
		return s
	}
	s := chanstream.New()
	r.streams[sid] = s
	return s
}

// StartProxy atomically marks sid as having a running proxy task,
// reporting whether this call is the one that won the race: a caller
// that gets ok=false must not start a second proxy task for sid.
func (r *Registry) StartProxy(sid uuid.UUID) (ok bool) {
	r.proxyMu.Lock()
	defer r.proxyMu.Unlock()
	if _, running := r.active[sid]; running {
		return false
	}
	r.active[sid] = struct{}{}
	return true
}

// FinishProxy clears the running marker for sid, allowing a later
// StartProxy for the same id to start a fresh proxy task.
func (r *Registry) FinishProxy(sid uuid.UUID) {
	r.proxyMu.Lock()
	defer r.proxyMu.Unlock()
	delete(r.active, sid)
}

// Remove tears down all state for sid: closes its stream (unblocking
// any goroutine parked in Read/Write) and drops its metadata and
// running marker. Used when a session's proxy task exits.
func (r *Registry) Remove(sid uuid.UUID) {
	r.streamMu.Lock()
	s, ok := r.streams[sid]
	delete(r.streams, sid)
	r.streamMu.Unlock()
	if ok {
		s.Close()
	}

	r.infoMu.Lock()
	delete(r.info, sid)
	r.infoMu.Unlock()

	r.proxyMu.Lock()
	delete(r.active, sid)
	r.proxyMu.Unlock()
}

// RemoveAll tears down every session in the registry, used when the
// websocket connection to the Gateway drops.
func (r *Registry) RemoveAll() {
	r.streamMu.Lock()
	streams := r.streams
	r.streams = make(map[uuid.UUID]*chanstream.Stream)
	r.streamMu.Unlock()
	for _, s := range streams {
		s.Close()
	}

	r.infoMu.Lock()
	r.info = make(map[uuid.UUID]Info)
	r.infoMu.Unlock()

	r.proxyMu.Lock()
	r.active = make(map[uuid.UUID]struct{})
	r.proxyMu.Unlock()
}
