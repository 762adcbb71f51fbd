package app

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

// IntentSource yields the current local mic/camera intent.
type IntentSource interface {
	Intent() domain.Intent
}

type RegistryOptions struct {
	// JoinWindow is how long a newly seen peer is flagged as joining.
	JoinWindow time.Duration
	// ReconnectDebounce ignores online=false for a peer that finished
	// reconnecting less than this long ago.
	ReconnectDebounce time.Duration
	// ReactionTTL clears a reaction after it was applied.
	ReactionTTL time.Duration
}

func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		JoinWindow:        1500 * time.Millisecond,
		ReconnectDebounce: time.Second,
		ReactionTTL:       2500 * time.Millisecond,
	}
}

type entry struct {
	p             domain.Participant
	reconnectedAt time.Time
	joinTimer     *clock.Timer
	reactionTimer *clock.Timer
	reactionSeq   uint64
}

func (e *entry) stopTimers() {
	if e.joinTimer != nil {
		e.joinTimer.Stop()
	}
	if e.reactionTimer != nil {
		e.reactionTimer.Stop()
	}
}

// Registry is the local participant model. It holds exactly one entry per
// peer id, the local peer always first.
type Registry struct {
	mu     sync.RWMutex
	clock  clock.Clock
	opts   RegistryOptions
	self   domain.Identity
	intent IntentSource

	order []domain.PeerID
	byID  map[domain.PeerID]*entry

	onChange func()
}

func NewRegistry(self domain.Identity, intent IntentSource, clk clock.Clock, opts RegistryOptions) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	in := intent.Intent()
	r := &Registry{
		clock:  clk,
		opts:   opts,
		self:   self,
		intent: intent,
		order:  []domain.PeerID{self.PeerID},
		byID:   make(map[domain.PeerID]*entry),
	}
	r.byID[self.PeerID] = &entry{p: domain.Participant{
		ID:         self.PeerID,
		Name:       self.Name,
		IsSelf:     true,
		Muted:      in.Muted,
		CameraOff:  in.CameraOff,
		LastUpdate: clk.Now(),
	}}
	return r
}

// OnChange registers a callback run after every mutation, outside the lock.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) notify() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (r *Registry) SelfID() domain.PeerID { return r.self.PeerID }

// Reconcile applies a full presence snapshot and returns the peers it dropped.
func (r *Registry) Reconcile(users []proto.PresenceUser) []domain.PeerID {
	now := r.clock.Now()
	in := r.intent.Intent()

	r.mu.Lock()
	next := make(map[domain.PeerID]*entry, len(users)+1)
	order := make([]domain.PeerID, 0, len(users)+1)

	self := r.byID[r.self.PeerID]
	sp := self.p
	sp.Muted, sp.CameraOff = in.Muted, in.CameraOff
	for _, u := range users {
		if u.UserID == r.self.PeerID && u.UserName != "" {
			sp.Name = u.UserName
			break
		}
	}
	if sp != self.p {
		sp.LastUpdate = now
		self.p = sp
	}
	next[r.self.PeerID] = self
	order = append(order, r.self.PeerID)

	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		if _, dup := next[u.UserID]; dup {
			continue
		}
		e, existed := r.byID[u.UserID]
		if !existed {
			e = &entry{p: domain.Participant{ID: u.UserID}}
		}
		p := e.p

		offline := u.Offline()
		if offline && !e.reconnectedAt.IsZero() && now.Sub(e.reconnectedAt) < r.opts.ReconnectDebounce {
			offline = false
		}

		if u.UserName != "" {
			p.Name = u.UserName
		}
		p.Muted = u.Muted
		// A live camera track outranks a stale cameraOff flag.
		p.CameraOff = u.CameraOff && !p.HasLiveCamera()

		switch {
		case offline:
			if !p.IsReconnecting {
				started := now
				p.IsReconnecting = true
				p.ReconnectStartedAt = &started
			}
			p.Stream, p.ScreenStream, p.IsScreenSharing = nil, nil, false
		case p.IsReconnecting:
			p.IsReconnecting = false
			p.ReconnectStartedAt = nil
			e.reconnectedAt = now
		}

		if !existed {
			p.IsJoining = true
			e.joinTimer = r.armJoinTimer(u.UserID, e)
		}
		if !existed || p != e.p {
			p.LastUpdate = now
			e.p = p
		}
		next[u.UserID] = e
		order = append(order, u.UserID)
	}

	var removed []domain.PeerID
	for id, e := range r.byID {
		if _, ok := next[id]; !ok {
			e.stopTimers()
			removed = append(removed, id)
		}
	}
	r.byID = next
	r.order = order
	r.mu.Unlock()

	log.Debug().
		Str("module", "app.registry").
		Int("users", len(users)).
		Int("participants", len(order)).
		Int("removed", len(removed)).
		Msg("presence reconciled")
	r.notify()
	return removed
}

// armJoinTimer must be called with r.mu held.
func (r *Registry) armJoinTimer(id domain.PeerID, e *entry) *clock.Timer {
	return r.clock.AfterFunc(r.opts.JoinWindow, func() {
		r.mu.Lock()
		cur, ok := r.byID[id]
		if !ok || cur != e || !e.p.IsJoining {
			r.mu.Unlock()
			return
		}
		e.p.IsJoining = false
		e.p.LastUpdate = r.clock.Now()
		r.mu.Unlock()
		r.notify()
	})
}

// EnsurePeer creates an entry for a peer first seen through the SFU.
// It reports whether an entry was created.
func (r *Registry) EnsurePeer(id domain.PeerID) bool {
	r.mu.Lock()
	created := r.ensureLocked(id)
	r.mu.Unlock()
	if created {
		log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("peer created from media announcement")
		r.notify()
	}
	return created
}

func (r *Registry) ensureLocked(id domain.PeerID) bool {
	if _, ok := r.byID[id]; ok || id == "" {
		return false
	}
	e := &entry{p: domain.Participant{
		ID:         id,
		IsJoining:  true,
		LastUpdate: r.clock.Now(),
	}}
	e.joinTimer = r.armJoinTimer(id, e)
	r.byID[id] = e
	r.order = append(r.order, id)
	return true
}

func (r *Registry) update(id domain.PeerID, create bool, fn func(p *domain.Participant) bool) bool {
	r.mu.Lock()
	if create {
		r.ensureLocked(id)
	}
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	p := e.p
	if !fn(&p) {
		r.mu.Unlock()
		return false
	}
	p.LastUpdate = r.clock.Now()
	e.p = p
	r.mu.Unlock()
	r.notify()
	return true
}

// AttachStream sets the merged camera+mic stream of a peer. It never
// touches the muted/cameraOff flags.
func (r *Registry) AttachStream(id domain.PeerID, s *domain.Stream) bool {
	return r.update(id, s != nil, func(p *domain.Participant) bool {
		p.Stream = s
		return true
	})
}

// AttachScreen sets or, with nil, clears the screen stream of a peer.
func (r *Registry) AttachScreen(id domain.PeerID, s *domain.Stream) bool {
	return r.update(id, s != nil, func(p *domain.Participant) bool {
		p.ScreenStream = s
		p.IsScreenSharing = s != nil
		return true
	})
}

// ReplaceStream swaps the merged stream of a known peer. A peer no longer
// in the registry stays gone.
func (r *Registry) ReplaceStream(id domain.PeerID, s *domain.Stream) bool {
	return r.update(id, false, func(p *domain.Participant) bool {
		p.Stream = s
		return true
	})
}

// ReplaceScreen is ReplaceStream for the screen stream.
func (r *Registry) ReplaceScreen(id domain.PeerID, s *domain.Stream) bool {
	return r.update(id, false, func(p *domain.Participant) bool {
		p.ScreenStream = s
		p.IsScreenSharing = s != nil
		return true
	})
}

// ApplyStateChange applies a remote state patch. Only muted/cameraOff are
// taken; stream fields are never touched. Patches for the local peer are
// ignored since local intent is authoritative.
func (r *Registry) ApplyStateChange(id domain.PeerID, ch proto.StateChanges) bool {
	if id == r.self.PeerID {
		return false
	}
	return r.update(id, false, func(p *domain.Participant) bool {
		if ch.Muted != nil {
			p.Muted = *ch.Muted
		}
		if ch.CameraOff != nil {
			p.CameraOff = *ch.CameraOff
		}
		return ch.Muted != nil || ch.CameraOff != nil
	})
}

// ApplyReaction shows emoji on a participant until the reaction TTL elapses
// or a newer reaction replaces it.
func (r *Registry) ApplyReaction(id domain.PeerID, emoji string) bool {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok || emoji == "" {
		r.mu.Unlock()
		return false
	}
	if e.reactionTimer != nil {
		e.reactionTimer.Stop()
	}
	e.reactionSeq++
	seq := e.reactionSeq
	e.p.Reaction = emoji
	e.p.LastUpdate = r.clock.Now()
	e.reactionTimer = r.clock.AfterFunc(r.opts.ReactionTTL, func() {
		r.mu.Lock()
		cur, ok := r.byID[id]
		if !ok || cur != e || e.reactionSeq != seq {
			r.mu.Unlock()
			return
		}
		e.p.Reaction = ""
		e.p.LastUpdate = r.clock.Now()
		r.mu.Unlock()
		r.notify()
	})
	r.mu.Unlock()
	r.notify()
	return true
}

// MarkReconnecting forces a remote peer into the reconnecting state without
// waiting for the next snapshot.
func (r *Registry) MarkReconnecting(id domain.PeerID) bool {
	if id == r.self.PeerID {
		return false
	}
	now := r.clock.Now()
	r.mu.Lock()
	if e, ok := r.byID[id]; ok {
		e.reconnectedAt = time.Time{}
	}
	r.mu.Unlock()
	return r.update(id, false, func(p *domain.Participant) bool {
		if !p.IsReconnecting {
			p.IsReconnecting = true
			p.ReconnectStartedAt = &now
		}
		p.Stream, p.ScreenStream, p.IsScreenSharing = nil, nil, false
		return true
	})
}

// UpdateSelf mirrors local intent and local media onto the local entry.
func (r *Registry) UpdateSelf(in domain.Intent, stream, screen *domain.Stream) {
	r.update(r.self.PeerID, false, func(p *domain.Participant) bool {
		p.Muted, p.CameraOff = in.Muted, in.CameraOff
		p.Stream = stream
		p.ScreenStream = screen
		p.IsScreenSharing = screen != nil
		return true
	})
}

func (r *Registry) Get(id domain.PeerID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return domain.Participant{}, false
	}
	return e.p, true
}

func (r *Registry) Has(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot returns copies of all participants, local peer first.
func (r *Registry) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].p)
	}
	return out
}

// SetSpeaking marks exactly the peers in active as speaking.
func (r *Registry) SetSpeaking(active map[domain.PeerID]bool) {
	now := r.clock.Now()
	changed := false
	r.mu.Lock()
	for id, e := range r.byID {
		if e.p.Speaking != active[id] {
			e.p.Speaking = active[id]
			e.p.LastUpdate = now
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}
