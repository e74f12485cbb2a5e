package threadkit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/usethreadkit/threadkit/protocol"
)

type EphemeralSettings struct {
	// remote typing entries expire this long after the last refresh
	TypingTtl time.Duration
	// sweep interval, must be shorter than the ttl
	SweepTimeout time.Duration
	// local typing emits at most once per this interval
	TypingThrottleTimeout time.Duration
}

func DefaultEphemeralSettings() *EphemeralSettings {
	return &EphemeralSettings{
		TypingTtl:             6 * time.Second,
		SweepTimeout:          2 * time.Second,
		TypingThrottleTimeout: 3 * time.Second,
	}
}

type TypingEntry struct {
	UserId      string
	DisplayName string
	ExpiresAt   time.Time
}

type EphemeralChangeFunction func()

// EphemeralCoordinator tracks typing and presence. Both are correct by
// expiry, not by acknowledgement: a stopped-typing event and a leave
// delta are optimizations that can be lost on an ungraceful disconnect,
// so typing entries expire by ttl sweep and the presence count is
// overwritten by periodic authoritative pushes.
type EphemeralCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	byJwt *ByJwt
	// outbound channel send, nil when the thread is offline
	sendFunc func(message any) bool

	settings *EphemeralSettings

	stateLock       sync.Mutex
	typing          map[string]*TypingEntry
	presenceCount   int
	lastTypingEmit  time.Time
	changeCallbacks *CallbackList[EphemeralChangeFunction]
}

func NewEphemeralCoordinatorWithDefaults(
	ctx context.Context,
	byJwt *ByJwt,
	sendFunc func(message any) bool,
) *EphemeralCoordinator {
	return NewEphemeralCoordinator(ctx, byJwt, sendFunc, DefaultEphemeralSettings())
}

func NewEphemeralCoordinator(
	ctx context.Context,
	byJwt *ByJwt,
	sendFunc func(message any) bool,
	settings *EphemeralSettings,
) *EphemeralCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &EphemeralCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		byJwt:           byJwt,
		sendFunc:        sendFunc,
		settings:        settings,
		typing:          map[string]*TypingEntry{},
		changeCallbacks: NewCallbackList[EphemeralChangeFunction](),
	}
	go coordinator.run()
	return coordinator
}

func (self *EphemeralCoordinator) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepTimeout):
		}
		self.sweep()
	}
}

func (self *EphemeralCoordinator) Close() {
	self.cancel()
}

// the sweep is the primary expiry mechanism for typing entries
func (self *EphemeralCoordinator) sweep() {
	now := time.Now()

	self.stateLock.Lock()
	expiredUserIds := []string{}
	for userId, entry := range self.typing {
		if entry.ExpiresAt.Before(now) {
			expiredUserIds = append(expiredUserIds, userId)
		}
	}
	for _, userId := range expiredUserIds {
		delete(self.typing, userId)
	}
	self.stateLock.Unlock()

	if 0 < len(expiredUserIds) {
		glog.V(2).Infof("[e]typing expired %v\n", expiredUserIds)
		self.emitChange()
	}
}

// LocalTyping reports local keystroke activity. Emission is throttled
// so active typing sends at most one event per throttle interval.
func (self *EphemeralCoordinator) LocalTyping() {
	now := time.Now()

	self.stateLock.Lock()
	throttled := now.Sub(self.lastTypingEmit) < self.settings.TypingThrottleTimeout
	if !throttled {
		self.lastTypingEmit = now
	}
	self.stateLock.Unlock()

	if throttled {
		return
	}
	if self.sendFunc != nil {
		self.sendFunc(&protocol.Typing{
			UserId:      self.byJwt.UserId,
			DisplayName: self.byJwt.DisplayName,
		})
	}
}

// LocalStoppedTyping reports blur or submit. This is an optimization;
// the remote ttl sweep is what guarantees expiry.
func (self *EphemeralCoordinator) LocalStoppedTyping() {
	self.stateLock.Lock()
	self.lastTypingEmit = time.Time{}
	self.stateLock.Unlock()

	if self.sendFunc != nil {
		self.sendFunc(&protocol.StoppedTyping{
			UserId: self.byJwt.UserId,
		})
	}
}

// HandleMessage applies one inbound ephemeral event. Handlers never
// emit outward; that would amplify echoes.
func (self *EphemeralCoordinator) HandleMessage(message any) {
	switch v := message.(type) {
	case *protocol.Typing:
		self.handleTyping(v)
	case *protocol.StoppedTyping:
		self.handleStoppedTyping(v)
	case *protocol.Presence:
		self.handlePresence(v)
	}
}

func (self *EphemeralCoordinator) handleTyping(event *protocol.Typing) {
	if event.UserId == self.byJwt.UserId {
		// own echo
		return
	}

	self.stateLock.Lock()
	self.typing[event.UserId] = &TypingEntry{
		UserId:      event.UserId,
		DisplayName: event.DisplayName,
		ExpiresAt:   time.Now().Add(self.settings.TypingTtl),
	}
	self.stateLock.Unlock()

	self.emitChange()
}

func (self *EphemeralCoordinator) handleStoppedTyping(event *protocol.StoppedTyping) {
	self.stateLock.Lock()
	_, ok := self.typing[event.UserId]
	delete(self.typing, event.UserId)
	self.stateLock.Unlock()

	if ok {
		self.emitChange()
	}
}

// deltas apply immediately for responsiveness; an authoritative push
// overwrites the count to correct drift from lost leave events
func (self *EphemeralCoordinator) handlePresence(event *protocol.Presence) {
	self.stateLock.Lock()
	if event.Authoritative {
		self.presenceCount = event.Count
	} else {
		self.presenceCount += event.Delta
		if self.presenceCount < 0 {
			self.presenceCount = 0
		}
	}
	self.stateLock.Unlock()

	self.emitChange()
}

// SetPresence overwrites the count from a resync snapshot.
func (self *EphemeralCoordinator) SetPresence(count int) {
	self.stateLock.Lock()
	self.presenceCount = count
	self.stateLock.Unlock()

	self.emitChange()
}

func (self *EphemeralCoordinator) Presence() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.presenceCount
}

// Typing returns the active entries ordered by user id for a stable
// render.
func (self *EphemeralCoordinator) Typing() []*TypingEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	userIds := maps.Keys(self.typing)
	slices.Sort(userIds)
	entries := make([]*TypingEntry, 0, len(userIds))
	for _, userId := range userIds {
		entry := *self.typing[userId]
		entries = append(entries, &entry)
	}
	return entries
}

func (self *EphemeralCoordinator) AddChangeCallback(callback EphemeralChangeFunction) int {
	return self.changeCallbacks.Add(callback)
}

func (self *EphemeralCoordinator) RemoveChangeCallback(callbackId int) {
	self.changeCallbacks.Remove(callbackId)
}

func (self *EphemeralCoordinator) emitChange() {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer recoverLogged()
			callback()
		}()
	}
}
