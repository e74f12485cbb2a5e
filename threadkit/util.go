package threadkit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   []T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns an id that can be passed to `Remove`
func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = append(nextCallbackIds, callbackId)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = slices.Delete(nextCallbackIds, i, i+1)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
}

// exponential backoff with jitter. The delay starts at `minTimeout`,
// doubles on each `After`, and is capped at `maxTimeout`. A uniform
// jitter of up to half the delay spreads out reconnect storms.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration
	attempt    int
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

func (self *Reconnect) NextTimeout() time.Duration {
	timeout := self.minTimeout << self.attempt
	if self.maxTimeout < timeout || timeout < self.minTimeout {
		// capped, or overflowed the shift
		timeout = self.maxTimeout
	} else {
		self.attempt += 1
	}
	jitter := time.Duration(mathrand.Int63n(int64(timeout)/2 + 1))
	return timeout + jitter
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.NextTimeout())
}

func (self *Reconnect) Reset() {
	self.attempt = 0
}
