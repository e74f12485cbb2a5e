package threadkit

// State change variants emitted to UI collaborators. Listeners run in
// registration order. Callbacks are wrapped to recover from panics so a
// bad listener never corrupts dispatch.

type StateChangeKind string

const (
	StateChangeAdded    StateChangeKind = "added"
	StateChangeEdited   StateChangeKind = "edited"
	StateChangeRemoved  StateChangeKind = "removed"
	StateChangeVoted    StateChangeKind = "voted"
	StateChangeSorted   StateChangeKind = "sorted"
	StateChangeRevealed StateChangeKind = "revealed"
)

type StateChangeEvent struct {
	Kind StateChangeKind
	// the affected comment id, empty for `sorted` and `revealed`
	CommentId string
}

type StateChangeFunction func(event *StateChangeEvent)

type stateChangeBus struct {
	callbacks *CallbackList[StateChangeFunction]
}

func newStateChangeBus() *stateChangeBus {
	return &stateChangeBus{
		callbacks: NewCallbackList[StateChangeFunction](),
	}
}

func (self *stateChangeBus) add(callback StateChangeFunction) int {
	return self.callbacks.Add(callback)
}

func (self *stateChangeBus) remove(callbackId int) {
	self.callbacks.Remove(callbackId)
}

func (self *stateChangeBus) emit(event *StateChangeEvent) {
	for _, callback := range self.callbacks.Get() {
		func() {
			defer recoverLogged()
			callback(event)
		}()
	}
}

type errorBus struct {
	callbacks *CallbackList[ErrorFunction]
}

func newErrorBus() *errorBus {
	return &errorBus{
		callbacks: NewCallbackList[ErrorFunction](),
	}
}

func (self *errorBus) add(callback ErrorFunction) int {
	return self.callbacks.Add(callback)
}

func (self *errorBus) remove(callbackId int) {
	self.callbacks.Remove(callbackId)
}

func (self *errorBus) emit(err *Error) {
	for _, callback := range self.callbacks.Get() {
		func() {
			defer recoverLogged()
			callback(err)
		}()
	}
}

func recoverLogged() {
	if r := recover(); r != nil {
		logListenerPanic(r)
	}
}
