package threadkit

import (
	"sync"

	"golang.org/x/exp/slices"
)

// RevealBuffer holds durable inbound comments that would visually
// disturb a reader who is away from the live edge of the view. Buffered
// comments are not in the ThreadState; the ui shows a "new comments"
// count and an explicit reveal merges them in one batch.
//
// Policy: while the view is live everything merges immediately. Away
// from the live edge, new comments buffer, except replies to the node
// the user is focused on, which are a small localized disruption and
// merge immediately. Replies to a buffered comment buffer with their
// parent so the subtree reveals together.
type RevealBuffer struct {
	stateLock sync.Mutex
	live      bool
	focusId   string
	order     []string
	comments  map[string]*CommentNode

	countCallbacks *CallbackList[func(count int)]
}

func NewRevealBuffer() *RevealBuffer {
	return &RevealBuffer{
		live:           true,
		order:          []string{},
		comments:       map[string]*CommentNode{},
		countCallbacks: NewCallbackList[func(count int)](),
	}
}

func (self *RevealBuffer) SetLive(live bool) {
	self.stateLock.Lock()
	self.live = live
	self.stateLock.Unlock()
}

func (self *RevealBuffer) SetFocus(focusId string) {
	self.stateLock.Lock()
	self.focusId = focusId
	self.stateLock.Unlock()
}

func (self *RevealBuffer) ShouldBuffer(node *CommentNode) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.comments[node.ParentId]; ok {
		return true
	}
	if self.live {
		return false
	}
	if node.ParentId != "" && node.ParentId == self.focusId {
		return false
	}
	return true
}

func (self *RevealBuffer) Add(node *CommentNode) {
	self.stateLock.Lock()
	if _, ok := self.comments[node.Id]; !ok {
		self.order = append(self.order, node.Id)
	}
	self.comments[node.Id] = node
	count := len(self.order)
	self.stateLock.Unlock()

	self.emitCount(count)
}

func (self *RevealBuffer) Contains(id string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.comments[id]
	return ok
}

// Update applies `f` to the buffered copy, so edits, votes, and deletes
// that land while a comment waits in the buffer are not lost.
func (self *RevealBuffer) Update(id string, f func(node *CommentNode)) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.comments[id]
	if !ok {
		return false
	}
	f(node)
	return true
}

func (self *RevealBuffer) Remove(id string) bool {
	self.stateLock.Lock()
	_, ok := self.comments[id]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	delete(self.comments, id)
	if i := slices.Index(self.order, id); 0 <= i {
		self.order = slices.Delete(self.order, i, i+1)
	}
	count := len(self.order)
	self.stateLock.Unlock()

	self.emitCount(count)
	return true
}

func (self *RevealBuffer) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.order)
}

func (self *RevealBuffer) Ids() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.order)
}

// Drain returns the buffered comments in arrival order and clears the
// buffer.
func (self *RevealBuffer) Drain() []*CommentNode {
	self.stateLock.Lock()
	nodes := make([]*CommentNode, 0, len(self.order))
	for _, id := range self.order {
		if node, ok := self.comments[id]; ok {
			nodes = append(nodes, node)
		}
	}
	self.order = []string{}
	self.comments = map[string]*CommentNode{}
	self.stateLock.Unlock()

	self.emitCount(0)
	return nodes
}

func (self *RevealBuffer) AddCountCallback(callback func(count int)) int {
	return self.countCallbacks.Add(callback)
}

func (self *RevealBuffer) RemoveCountCallback(callbackId int) {
	self.countCallbacks.Remove(callbackId)
}

func (self *RevealBuffer) emitCount(count int) {
	for _, callback := range self.countCallbacks.Get() {
		func() {
			defer recoverLogged()
			callback(count)
		}()
	}
}
