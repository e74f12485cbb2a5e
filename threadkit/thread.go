package threadkit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/usethreadkit/threadkit/protocol"
)

// CommentNode is one entry in the thread tree. Nodes are owned by the
// ThreadState and referenced by id; `ParentId` is an id reference, never
// an embedded node. An empty `ParentId` means a root comment.
type CommentNode struct {
	Id           string
	AuthorId     string
	DisplayName  string
	AvatarUrl    string
	Body         string
	CreatedAt    time.Time
	EditedAt     *time.Time
	ParentId     string
	UpvoterIds   map[string]bool
	DownvoterIds map[string]bool
	Deleted      bool
	Pending      bool
}

func NewCommentNode(id string, authorId string, displayName string, body string, parentId string) *CommentNode {
	return &CommentNode{
		Id:           id,
		AuthorId:     authorId,
		DisplayName:  displayName,
		Body:         body,
		CreatedAt:    time.Now().UTC(),
		ParentId:     parentId,
		UpvoterIds:   map[string]bool{},
		DownvoterIds: map[string]bool{},
	}
}

func CommentNodeFromWire(comment *protocol.Comment) *CommentNode {
	node := &CommentNode{
		Id:           comment.Id,
		AuthorId:     comment.AuthorId,
		DisplayName:  comment.DisplayName,
		AvatarUrl:    comment.AvatarUrl,
		Body:         comment.Body,
		CreatedAt:    comment.CreatedAt,
		EditedAt:     comment.EditedAt,
		ParentId:     comment.ParentId,
		UpvoterIds:   map[string]bool{},
		DownvoterIds: map[string]bool{},
		Deleted:      comment.Deleted,
	}
	for _, userId := range comment.UpvoterIds {
		node.UpvoterIds[userId] = true
	}
	for _, userId := range comment.DownvoterIds {
		node.DownvoterIds[userId] = true
	}
	return node
}

func (self *CommentNode) Score() int {
	return len(self.UpvoterIds) - len(self.DownvoterIds)
}

func (self *CommentNode) Copy() *CommentNode {
	node := *self
	node.UpvoterIds = maps.Clone(self.UpvoterIds)
	node.DownvoterIds = maps.Clone(self.DownvoterIds)
	return &node
}

type ThreadStateSettings struct {
	SiteId  string
	PageUrl string
	Mode    Mode
	SortBy  SortCriterion
	// reply nesting beyond this depth renders at the last allowed level.
	// children are still stored; clamping is a read-time decision.
	MaxDepth int
}

func DefaultThreadStateSettings(siteId string, pageUrl string) *ThreadStateSettings {
	return &ThreadStateSettings{
		SiteId:   siteId,
		PageUrl:  pageUrl,
		Mode:     ModeThread,
		SortBy:   SortTop,
		MaxDepth: 5,
	}
}

// ThreadState is the authoritative in-memory comment tree. It has no
// network awareness; mutations are applied by the upper layers and each
// one emits a state change event. Ordering is derived on read, never
// stored. Multiple independent instances may coexist in one process.
type ThreadState struct {
	settings *ThreadStateSettings

	stateLock sync.Mutex
	nodes     map[string]*CommentNode
	// parentId -> child ids in arrival order. Root children under "".
	childIds map[string][]string
	sortBy   SortCriterion

	changeBus *stateChangeBus
}

func NewThreadState(settings *ThreadStateSettings) *ThreadState {
	return &ThreadState{
		settings:  settings,
		nodes:     map[string]*CommentNode{},
		childIds:  map[string][]string{},
		sortBy:    settings.SortBy,
		changeBus: newStateChangeBus(),
	}
}

func (self *ThreadState) AddChangeCallback(callback StateChangeFunction) int {
	return self.changeBus.add(callback)
}

func (self *ThreadState) RemoveChangeCallback(callbackId int) {
	self.changeBus.remove(callbackId)
}

// Upsert inserts the node, or merges it over an existing node with the
// same id. Merging is idempotent: applying the same node twice yields
// the same state. Children links of the existing node are preserved.
func (self *ThreadState) Upsert(node *CommentNode) {
	self.stateLock.Lock()
	existing, ok := self.nodes[node.Id]
	kind := StateChangeAdded
	if ok {
		// a node cannot move to a different parent
		node.ParentId = existing.ParentId
		kind = StateChangeEdited
	} else {
		self.childIds[node.ParentId] = append(self.childIds[node.ParentId], node.Id)
	}
	self.nodes[node.Id] = node
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      kind,
		CommentId: node.Id,
	})
}

func (self *ThreadState) Get(id string) *CommentNode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[id]
	if !ok {
		return nil
	}
	return node.Copy()
}

func (self *ThreadState) Contains(id string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.nodes[id]
	return ok
}

func (self *ThreadState) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.nodes)
}

// Remove tombstones the node in place so existing children remain
// reachable. A leaf with no children is physically removed.
func (self *ThreadState) Remove(id string) error {
	self.stateLock.Lock()
	node, ok := self.nodes[id]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("Unknown comment: %s", id)
	}
	if len(self.childIds[id]) == 0 {
		delete(self.nodes, id)
		delete(self.childIds, id)
		self.removeChildId(node.ParentId, id)
	} else {
		node.Body = ""
		node.Deleted = true
	}
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeRemoved,
		CommentId: id,
	})
	return nil
}

// Vote applies toggle semantics for one user: voting the same direction
// again clears the vote; voting the opposite direction flips it. A user
// id is never in both voter sets.
func (self *ThreadState) Vote(id string, userId string, direction VoteDirection) error {
	self.stateLock.Lock()
	node, ok := self.nodes[id]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("Unknown comment: %s", id)
	}

	var votes map[string]bool
	var opposite map[string]bool
	switch direction {
	case VoteUp:
		votes = node.UpvoterIds
		opposite = node.DownvoterIds
	case VoteDown:
		votes = node.DownvoterIds
		opposite = node.UpvoterIds
	default:
		self.stateLock.Unlock()
		return fmt.Errorf("Unknown vote direction: %d", direction)
	}

	if votes[userId] {
		delete(votes, userId)
	} else {
		delete(opposite, userId)
		votes[userId] = true
	}
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeVoted,
		CommentId: id,
	})
	return nil
}

// SetVotes overwrites both voter sets from an authoritative source.
func (self *ThreadState) SetVotes(id string, upvoterIds []string, downvoterIds []string) error {
	self.stateLock.Lock()
	node, ok := self.nodes[id]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("Unknown comment: %s", id)
	}
	node.UpvoterIds = map[string]bool{}
	for _, userId := range upvoterIds {
		node.UpvoterIds[userId] = true
	}
	node.DownvoterIds = map[string]bool{}
	for _, userId := range downvoterIds {
		node.DownvoterIds[userId] = true
	}
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeVoted,
		CommentId: id,
	})
	return nil
}

func (self *ThreadState) Edit(id string, body string, editedAt time.Time) error {
	self.stateLock.Lock()
	node, ok := self.nodes[id]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("Unknown comment: %s", id)
	}
	if node.Deleted {
		self.stateLock.Unlock()
		return fmt.Errorf("Comment was deleted: %s", id)
	}
	node.Body = body
	node.EditedAt = &editedAt
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeEdited,
		CommentId: id,
	})
	return nil
}

// SetBody overwrites the body and edit time. Used to roll an
// optimistic edit back to the pre-edit snapshot.
func (self *ThreadState) SetBody(id string, body string, editedAt *time.Time) error {
	self.stateLock.Lock()
	node, ok := self.nodes[id]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("Unknown comment: %s", id)
	}
	node.Body = body
	node.EditedAt = editedAt
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeEdited,
		CommentId: id,
	})
	return nil
}

func (self *ThreadState) SortBy() SortCriterion {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sortBy
}

func (self *ThreadState) SetSortBy(criterion SortCriterion) {
	self.stateLock.Lock()
	self.sortBy = criterion
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind: StateChangeSorted,
	})
}

// OrderedChildren returns copies of the children of `id` ordered by the
// active sort criterion. Pass an empty id for the root comments. The
// comparator applies to siblings only; each depth sorts independently.
func (self *ThreadState) OrderedChildren(id string) []*CommentNode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	children := []*CommentNode{}
	for _, childId := range self.childIds[id] {
		if node, ok := self.nodes[childId]; ok {
			children = append(children, node.Copy())
		}
	}
	sortNodes(self.sortBy, children)
	return children
}

// Roots returns the ordered top level comments.
func (self *ThreadState) Roots() []*CommentNode {
	return self.OrderedChildren("")
}

// Depth returns the nesting depth of the node, 0 for roots.
func (self *ThreadState) Depth(id string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	depth := 0
	node, ok := self.nodes[id]
	for ok && node.ParentId != "" {
		depth += 1
		node, ok = self.nodes[node.ParentId]
	}
	return depth
}

// VisualDepth clamps the nesting depth to the configured max so render
// cost stays bounded. Over-depth nodes indent at the last allowed level.
func (self *ThreadState) VisualDepth(id string) int {
	depth := self.Depth(id)
	if self.settings.MaxDepth < depth {
		return self.settings.MaxDepth
	}
	return depth
}

// RemapId moves a node from its temporary id to the server-assigned
// permanent id, rewriting the parent references of already-attached
// children in the same step. If the permanent id is already present
// (the echo arrived before the confirmation), the temporary node is
// dropped and its children move under the permanent node.
func (self *ThreadState) RemapId(tempId string, permanentId string) {
	if tempId == permanentId {
		return
	}

	self.stateLock.Lock()
	node, ok := self.nodes[tempId]
	if !ok {
		self.stateLock.Unlock()
		return
	}

	childIds := self.childIds[tempId]
	delete(self.childIds, tempId)
	for _, childId := range childIds {
		if child, ok := self.nodes[childId]; ok {
			child.ParentId = permanentId
		}
	}

	if _, ok := self.nodes[permanentId]; ok {
		// the echo won the race. drop the temporary node.
		delete(self.nodes, tempId)
		self.removeChildId(node.ParentId, tempId)
		self.childIds[permanentId] = append(self.childIds[permanentId], childIds...)
	} else {
		delete(self.nodes, tempId)
		node.Id = permanentId
		self.nodes[permanentId] = node
		self.childIds[permanentId] = childIds
		siblingIds := self.childIds[node.ParentId]
		if i := slices.Index(siblingIds, tempId); 0 <= i {
			siblingIds[i] = permanentId
		}
	}
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeEdited,
		CommentId: permanentId,
	})
}

// Drop physically removes the node regardless of children. Used for
// rollback of an optimistic insert that the server rejected.
func (self *ThreadState) Drop(id string) {
	self.stateLock.Lock()
	node, ok := self.nodes[id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.nodes, id)
	childIds := self.childIds[id]
	delete(self.childIds, id)
	self.removeChildId(node.ParentId, id)
	// orphaned children reattach at the root
	for _, childId := range childIds {
		if child, ok := self.nodes[childId]; ok {
			child.ParentId = ""
			self.childIds[""] = append(self.childIds[""], childId)
		}
	}
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeRemoved,
		CommentId: id,
	})
}

// Restore puts back a pre-mutation snapshot of a node, re-inserting it
// if the optimistic mutation removed it physically.
func (self *ThreadState) Restore(snapshot *CommentNode) {
	self.stateLock.Lock()
	if _, ok := self.nodes[snapshot.Id]; !ok {
		self.childIds[snapshot.ParentId] = append(self.childIds[snapshot.ParentId], snapshot.Id)
	}
	self.nodes[snapshot.Id] = snapshot
	self.stateLock.Unlock()

	self.changeBus.emit(&StateChangeEvent{
		Kind:      StateChangeEdited,
		CommentId: snapshot.Id,
	})
}

func (self *ThreadState) EmitRevealed() {
	self.changeBus.emit(&StateChangeEvent{
		Kind: StateChangeRevealed,
	})
}

func (self *ThreadState) SiteId() string {
	return self.settings.SiteId
}

func (self *ThreadState) PageUrl() string {
	return self.settings.PageUrl
}

func (self *ThreadState) Mode() Mode {
	return self.settings.Mode
}

// callers must hold stateLock
func (self *ThreadState) removeChildId(parentId string, id string) {
	siblingIds := self.childIds[parentId]
	if i := slices.Index(siblingIds, id); 0 <= i {
		self.childIds[parentId] = slices.Delete(siblingIds, i, i+1)
	}
}
