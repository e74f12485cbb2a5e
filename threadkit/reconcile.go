package threadkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/usethreadkit/threadkit/protocol"
)

type ReconcilerSettings struct {
	// an orphan that waits longer than this for its parent attaches at
	// the root instead of being silently dropped
	OrphanTimeout      time.Duration
	OrphanSweepTimeout time.Duration
}

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		OrphanTimeout:      10 * time.Second,
		OrphanSweepTimeout: 2 * time.Second,
	}
}

type orphanEntry struct {
	node      *CommentNode
	arrivedAt time.Time
}

type pendingReply struct {
	tempId string
	body   string
}

// Reconciler is the idempotency boundary between local optimistic
// mutations and the inbound event stream. Outbound: apply to the
// ThreadState tagged pending, issue the api call, then confirm with the
// server-assigned id or roll back to the pre-mutation snapshot.
// Inbound: upsert by id, so the echo of a mutation this client already
// applied is a no-op, never a duplicate.
type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	state     *ThreadState
	api       *ThreadApi
	reveal    *RevealBuffer
	byJwt     *ByJwt
	errorFunc ErrorFunction

	settings *ReconcilerSettings

	stateLock sync.Mutex
	// temporary id -> server-assigned permanent id
	remap map[string]string
	// missing parent id -> children delivered before the parent
	orphans map[string][]*orphanEntry
	// unconfirmed parent temporary id -> replies awaiting the permanent
	// id before their own api call can be issued
	pendingReplies map[string][]*pendingReply
	// ids the server tombstoned. A failed local mutation must not
	// restore one of these on rollback.
	inboundDeletes map[string]bool
}

func NewReconcilerWithDefaults(
	ctx context.Context,
	state *ThreadState,
	api *ThreadApi,
	reveal *RevealBuffer,
	byJwt *ByJwt,
	errorFunc ErrorFunction,
) *Reconciler {
	return NewReconciler(ctx, state, api, reveal, byJwt, errorFunc, DefaultReconcilerSettings())
}

func NewReconciler(
	ctx context.Context,
	state *ThreadState,
	api *ThreadApi,
	reveal *RevealBuffer,
	byJwt *ByJwt,
	errorFunc ErrorFunction,
	settings *ReconcilerSettings,
) *Reconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	reconciler := &Reconciler{
		ctx:            cancelCtx,
		cancel:         cancel,
		state:          state,
		api:            api,
		reveal:         reveal,
		byJwt:          byJwt,
		errorFunc:      errorFunc,
		settings:       settings,
		remap:          map[string]string{},
		orphans:        map[string][]*orphanEntry{},
		pendingReplies: map[string][]*pendingReply{},
		inboundDeletes: map[string]bool{},
	}
	go reconciler.run()
	return reconciler
}

func (self *Reconciler) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.OrphanSweepTimeout):
		}
		self.sweepOrphans()
	}
}

func (self *Reconciler) Close() {
	self.cancel()
}

// Seed loads the initial snapshot. Out-of-order snapshots go through
// the same orphan machinery as live events.
func (self *Reconciler) Seed(comments []*protocol.Comment) {
	for _, comment := range comments {
		self.inboundUpsert(comment, false)
	}
}

// Post applies an optimistic pending node under a temporary handle and
// returns it immediately. The api call is issued in the background; a
// reply to a still-unconfirmed parent defers its api call until the
// parent's permanent id is known.
func (self *Reconciler) Post(body string, parentId string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("Empty comment body.")
	}
	parentId = self.resolveId(parentId)
	if parentId != "" && !self.state.Contains(parentId) {
		return "", fmt.Errorf("Unknown parent: %s", parentId)
	}

	tempId := NewTempId()
	node := NewCommentNode(tempId, self.byJwt.UserId, self.byJwt.DisplayName, body, parentId)
	node.AvatarUrl = self.byJwt.AvatarUrl
	node.Pending = true
	self.state.Upsert(node)

	if IsTempId(parentId) {
		self.stateLock.Lock()
		self.pendingReplies[parentId] = append(self.pendingReplies[parentId], &pendingReply{
			tempId: tempId,
			body:   body,
		})
		self.stateLock.Unlock()
		glog.V(2).Infof("[r]defer reply %s under %s\n", tempId, parentId)
		return tempId, nil
	}

	self.post(tempId, body, parentId)
	return tempId, nil
}

func (self *Reconciler) post(tempId string, body string, parentId string) {
	callback := NewApiCallback[*PostCommentResult](func(result *PostCommentResult, err error) {
		if self.destroyed() {
			return
		}
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err == nil && result.Comment == nil {
			err = errors.New("Missing comment in response.")
		}
		if err != nil {
			self.state.Drop(tempId)
			self.dropPendingReplies(tempId)
			self.emitError(NewError(ErrorPostFailed, tempId, err))
			return
		}
		self.confirm(tempId, result.Comment)
	})
	self.api.PostComment(&PostCommentArgs{
		Body:     body,
		ParentId: parentId,
	}, callback)
}

// confirm remaps the temporary handle to the server-assigned id. The
// remap applies atomically to the node and its already-attached
// children; orphans buffered under the permanent id reattach; replies
// deferred on the temporary parent issue their api calls now.
func (self *Reconciler) confirm(tempId string, comment *protocol.Comment) {
	permanentId := comment.Id

	self.stateLock.Lock()
	self.remap[tempId] = permanentId
	replies := self.pendingReplies[tempId]
	delete(self.pendingReplies, tempId)
	self.stateLock.Unlock()

	self.state.RemapId(tempId, permanentId)
	self.state.Upsert(CommentNodeFromWire(comment))
	self.resolveOrphans(permanentId)

	glog.V(2).Infof("[r]confirm %s -> %s\n", tempId, permanentId)

	for _, reply := range replies {
		self.post(reply.tempId, reply.body, permanentId)
	}
}

func (self *Reconciler) dropPendingReplies(tempId string) {
	self.stateLock.Lock()
	replies := self.pendingReplies[tempId]
	delete(self.pendingReplies, tempId)
	self.stateLock.Unlock()

	for _, reply := range replies {
		self.state.Drop(reply.tempId)
		// replies deferred on this reply fail with it
		self.dropPendingReplies(reply.tempId)
		self.emitError(NewError(ErrorPostFailed, reply.tempId, errors.New("Parent comment failed to post.")))
	}
}

// Vote toggles the viewer's vote optimistically and rolls back to the
// pre-vote snapshot if the api call fails.
func (self *Reconciler) Vote(id string, direction VoteDirection) error {
	id = self.resolveId(id)
	if IsTempId(id) {
		return fmt.Errorf("Comment is not confirmed yet: %s", id)
	}
	snapshot := self.state.Get(id)
	if snapshot == nil {
		return fmt.Errorf("Unknown comment: %s", id)
	}
	if err := self.state.Vote(id, self.byJwt.UserId, direction); err != nil {
		return err
	}

	callback := NewApiCallback[*VoteCommentResult](func(result *VoteCommentResult, err error) {
		if self.destroyed() {
			return
		}
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			// the comment may have been deleted while the request was
			// in flight; a rollback must not resurrect it
			current := self.state.Get(id)
			if current != nil && !current.Deleted {
				self.state.SetVotes(id, maps.Keys(snapshot.UpvoterIds), maps.Keys(snapshot.DownvoterIds))
			}
			self.emitError(NewError(ErrorVoteFailed, id, err))
			return
		}
		if result.Comment != nil {
			// authoritative membership from the server
			self.state.SetVotes(id, result.Comment.UpvoterIds, result.Comment.DownvoterIds)
		}
	})
	self.api.VoteComment(&VoteCommentArgs{
		CommentId: id,
		Direction: int(direction),
	}, callback)
	return nil
}

func (self *Reconciler) Edit(id string, body string) error {
	id = self.resolveId(id)
	if IsTempId(id) {
		return fmt.Errorf("Comment is not confirmed yet: %s", id)
	}
	snapshot := self.state.Get(id)
	if snapshot == nil {
		return fmt.Errorf("Unknown comment: %s", id)
	}
	if snapshot.AuthorId != self.byJwt.UserId {
		return fmt.Errorf("Cannot edit another user's comment.")
	}
	if err := self.state.Edit(id, body, time.Now().UTC()); err != nil {
		return err
	}

	callback := NewApiCallback[*EditCommentResult](func(result *EditCommentResult, err error) {
		if self.destroyed() {
			return
		}
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			// same in-flight delete hazard as the vote rollback: put
			// back only the pre-edit body, and only on a live node
			current := self.state.Get(id)
			if current != nil && !current.Deleted {
				self.state.SetBody(id, snapshot.Body, snapshot.EditedAt)
			}
			self.emitError(NewError(ErrorEditFailed, id, err))
			return
		}
		// the node may have been tombstoned by an inbound delete while
		// the request was in flight
		current := self.state.Get(id)
		if current == nil || current.Deleted {
			return
		}
		if result.Comment != nil && result.Comment.EditedAt != nil {
			self.state.Edit(id, result.Comment.Body, *result.Comment.EditedAt)
		}
	})
	self.api.EditComment(&EditCommentArgs{
		CommentId: id,
		Body:      body,
	}, callback)
	return nil
}

func (self *Reconciler) Remove(id string) error {
	id = self.resolveId(id)
	if IsTempId(id) {
		return fmt.Errorf("Comment is not confirmed yet: %s", id)
	}
	snapshot := self.state.Get(id)
	if snapshot == nil {
		return fmt.Errorf("Unknown comment: %s", id)
	}
	if snapshot.AuthorId != self.byJwt.UserId {
		return fmt.Errorf("Cannot delete another user's comment.")
	}
	if err := self.state.Remove(id); err != nil {
		return err
	}

	callback := NewApiCallback[*DeleteCommentResult](func(result *DeleteCommentResult, err error) {
		if self.destroyed() {
			return
		}
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			// if the server tombstoned the comment while the delete
			// was in flight, the local removal stands
			if !self.deletedInbound(id) {
				self.state.Restore(snapshot)
			}
			self.emitError(NewError(ErrorDeleteFailed, id, err))
		}
	})
	self.api.DeleteComment(&DeleteCommentArgs{
		CommentId: id,
	}, callback)
	return nil
}

// HandleMessage applies one inbound durable event. Applying the same
// event twice yields the same state.
func (self *Reconciler) HandleMessage(message any) {
	switch v := message.(type) {
	case *protocol.SyncResult:
		for _, comment := range v.Comments {
			self.inboundUpsert(comment, false)
		}
	case *protocol.CommentAdded:
		self.inboundUpsert(v.Comment, true)
	case *protocol.CommentEdited:
		self.inboundEdit(v)
	case *protocol.CommentDeleted:
		self.inboundDelete(v)
	case *protocol.VoteChanged:
		self.inboundVote(v)
	default:
		glog.V(2).Infof("[r]ignore %T\n", v)
	}
}

func (self *Reconciler) inboundUpsert(comment *protocol.Comment, bufferEligible bool) {
	if comment == nil {
		return
	}
	node := CommentNodeFromWire(comment)
	node.ParentId = self.resolveId(node.ParentId)

	if !self.state.Contains(node.Id) {
		// the echo of this client's own post merges immediately; it
		// must never inflate the reveal count
		own := node.AuthorId == self.byJwt.UserId
		if bufferEligible && !own && self.reveal != nil && self.reveal.ShouldBuffer(node) {
			self.reveal.Add(node)
			return
		}
	}

	self.applyNode(node)
}

// applyNode attaches the node to the tree, parking it in the orphan
// pool when its parent has not arrived.
func (self *Reconciler) applyNode(node *CommentNode) {
	if !self.state.Contains(node.Id) && node.ParentId != "" && !self.state.Contains(node.ParentId) {
		// child delivered before its parent
		self.stateLock.Lock()
		self.orphans[node.ParentId] = append(self.orphans[node.ParentId], &orphanEntry{
			node:      node,
			arrivedAt: time.Now(),
		})
		self.stateLock.Unlock()
		glog.V(2).Infof("[r]orphan %s waits for %s\n", node.Id, node.ParentId)
		return
	}

	self.state.Upsert(node)
	self.resolveOrphans(node.Id)
}

func (self *Reconciler) inboundEdit(event *protocol.CommentEdited) {
	if self.reveal != nil {
		applied := self.reveal.Update(event.Id, func(node *CommentNode) {
			node.Body = event.Body
			editedAt := event.EditedAt
			node.EditedAt = &editedAt
		})
		if applied {
			return
		}
	}
	if err := self.state.Edit(event.Id, event.Body, event.EditedAt); err != nil {
		glog.V(2).Infof("[r]edit skipped = %s\n", err)
	}
}

func (self *Reconciler) inboundDelete(event *protocol.CommentDeleted) {
	self.stateLock.Lock()
	self.inboundDeletes[event.Id] = true
	self.stateLock.Unlock()

	if self.reveal != nil && self.reveal.Remove(event.Id) {
		return
	}
	if err := self.state.Remove(event.Id); err != nil {
		glog.V(2).Infof("[r]delete skipped = %s\n", err)
	}
}

func (self *Reconciler) inboundVote(event *protocol.VoteChanged) {
	if self.reveal != nil {
		applied := self.reveal.Update(event.Id, func(node *CommentNode) {
			node.UpvoterIds = map[string]bool{}
			for _, userId := range event.UpvoterIds {
				node.UpvoterIds[userId] = true
			}
			node.DownvoterIds = map[string]bool{}
			for _, userId := range event.DownvoterIds {
				node.DownvoterIds[userId] = true
			}
		})
		if applied {
			return
		}
	}
	if err := self.state.SetVotes(event.Id, event.UpvoterIds, event.DownvoterIds); err != nil {
		glog.V(2).Infof("[r]vote skipped = %s\n", err)
	}
}

// Reveal flushes the buffered comments into the ThreadState in one
// batch and clears the buffer.
func (self *Reconciler) Reveal() int {
	if self.reveal == nil {
		return 0
	}
	nodes := self.reveal.Drain()
	for _, node := range nodes {
		// the parent may have been confirmed or deleted while the
		// comment waited in the buffer
		node.ParentId = self.resolveId(node.ParentId)
		self.applyNode(node)
	}
	if 0 < len(nodes) {
		self.state.EmitRevealed()
	}
	return len(nodes)
}

// ValidIntent re-validates a deferred outbound intent after a resync.
// Stale typing signals are dropped; they would be long expired on the
// other end anyway.
func (self *Reconciler) ValidIntent(message any) bool {
	switch message.(type) {
	case *protocol.Typing, *protocol.StoppedTyping:
		return false
	}
	return true
}

func (self *Reconciler) resolveOrphans(parentId string) {
	self.stateLock.Lock()
	entries := self.orphans[parentId]
	delete(self.orphans, parentId)
	self.stateLock.Unlock()

	for _, entry := range entries {
		entry.node.ParentId = parentId
		self.state.Upsert(entry.node)
		// the orphan may itself be an awaited parent
		self.resolveOrphans(entry.node.Id)
	}
}

// orphans that outwait the bound attach at the root rather than being
// silently dropped
func (self *Reconciler) sweepOrphans() {
	now := time.Now()

	self.stateLock.Lock()
	expired := []*orphanEntry{}
	for parentId, entries := range self.orphans {
		remaining := []*orphanEntry{}
		for _, entry := range entries {
			if self.settings.OrphanTimeout <= now.Sub(entry.arrivedAt) {
				expired = append(expired, entry)
			} else {
				remaining = append(remaining, entry)
			}
		}
		if len(remaining) == 0 {
			delete(self.orphans, parentId)
		} else {
			self.orphans[parentId] = remaining
		}
	}
	self.stateLock.Unlock()

	for _, entry := range expired {
		glog.Infof("[r]orphan %s attaches at root, parent %s never arrived\n", entry.node.Id, entry.node.ParentId)
		entry.node.ParentId = ""
		self.state.Upsert(entry.node)
		self.resolveOrphans(entry.node.Id)
	}
}

func (self *Reconciler) resolveId(id string) string {
	if id == "" {
		return id
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if permanentId, ok := self.remap[id]; ok {
		return permanentId
	}
	return id
}

func (self *Reconciler) deletedInbound(id string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.inboundDeletes[id]
}

// destroyed reports whether the owning client was torn down; results of
// in-flight requests are ignored after that.
func (self *Reconciler) destroyed() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

func (self *Reconciler) emitError(err *Error) {
	if self.errorFunc == nil {
		return
	}
	func() {
		defer recoverLogged()
		self.errorFunc(err)
	}()
}
