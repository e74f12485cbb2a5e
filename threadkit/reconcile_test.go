package threadkit

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/usethreadkit/threadkit/protocol"
)

func newTestReconciler(t *testing.T, apiServer *testApiServer, settings *ReconcilerSettings) (*ThreadState, *Reconciler, *RevealBuffer, *errorRecorder) {
	ctx := context.Background()
	state := newTestState()
	reveal := NewRevealBuffer()
	errors := &errorRecorder{}

	var api *ThreadApi
	if apiServer != nil {
		api = NewThreadApi(ctx, apiServer.url(), "site-1", "https://example.com/post", StaticTokenProvider("test"))
		t.Cleanup(api.Close)
	}

	reconciler := NewReconciler(ctx, state, api, reveal, testByJwt("u1", "Alice"), errors.record, settings)
	t.Cleanup(reconciler.Close)
	return state, reconciler, reveal, errors
}

func TestInboundIdempotence(t *testing.T) {
	state, reconciler, _, _ := newTestReconciler(t, nil, DefaultReconcilerSettings())

	added := &protocol.CommentAdded{
		Comment: wireComment("42", "u2", "hello", "", time.Now().UTC()),
	}
	reconciler.HandleMessage(added)
	reconciler.HandleMessage(added)

	assert.Equal(t, 1, state.Len())
	assert.Equal(t, 1, len(state.OrderedChildren("")))
}

func TestOrphanResolution(t *testing.T) {
	state, reconciler, _, _ := newTestReconciler(t, nil, DefaultReconcilerSettings())
	now := time.Now().UTC()

	// the child is delivered before its parent
	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("2", "u2", "reply", "1", now),
	})
	assert.Equal(t, 0, state.Len())

	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("1", "u3", "parent", "", now),
	})

	assert.Equal(t, 2, state.Len())
	children := state.OrderedChildren("1")
	assert.Equal(t, 1, len(children))
	assert.Equal(t, "2", children[0].Id)
}

func TestOrphanChain(t *testing.T) {
	state, reconciler, _, _ := newTestReconciler(t, nil, DefaultReconcilerSettings())
	now := time.Now().UTC()

	// grandchild, then child, then parent
	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("3", "u2", "c", "2", now),
	})
	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("2", "u2", "b", "1", now),
	})
	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("1", "u2", "a", "", now),
	})

	assert.Equal(t, 3, state.Len())
	assert.Equal(t, "1", state.Get("2").ParentId)
	assert.Equal(t, "2", state.Get("3").ParentId)
}

func TestOrphanTimeoutAttachesAtRoot(t *testing.T) {
	settings := &ReconcilerSettings{
		OrphanTimeout:      50 * time.Millisecond,
		OrphanSweepTimeout: 20 * time.Millisecond,
	}
	state, reconciler, _, _ := newTestReconciler(t, nil, settings)

	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("2", "u2", "reply", "never-arrives", time.Now().UTC()),
	})
	assert.Equal(t, 0, state.Len())

	waitFor(t, 2*time.Second, func() bool {
		return state.Len() == 1
	})
	node := state.Get("2")
	assert.Equal(t, "", node.ParentId)
}

func TestPostConfirm(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	state, reconciler, _, _ := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	tempId, err := reconciler.Post("Hello", "")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, IsTempId(tempId))

	pending := state.Get(tempId)
	assert.NotEqual(t, pending, nil)
	assert.Equal(t, true, pending.Pending)

	// the server assigns "42". exactly one node remains, no temporary
	// remnant.
	waitFor(t, 2*time.Second, func() bool {
		node := state.Get("42")
		return node != nil && !node.Pending
	})
	assert.Equal(t, nil, state.Get(tempId))
	assert.Equal(t, 1, state.Len())
}

func TestEchoSuppression(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	state, reconciler, _, _ := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	reconciler.Post("Hello", "")
	waitFor(t, 2*time.Second, func() bool {
		return state.Get("42") != nil
	})

	// the channel echoes the confirmed comment back
	confirmed := state.Get("42")
	reconciler.HandleMessage(&protocol.CommentAdded{
		Comment: wireComment("42", "u1", confirmed.Body, "", confirmed.CreatedAt),
	})

	assert.Equal(t, 1, state.Len())
	assert.Equal(t, 1, len(state.OrderedChildren("")))
}

func TestReplyToPendingParentRemap(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	hold := apiServer.holdResponses("/comments")
	state, reconciler, _, _ := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	parentTempId, err := reconciler.Post("Hello", "")
	assert.Equal(t, nil, err)

	// reply while the parent is still unconfirmed
	replyTempId, err := reconciler.Post("World", parentTempId)
	assert.Equal(t, nil, err)
	assert.Equal(t, parentTempId, state.Get(replyTempId).ParentId)

	close(hold)

	// parent confirms as "42", reply as "43" with the remapped parent
	waitFor(t, 2*time.Second, func() bool {
		node := state.Get("43")
		return node != nil && !node.Pending
	})
	assert.Equal(t, "42", state.Get("43").ParentId)
	parentIds := apiServer.parentIds()
	assert.Equal(t, []string{"", "42"}, parentIds)
	assert.Equal(t, 2, state.Len())
}

func TestVoteRollbackOnFailure(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	apiServer.setFailPath("/votes")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	state.Upsert(CommentNodeFromWire(wireComment("42", "u2", "hello", "", time.Now().UTC())))

	assert.Equal(t, nil, reconciler.Vote("42", VoteUp))
	// applied optimistically
	assert.Equal(t, 1, state.Get("42").Score())

	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorVoteFailed, errors.kinds()[0])
	// rolled back to the pre-vote snapshot
	assert.Equal(t, 0, state.Get("42").Score())
}

func TestEditRollbackOnFailure(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	apiServer.setFailPath("/edits")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	state.Upsert(CommentNodeFromWire(wireComment("42", "u1", "hello", "", time.Now().UTC())))

	assert.Equal(t, nil, reconciler.Edit("42", "edited"))
	assert.Equal(t, "edited", state.Get("42").Body)

	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorEditFailed, errors.kinds()[0])
	assert.Equal(t, "hello", state.Get("42").Body)
}

func TestVoteRollbackAfterInboundDelete(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	hold := apiServer.holdResponses("/votes")
	apiServer.setFailPath("/votes")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	state.Upsert(CommentNodeFromWire(wireComment("42", "u2", "hello", "", time.Now().UTC())))
	assert.Equal(t, nil, reconciler.Vote("42", VoteUp))

	// the comment is deleted while the vote request is in flight
	reconciler.HandleMessage(&protocol.CommentDeleted{Id: "42"})
	assert.Equal(t, 0, state.Len())

	close(hold)
	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorVoteFailed, errors.kinds()[0])
	// the rollback must not resurrect the deleted comment
	assert.Equal(t, nil, state.Get("42"))
}

func TestEditRollbackAfterInboundDelete(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	hold := apiServer.holdResponses("/edits")
	apiServer.setFailPath("/edits")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	now := time.Now().UTC()
	state.Upsert(CommentNodeFromWire(wireComment("1", "u1", "hello", "", now)))
	state.Upsert(CommentNodeFromWire(wireComment("2", "u2", "reply", "1", now)))
	assert.Equal(t, nil, reconciler.Edit("1", "changed"))

	// tombstoned mid-flight: the node has a child, so it stays in place
	reconciler.HandleMessage(&protocol.CommentDeleted{Id: "1"})
	assert.Equal(t, true, state.Get("1").Deleted)

	close(hold)
	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorEditFailed, errors.kinds()[0])
	// the rollback must not undelete the tombstone
	node := state.Get("1")
	assert.Equal(t, true, node.Deleted)
	assert.Equal(t, "", node.Body)
}

func TestDeleteRollbackOnFailure(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	apiServer.setFailPath("/deletes")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	state.Upsert(CommentNodeFromWire(wireComment("42", "u1", "hello", "", time.Now().UTC())))
	assert.Equal(t, nil, reconciler.Remove("42"))
	assert.Equal(t, nil, state.Get("42"))

	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorDeleteFailed, errors.kinds()[0])
	// the optimistic removal is undone
	node := state.Get("42")
	assert.NotEqual(t, node, nil)
	assert.Equal(t, "hello", node.Body)
}

func TestDeleteRollbackAfterInboundDelete(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	hold := apiServer.holdResponses("/deletes")
	apiServer.setFailPath("/deletes")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	state.Upsert(CommentNodeFromWire(wireComment("42", "u1", "hello", "", time.Now().UTC())))
	assert.Equal(t, nil, reconciler.Remove("42"))

	// the server broadcast its own delete while the request was in
	// flight. The local removal stands even though the request failed.
	reconciler.HandleMessage(&protocol.CommentDeleted{Id: "42"})
	close(hold)

	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorDeleteFailed, errors.kinds()[0])
	assert.Equal(t, nil, state.Get("42"))
	assert.Equal(t, 0, state.Len())
}

func TestNestedPendingRepliesFailTogether(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	hold := apiServer.holdResponses("/comments")
	apiServer.setFailPath("/comments")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	rootTempId, err := reconciler.Post("a", "")
	assert.Equal(t, nil, err)
	replyTempId, err := reconciler.Post("b", rootTempId)
	assert.Equal(t, nil, err)
	grandTempId, err := reconciler.Post("c", replyTempId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, state.Len())

	close(hold)

	// the whole pending subtree fails with the root, each node with its
	// own error
	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 3
	})
	for _, kind := range errors.kinds() {
		assert.Equal(t, ErrorPostFailed, kind)
	}
	assert.Equal(t, 0, state.Len())
	assert.Equal(t, nil, state.Get(grandTempId))
}

func TestPostRollbackOnFailure(t *testing.T) {
	apiServer := newTestApiServer()
	defer apiServer.close()
	apiServer.setFailPath("/comments")
	state, reconciler, _, errors := newTestReconciler(t, apiServer, DefaultReconcilerSettings())

	tempId, err := reconciler.Post("Hello", "")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, state.Len())

	waitFor(t, 2*time.Second, func() bool {
		return errors.count() == 1
	})
	assert.Equal(t, ErrorPostFailed, errors.kinds()[0])
	assert.Equal(t, nil, state.Get(tempId))
	assert.Equal(t, 0, state.Len())
}

func TestInboundVoteAuthoritative(t *testing.T) {
	state, reconciler, _, _ := newTestReconciler(t, nil, DefaultReconcilerSettings())
	state.Upsert(CommentNodeFromWire(wireComment("42", "u2", "hello", "", time.Now().UTC())))

	// two independent sessions upvoted
	event := &protocol.VoteChanged{
		Id:         "42",
		UpvoterIds: []string{"u2", "u3"},
	}
	reconciler.HandleMessage(event)
	reconciler.HandleMessage(event)

	node := state.Get("42")
	assert.Equal(t, 2, len(node.UpvoterIds))
	assert.Equal(t, 2, node.Score())
}

func TestInboundDeleteTombstones(t *testing.T) {
	state, reconciler, _, _ := newTestReconciler(t, nil, DefaultReconcilerSettings())
	now := time.Now().UTC()
	state.Upsert(CommentNodeFromWire(wireComment("1", "u2", "parent", "", now)))
	state.Upsert(CommentNodeFromWire(wireComment("2", "u2", "child", "1", now)))

	reconciler.HandleMessage(&protocol.CommentDeleted{Id: "1"})

	node := state.Get("1")
	assert.Equal(t, true, node.Deleted)
	assert.Equal(t, "2", state.OrderedChildren("1")[0].Id)
}

func TestSyncResultIsIdempotent(t *testing.T) {
	state, reconciler, _, _ := newTestReconciler(t, nil, DefaultReconcilerSettings())
	now := time.Now().UTC()

	sync := &protocol.SyncResult{
		Cursor: "c-5",
		Comments: []*protocol.Comment{
			wireComment("1", "u2", "a", "", now),
			wireComment("2", "u3", "b", "1", now),
		},
	}
	reconciler.HandleMessage(sync)
	reconciler.HandleMessage(sync)

	assert.Equal(t, 2, state.Len())
	assert.Equal(t, 1, len(state.OrderedChildren("")))
	assert.Equal(t, 1, len(state.OrderedChildren("1")))
}
