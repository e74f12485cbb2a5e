package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire framing for the thread channel. Every message is a single json
// object with a kind tag and a kind-specific payload. The concrete
// payload structs below are the full set of kinds a client sends or
// receives; anything else is an unknown kind and must be dropped by the
// dispatch loop without affecting other in-flight state.

type EventKind string

const (
	EventAuth           EventKind = "auth"
	EventAuthResult     EventKind = "authResult"
	EventSync           EventKind = "sync"
	EventSyncResult     EventKind = "syncResult"
	EventCommentAdded   EventKind = "commentAdded"
	EventCommentEdited  EventKind = "commentEdited"
	EventCommentDeleted EventKind = "commentDeleted"
	EventVoteChanged    EventKind = "voteChanged"
	EventTyping         EventKind = "typing"
	EventStoppedTyping  EventKind = "stoppedTyping"
	EventPresence       EventKind = "presence"
)

type Frame struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Comment is the wire form of a comment node. Vote membership travels as
// id lists; the client folds them into sets.
type Comment struct {
	Id           string     `json:"id"`
	AuthorId     string     `json:"author_id"`
	DisplayName  string     `json:"display_name"`
	AvatarUrl    string     `json:"avatar_url,omitempty"`
	Body         string     `json:"body"`
	CreatedAt    time.Time  `json:"created_at"`
	EditedAt     *time.Time `json:"edited_at,omitempty"`
	ParentId     string     `json:"parent_id,omitempty"`
	UpvoterIds   []string   `json:"upvoter_ids,omitempty"`
	DownvoterIds []string   `json:"downvoter_ids,omitempty"`
	Deleted      bool       `json:"deleted,omitempty"`
}

type Auth struct {
	ByJwt      string `json:"by_jwt"`
	SiteId     string `json:"site_id"`
	PageUrl    string `json:"page_url"`
	InstanceId string `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Sync asks the server to replay durable events since the cursor. An
// empty cursor means the client has no confirmed sync point and the
// server replies with a full snapshot.
type Sync struct {
	Cursor string `json:"cursor,omitempty"`
}

type SyncResult struct {
	Cursor   string     `json:"cursor"`
	Comments []*Comment `json:"comments,omitempty"`
	Presence int        `json:"presence"`
}

type CommentAdded struct {
	Comment *Comment `json:"comment"`
	Cursor  string   `json:"cursor,omitempty"`
}

type CommentEdited struct {
	Id       string    `json:"id"`
	Body     string    `json:"body"`
	EditedAt time.Time `json:"edited_at"`
	Cursor   string    `json:"cursor,omitempty"`
}

type CommentDeleted struct {
	Id     string `json:"id"`
	Cursor string `json:"cursor,omitempty"`
}

type VoteChanged struct {
	Id           string   `json:"id"`
	UpvoterIds   []string `json:"upvoter_ids"`
	DownvoterIds []string `json:"downvoter_ids"`
	Cursor       string   `json:"cursor,omitempty"`
}

type Typing struct {
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type StoppedTyping struct {
	UserId string `json:"user_id"`
}

// Presence carries either a join/leave delta or an authoritative count.
// Authoritative pushes overwrite the client's running count to correct
// drift from leave events that were never delivered.
type Presence struct {
	Delta         int  `json:"delta,omitempty"`
	Count         int  `json:"count,omitempty"`
	Authoritative bool `json:"authoritative,omitempty"`
}

func ToFrame(message any) (*Frame, error) {
	var kind EventKind
	switch v := message.(type) {
	case *Auth:
		kind = EventAuth
	case *AuthResult:
		kind = EventAuthResult
	case *Sync:
		kind = EventSync
	case *SyncResult:
		kind = EventSyncResult
	case *CommentAdded:
		kind = EventCommentAdded
	case *CommentEdited:
		kind = EventCommentEdited
	case *CommentDeleted:
		kind = EventCommentDeleted
	case *VoteChanged:
		kind = EventVoteChanged
	case *Typing:
		kind = EventTyping
	case *StoppedTyping:
		kind = EventStoppedTyping
	case *Presence:
		kind = EventPresence
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:    kind,
		Payload: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.Kind {
	case EventAuth:
		message = &Auth{}
	case EventAuthResult:
		message = &AuthResult{}
	case EventSync:
		message = &Sync{}
	case EventSyncResult:
		message = &SyncResult{}
	case EventCommentAdded:
		message = &CommentAdded{}
	case EventCommentEdited:
		message = &CommentEdited{}
	case EventCommentDeleted:
		message = &CommentDeleted{}
	case EventVoteChanged:
		message = &VoteChanged{}
	case EventTyping:
		message = &Typing{}
	case EventStoppedTyping:
		message = &StoppedTyping{}
	case EventPresence:
		message = &Presence{}
	default:
		return nil, fmt.Errorf("Unknown event kind: %s", frame.Kind)
	}
	err := json.Unmarshal(frame.Payload, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	err := json.Unmarshal(b, frame)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
