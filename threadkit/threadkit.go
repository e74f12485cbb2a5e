package threadkit

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// A thread is identified by (siteId, pageUrl). Comment ids are assigned
// by the server; a comment that has not been confirmed yet carries a
// client-generated temporary handle until the server echoes back the
// permanent id.

const tempIdPrefix = "tmp-"

func NewTempId() string {
	return tempIdPrefix + ulid.Make().String()
}

func IsTempId(id string) bool {
	return strings.HasPrefix(id, tempIdPrefix)
}

func NewInstanceId() string {
	return ulid.Make().String()
}

type Mode string

const (
	ModeThread Mode = "thread"
	ModeChat   Mode = "chat"
)

type SortCriterion string

const (
	SortTop           SortCriterion = "top"
	SortNewest        SortCriterion = "newest"
	SortOldest        SortCriterion = "oldest"
	SortControversial SortCriterion = "controversial"
)

type VoteDirection int

const (
	VoteUp   VoteDirection = 1
	VoteDown VoteDirection = -1
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateClosed       ConnectionState = "closed"
)
