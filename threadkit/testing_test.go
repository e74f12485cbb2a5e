package threadkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/usethreadkit/threadkit/protocol"
)

func testToken(t *testing.T, userId string, displayName string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      userId,
		"display_name": displayName,
		"site_id":      "site-1",
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func testByJwt(userId string, displayName string) *ByJwt {
	return &ByJwt{
		UserId:      userId,
		DisplayName: displayName,
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met within timeout.")
}

func wireComment(id string, authorId string, body string, parentId string, createdAt time.Time) *protocol.Comment {
	return &protocol.Comment{
		Id:          id,
		AuthorId:    authorId,
		DisplayName: authorId,
		Body:        body,
		ParentId:    parentId,
		CreatedAt:   createdAt,
	}
}

type errorRecorder struct {
	mutex  sync.Mutex
	errors []*Error
}

func (self *errorRecorder) record(err *Error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.errors = append(self.errors, err)
}

func (self *errorRecorder) kinds() []ErrorKind {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	kinds := []ErrorKind{}
	for _, err := range self.errors {
		kinds = append(kinds, err.Kind)
	}
	return kinds
}

func (self *errorRecorder) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.errors)
}

// a minimal json api that confirms posts with server-assigned ids
type testApiServer struct {
	server *httptest.Server

	mutex  sync.Mutex
	nextId int
	// request paths in arrival order
	paths []string
	// parent ids seen on post requests
	postParentIds []string
	failPath      string
	// when set, responses on the matching path block until the channel
	// is closed
	holdPath string
	hold     chan struct{}
}

func newTestApiServer() *testApiServer {
	api := &testApiServer{
		nextId: 42,
	}
	api.server = httptest.NewServer(http.HandlerFunc(api.handle))
	return api
}

func (self *testApiServer) handle(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	self.paths = append(self.paths, r.URL.Path)
	failPath := self.failPath
	holdPath := self.holdPath
	hold := self.hold
	self.mutex.Unlock()

	if holdPath != "" && strings.Contains(r.URL.Path, holdPath) {
		<-hold
	}

	if failPath != "" && strings.Contains(r.URL.Path, failPath) {
		http.Error(w, "rejected", http.StatusInternalServerError)
		return
	}

	switch {
	case strings.Contains(r.URL.Path, "/comments") && r.Method == "POST":
		var args PostCommentArgs
		json.NewDecoder(r.Body).Decode(&args)

		self.mutex.Lock()
		id := self.nextId
		self.nextId += 1
		self.postParentIds = append(self.postParentIds, args.ParentId)
		self.mutex.Unlock()

		comment := wireComment(strconv.Itoa(id), "u1", args.Body, args.ParentId, time.Now().UTC())
		json.NewEncoder(w).Encode(&PostCommentResult{
			Comment: comment,
		})
	case strings.Contains(r.URL.Path, "/votes"):
		json.NewEncoder(w).Encode(&VoteCommentResult{})
	case strings.Contains(r.URL.Path, "/edits"):
		var args EditCommentArgs
		json.NewDecoder(r.Body).Decode(&args)
		editedAt := time.Now().UTC()
		comment := &protocol.Comment{
			Id:       args.CommentId,
			Body:     args.Body,
			EditedAt: &editedAt,
		}
		json.NewEncoder(w).Encode(&EditCommentResult{
			Comment: comment,
		})
	case strings.Contains(r.URL.Path, "/deletes"):
		json.NewEncoder(w).Encode(&DeleteCommentResult{})
	case strings.Contains(r.URL.Path, "/comments"):
		json.NewEncoder(w).Encode(&GetThreadResult{
			Comments: []*protocol.Comment{},
		})
	default:
		http.NotFound(w, r)
	}
}

func (self *testApiServer) url() string {
	return self.server.URL
}

func (self *testApiServer) close() {
	self.server.Close()
}

func (self *testApiServer) setFailPath(failPath string) {
	self.mutex.Lock()
	self.failPath = failPath
	self.mutex.Unlock()
}

func (self *testApiServer) holdResponses(path string) chan struct{} {
	hold := make(chan struct{})
	self.mutex.Lock()
	self.holdPath = path
	self.hold = hold
	self.mutex.Unlock()
	return hold
}

func (self *testApiServer) parentIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.postParentIds...)
}

// a websocket endpoint that accepts the auth handshake and exposes the
// frames each connection receives
type testConnectServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	acceptAuth bool

	mutex    sync.Mutex
	conns    []*websocket.Conn
	received []any
	syncs    []*protocol.Sync
}

func newTestConnectServer(acceptAuth bool) *testConnectServer {
	connect := &testConnectServer{
		acceptAuth: acceptAuth,
	}
	connect.server = httptest.NewServer(http.HandlerFunc(connect.handle))
	return connect
}

func (self *testConnectServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// auth handshake
	_, message, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	m, err := protocol.DecodeFrame(message)
	if err != nil {
		ws.Close()
		return
	}
	if _, ok := m.(*protocol.Auth); !ok {
		ws.Close()
		return
	}
	resultBytes, _ := protocol.EncodeFrame(&protocol.AuthResult{
		Success: self.acceptAuth,
		Error: func() string {
			if self.acceptAuth {
				return ""
			}
			return "bad token"
		}(),
	})
	if err := ws.WriteMessage(websocket.TextMessage, resultBytes); err != nil {
		ws.Close()
		return
	}
	if !self.acceptAuth {
		ws.Close()
		return
	}

	self.mutex.Lock()
	self.conns = append(self.conns, ws)
	self.mutex.Unlock()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			continue
		}
		m, err := protocol.DecodeFrame(message)
		if err != nil {
			continue
		}
		syncRequest, isSync := m.(*protocol.Sync)

		self.mutex.Lock()
		self.received = append(self.received, m)
		if isSync {
			self.syncs = append(self.syncs, syncRequest)
		}
		self.mutex.Unlock()

		if isSync {
			resultBytes, _ := protocol.EncodeFrame(&protocol.SyncResult{
				Cursor: "c-0",
			})
			ws.WriteMessage(websocket.TextMessage, resultBytes)
		}
	}
}

func (self *testConnectServer) url() string {
	return strings.Replace(self.server.URL, "http", "ws", 1)
}

func (self *testConnectServer) close() {
	self.server.Close()
}

func (self *testConnectServer) connCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns)
}

func (self *testConnectServer) syncCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.syncs)
}

func (self *testConnectServer) lastSync() *protocol.Sync {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.syncs) == 0 {
		return nil
	}
	return self.syncs[len(self.syncs)-1]
}

func (self *testConnectServer) receivedMessages() []any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]any{}, self.received...)
}

func (self *testConnectServer) push(message any) {
	b, err := protocol.EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.conns) == 0 {
		return
	}
	self.conns[len(self.conns)-1].WriteMessage(websocket.TextMessage, b)
}

func (self *testConnectServer) pushRaw(b []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.conns) == 0 {
		return
	}
	self.conns[len(self.conns)-1].WriteMessage(websocket.TextMessage, b)
}

func (self *testConnectServer) dropConnections() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, ws := range self.conns {
		ws.Close()
	}
}
