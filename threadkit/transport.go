package threadkit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/usethreadkit/threadkit/protocol"
)

const TransportBufferSize = 32

type ThreadTransportSettings struct {
	WsHandshakeTimeout         time.Duration
	AuthTimeout                time.Duration
	ReconnectMinTimeout        time.Duration
	ReconnectMaxTimeout        time.Duration
	ConnectionLostGraceTimeout time.Duration
	PingTimeout                time.Duration
	WriteTimeout               time.Duration
	ReadTimeout                time.Duration
}

func DefaultThreadTransportSettings() *ThreadTransportSettings {
	return &ThreadTransportSettings{
		WsHandshakeTimeout:         2 * time.Second,
		AuthTimeout:                2 * time.Second,
		ReconnectMinTimeout:        500 * time.Millisecond,
		ReconnectMaxTimeout:        30 * time.Second,
		ConnectionLostGraceTimeout: 10 * time.Second,
		PingTimeout:                15 * time.Second,
		WriteTimeout:               5 * time.Second,
		ReadTimeout:                60 * time.Second,
	}
}

type ReceiveFunction func(message any)

type ConnectionStateFunction func(state ConnectionState)

// IntentFilterFunction re-validates a deferred outbound message after a
// resync. Returning false drops the intent instead of replaying it.
type IntentFilterFunction func(message any) bool

// ThreadTransport owns the persistent duplex channel for one thread.
// Lifecycle: Disconnected -> Connecting -> Connected; an unexpected
// close moves to Reconnecting, which retries with exponential backoff
// and jitter until success or until Close, which is terminal. Every
// entry into Connected sends a sync request with the last confirmed
// cursor, because the channel gives no delivery guarantee for the
// outage window. An auth rejection fails fast and is not retried.
type ThreadTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	siteId     string
	pageUrl    string
	instanceId string

	tokenProvider TokenProviderFunction
	receiveFunc   ReceiveFunction
	errorFunc     ErrorFunction

	settings *ThreadTransportSettings

	stateLock       sync.Mutex
	state           ConnectionState
	send            chan []byte
	cursor          string
	deferredIntents []any
	intentFilter    IntentFilterFunction
	dropCount       int

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewThreadTransportWithDefaults(
	ctx context.Context,
	connectUrl string,
	siteId string,
	pageUrl string,
	tokenProvider TokenProviderFunction,
	receiveFunc ReceiveFunction,
	errorFunc ErrorFunction,
) *ThreadTransport {
	return NewThreadTransport(
		ctx,
		connectUrl,
		siteId,
		pageUrl,
		tokenProvider,
		receiveFunc,
		errorFunc,
		DefaultThreadTransportSettings(),
	)
}

func NewThreadTransport(
	ctx context.Context,
	connectUrl string,
	siteId string,
	pageUrl string,
	tokenProvider TokenProviderFunction,
	receiveFunc ReceiveFunction,
	errorFunc ErrorFunction,
	settings *ThreadTransportSettings,
) *ThreadTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &ThreadTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		connectUrl:     connectUrl,
		siteId:         siteId,
		pageUrl:        pageUrl,
		instanceId:     NewInstanceId(),
		tokenProvider:  tokenProvider,
		receiveFunc:    receiveFunc,
		errorFunc:      errorFunc,
		settings:       settings,
		state:          ConnectionStateDisconnected,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
	go transport.run()
	return transport
}

func (self *ThreadTransport) run() {
	defer func() {
		self.setState(ConnectionStateClosed)
		self.cancel()
	}()

	reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
	connected := false

	for {
		if connected {
			self.setState(ConnectionStateReconnecting)
		} else {
			self.setState(ConnectionStateConnecting)
		}

		ws, err := self.connect()
		if err != nil {
			if fatal, ok := err.(*authRejectedError); ok {
				glog.Infof("[t]auth rejected %s = %s\n", self.instanceId, fatal.cause)
				self.emitError(NewError(ErrorAuthRejected, "", fatal.cause))
				return
			}
			glog.Infof("[t]connect error %s = %s\n", self.instanceId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		connected = true
		reconnect.Reset()
		self.handleConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(ConnectionStateReconnecting)
		self.startGraceTimer()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// connect dials, then authenticates with a fresh token from the
// provider. Transient dial errors are returned for retry; an auth
// rejection returns an `authRejectedError` which the caller treats as
// fatal.
func (self *ThreadTransport) connect() (*websocket.Conn, error) {
	token, err := self.tokenProvider()
	if err != nil {
		return nil, &authRejectedError{cause: err}
	}

	authBytes, err := protocol.EncodeFrame(&protocol.Auth{
		ByJwt:      token,
		SiteId:     self.siteId,
		PageUrl:    self.pageUrl,
		InstanceId: self.instanceId,
	})
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, response, err := dialer.DialContext(self.ctx, self.connectUrl, nil)
	if err != nil {
		if response != nil {
			switch response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &authRejectedError{cause: err}
			}
		}
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	m, err := protocol.DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	authResult, ok := m.(*protocol.AuthResult)
	if !ok {
		return nil, fmt.Errorf("Auth response error: unexpected %T.", m)
	}
	if !authResult.Success {
		return nil, &authRejectedError{cause: fmt.Errorf("%s", authResult.Error)}
	}

	success = true
	return ws, nil
}

func (self *ThreadTransport) handleConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, TransportBufferSize)

	self.stateLock.Lock()
	self.state = ConnectionStateConnected
	self.send = send
	cursor := self.cursor
	deferredIntents := self.deferredIntents
	self.deferredIntents = nil
	intentFilter := self.intentFilter
	self.stateLock.Unlock()
	self.emitState(ConnectionStateConnected)

	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.stateLock.Unlock()
	}()

	// resync before anything else. intents deferred during the outage
	// are re-validated against the resync rather than blindly replayed.
	syncBytes, _ := protocol.EncodeFrame(&protocol.Sync{
		Cursor: cursor,
	})
	send <- syncBytes
	for _, message := range deferredIntents {
		if intentFilter != nil && !intentFilter(message) {
			glog.V(2).Infof("[ts]drop stale intent %s %T\n", self.instanceId, message)
			continue
		}
		if b, err := protocol.EncodeFrame(message); err == nil {
			select {
			case send <- b:
			default:
				glog.Infof("[ts]intent overflow %s\n", self.instanceId)
			}
		}
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a write deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.instanceId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.instanceId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[tr]%s<- error = %s\n", self.instanceId, err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if len(message) == 0 {
					// ping
					glog.V(2).Infof("[tr]ping %s<-\n", self.instanceId)
					continue
				}

				m, err := protocol.DecodeFrame(message)
				if err != nil {
					// a single bad message must never halt the
					// dispatch loop
					glog.Infof("[tr]malformed %s<- = %s\n", self.instanceId, err)
					self.emitError(NewError(ErrorMalformedEvent, "", err))
					continue
				}

				if cursor := messageCursor(m); cursor != "" {
					self.stateLock.Lock()
					self.cursor = cursor
					self.stateLock.Unlock()
				}

				glog.V(2).Infof("[tr]%s<- %T\n", self.instanceId, m)
				self.dispatch(m)
			default:
				glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.instanceId)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

// inbound dispatch. The receive handler must never re-emit the same
// event class outward; that would amplify echoes between peers.
func (self *ThreadTransport) dispatch(message any) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[tr]dispatch panic %s = %v\n", self.instanceId, r)
		}
	}()
	self.receiveFunc(message)
}

// Send writes the message to the channel when connected. While
// disconnected the message is deferred as an outbound intent and
// re-validated after the next resync. Returns false only when the
// transport is closed or the send buffer is full.
func (self *ThreadTransport) Send(message any) bool {
	self.stateLock.Lock()
	if self.state == ConnectionStateClosed {
		self.stateLock.Unlock()
		return false
	}
	if self.state == ConnectionStateConnected && self.send != nil {
		send := self.send
		self.stateLock.Unlock()

		b, err := protocol.EncodeFrame(message)
		if err != nil {
			return false
		}
		select {
		case send <- b:
			return true
		default:
			glog.Infof("[ts]send buffer full %s\n", self.instanceId)
			return false
		}
	}
	self.deferredIntents = append(self.deferredIntents, message)
	self.stateLock.Unlock()
	return true
}

func (self *ThreadTransport) SetIntentFilter(intentFilter IntentFilterFunction) {
	self.stateLock.Lock()
	self.intentFilter = intentFilter
	self.stateLock.Unlock()
}

func (self *ThreadTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *ThreadTransport) Cursor() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.cursor
}

func (self *ThreadTransport) InstanceId() string {
	return self.instanceId
}

func (self *ThreadTransport) AddStateCallback(callback ConnectionStateFunction) int {
	return self.stateCallbacks.Add(callback)
}

func (self *ThreadTransport) RemoveStateCallback(callbackId int) {
	self.stateCallbacks.Remove(callbackId)
}

func (self *ThreadTransport) Close() {
	self.cancel()
}

func (self *ThreadTransport) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state || self.state == ConnectionStateClosed {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(2).Infof("[t]%s %s\n", self.instanceId, state)
	self.emitState(state)
}

func (self *ThreadTransport) emitState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.Get() {
		func() {
			defer recoverLogged()
			callback(state)
		}()
	}
}

func (self *ThreadTransport) emitError(err *Error) {
	if self.errorFunc == nil {
		return
	}
	func() {
		defer recoverLogged()
		self.errorFunc(err)
	}()
}

// a brief blip should not surface an error to the ui. The connection
// lost error is emitted only when the drop outlives the grace period.
func (self *ThreadTransport) startGraceTimer() {
	self.stateLock.Lock()
	self.dropCount += 1
	dropCount := self.dropCount
	self.stateLock.Unlock()

	go func() {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ConnectionLostGraceTimeout):
		}

		self.stateLock.Lock()
		lost := self.dropCount == dropCount && self.state == ConnectionStateReconnecting
		self.stateLock.Unlock()
		if lost {
			self.emitError(NewError(ErrorConnectionLost, "", fmt.Errorf("Reconnect did not succeed within the grace period.")))
		}
	}()
}

func messageCursor(message any) string {
	switch v := message.(type) {
	case *protocol.SyncResult:
		return v.Cursor
	case *protocol.CommentAdded:
		return v.Cursor
	case *protocol.CommentEdited:
		return v.Cursor
	case *protocol.CommentDeleted:
		return v.Cursor
	case *protocol.VoteChanged:
		return v.Cursor
	}
	return ""
}

type authRejectedError struct {
	cause error
}

func (self *authRejectedError) Error() string {
	return fmt.Sprintf("Auth rejected: %s", self.cause)
}

func (self *authRejectedError) Unwrap() error {
	return self.cause
}
