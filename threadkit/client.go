package threadkit

import (
	"context"
	"time"

	"github.com/usethreadkit/threadkit/protocol"
)

type ThreadClientSettings struct {
	ApiUrl string
	// empty disables the live channel; the thread still works from the
	// initial snapshot and api mutations
	ConnectUrl string
	SiteId     string
	PageUrl    string
	Mode       Mode
	SortBy     SortCriterion
	MaxDepth   int

	TokenProvider TokenProviderFunction

	TransportSettings  *ThreadTransportSettings
	ReconcilerSettings *ReconcilerSettings
	EphemeralSettings  *EphemeralSettings
}

func DefaultThreadClientSettings(apiUrl string, connectUrl string, siteId string, pageUrl string, tokenProvider TokenProviderFunction) *ThreadClientSettings {
	return &ThreadClientSettings{
		ApiUrl:             apiUrl,
		ConnectUrl:         connectUrl,
		SiteId:             siteId,
		PageUrl:            pageUrl,
		Mode:               ModeThread,
		SortBy:             SortTop,
		MaxDepth:           5,
		TokenProvider:      tokenProvider,
		TransportSettings:  DefaultThreadTransportSettings(),
		ReconcilerSettings: DefaultReconcilerSettings(),
		EphemeralSettings:  DefaultEphemeralSettings(),
	}
}

// ThreadClient is one embedded thread: the authoritative local tree,
// the reconciler, the live channel, and the ephemeral state, created
// on mount from a server-provided snapshot and destroyed on unmount.
// A page may host any number of independent instances.
type ThreadClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ThreadClientSettings

	byJwt      *ByJwt
	state      *ThreadState
	api        *ThreadApi
	reveal     *RevealBuffer
	reconciler *Reconciler
	ephemeral  *EphemeralCoordinator
	transport  *ThreadTransport

	errorBus *errorBus
}

func NewThreadClient(ctx context.Context, snapshot []*protocol.Comment, settings *ThreadClientSettings) (*ThreadClient, error) {
	token, err := settings.TokenProvider()
	if err != nil {
		return nil, err
	}
	byJwt, err := ParseByJwtUnverified(token)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	client := &ThreadClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		byJwt:    byJwt,
		errorBus: newErrorBus(),
	}

	client.state = NewThreadState(&ThreadStateSettings{
		SiteId:   settings.SiteId,
		PageUrl:  settings.PageUrl,
		Mode:     settings.Mode,
		SortBy:   settings.SortBy,
		MaxDepth: settings.MaxDepth,
	})
	client.api = NewThreadApi(cancelCtx, settings.ApiUrl, settings.SiteId, settings.PageUrl, settings.TokenProvider)
	client.reveal = NewRevealBuffer()
	client.reconciler = NewReconciler(
		cancelCtx,
		client.state,
		client.api,
		client.reveal,
		byJwt,
		client.emitError,
		settings.ReconcilerSettings,
	)
	client.reconciler.Seed(snapshot)
	client.ephemeral = NewEphemeralCoordinator(
		cancelCtx,
		byJwt,
		client.send,
		settings.EphemeralSettings,
	)

	if settings.ConnectUrl != "" {
		client.transport = NewThreadTransport(
			cancelCtx,
			settings.ConnectUrl,
			settings.SiteId,
			settings.PageUrl,
			settings.TokenProvider,
			client.handleMessage,
			client.emitError,
			settings.TransportSettings,
		)
		client.transport.SetIntentFilter(client.reconciler.ValidIntent)
	}

	return client, nil
}

// Close cascades: the channel disconnects, timers stop, and results of
// in-flight requests are ignored on arrival.
func (self *ThreadClient) Close() {
	self.cancel()
	if self.transport != nil {
		self.transport.Close()
	}
	self.ephemeral.Close()
	self.reconciler.Close()
	self.api.Close()
}

// inbound routing by event kind. Ephemeral events go to the
// coordinator, durable events to the reconciler.
func (self *ThreadClient) handleMessage(message any) {
	switch v := message.(type) {
	case *protocol.Typing, *protocol.StoppedTyping, *protocol.Presence:
		self.ephemeral.HandleMessage(message)
	case *protocol.SyncResult:
		self.reconciler.HandleMessage(message)
		self.ephemeral.SetPresence(v.Presence)
	default:
		self.reconciler.HandleMessage(message)
	}
}

func (self *ThreadClient) send(message any) bool {
	if self.transport == nil {
		return false
	}
	return self.transport.Send(message)
}

func (self *ThreadClient) Post(body string, parentId string) (string, error) {
	return self.reconciler.Post(body, parentId)
}

func (self *ThreadClient) Vote(id string, direction VoteDirection) error {
	return self.reconciler.Vote(id, direction)
}

func (self *ThreadClient) Edit(id string, body string) error {
	return self.reconciler.Edit(id, body)
}

func (self *ThreadClient) Remove(id string) error {
	return self.reconciler.Remove(id)
}

func (self *ThreadClient) SetSortBy(criterion SortCriterion) {
	self.state.SetSortBy(criterion)
}

func (self *ThreadClient) SortBy() SortCriterion {
	return self.state.SortBy()
}

func (self *ThreadClient) Get(id string) *CommentNode {
	return self.state.Get(id)
}

// OrderedChildren of the empty id are the root comments.
func (self *ThreadClient) OrderedChildren(id string) []*CommentNode {
	return self.state.OrderedChildren(id)
}

func (self *ThreadClient) VisualDepth(id string) int {
	return self.state.VisualDepth(id)
}

func (self *ThreadClient) ConnectionState() ConnectionState {
	if self.transport == nil {
		return ConnectionStateDisconnected
	}
	return self.transport.State()
}

func (self *ThreadClient) Typing() []*TypingEntry {
	return self.ephemeral.Typing()
}

func (self *ThreadClient) Presence() int {
	return self.ephemeral.Presence()
}

func (self *ThreadClient) LocalTyping() {
	self.ephemeral.LocalTyping()
}

func (self *ThreadClient) LocalStoppedTyping() {
	self.ephemeral.LocalStoppedTyping()
}

// SetLive tells the buffer whether the user is at the live edge of the
// view. Away from the live edge new comments buffer for reveal.
func (self *ThreadClient) SetLive(live bool) {
	self.reveal.SetLive(live)
}

func (self *ThreadClient) SetFocus(focusId string) {
	self.reveal.SetFocus(focusId)
}

func (self *ThreadClient) RevealCount() int {
	return self.reveal.Count()
}

// Reveal merges the buffered comments into the visible tree in one
// batch.
func (self *ThreadClient) Reveal() int {
	return self.reconciler.Reveal()
}

func (self *ThreadClient) AddStateChangeListener(listener StateChangeFunction) int {
	return self.state.AddChangeCallback(listener)
}

func (self *ThreadClient) RemoveStateChangeListener(listenerId int) {
	self.state.RemoveChangeCallback(listenerId)
}

func (self *ThreadClient) AddErrorListener(listener ErrorFunction) int {
	return self.errorBus.add(listener)
}

func (self *ThreadClient) RemoveErrorListener(listenerId int) {
	self.errorBus.remove(listenerId)
}

func (self *ThreadClient) AddConnectionStateListener(listener ConnectionStateFunction) int {
	if self.transport == nil {
		return -1
	}
	return self.transport.AddStateCallback(listener)
}

func (self *ThreadClient) AddEphemeralChangeListener(listener EphemeralChangeFunction) int {
	return self.ephemeral.AddChangeCallback(listener)
}

func (self *ThreadClient) AddRevealCountListener(listener func(count int)) int {
	return self.reveal.AddCountCallback(listener)
}

func (self *ThreadClient) ByJwt() *ByJwt {
	return self.byJwt
}

func (self *ThreadClient) emitError(err *Error) {
	self.errorBus.emit(err)
}

// FetchSnapshot is a convenience for hosts that do not fetch the
// initial comment list themselves.
func FetchSnapshot(ctx context.Context, apiUrl string, siteId string, pageUrl string, tokenProvider TokenProviderFunction, timeout time.Duration) (*GetThreadResult, error) {
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	api := NewThreadApi(timeoutCtx, apiUrl, siteId, pageUrl, tokenProvider)
	defer api.Close()

	callback, c := NewBlockingApiCallback[*GetThreadResult](timeoutCtx)
	api.GetThread(callback)

	select {
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	case result := <-c:
		return result.Result, result.Error
	}
}
