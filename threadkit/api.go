package threadkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/usethreadkit/threadkit/protocol"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		r := ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
		select {
		case <-ctx.Done():
		case c <- r:
		}
	})
	return apiCallback, c
}

// ThreadApi is the json mutation and snapshot api. All calls are
// authenticated with the provider token and scoped to one
// (siteId, pageUrl) thread.
type ThreadApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl  string
	siteId  string
	pageUrl string

	tokenProvider TokenProviderFunction
}

func NewThreadApi(ctx context.Context, apiUrl string, siteId string, pageUrl string, tokenProvider TokenProviderFunction) *ThreadApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ThreadApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		apiUrl:        apiUrl,
		siteId:        siteId,
		pageUrl:       pageUrl,
		tokenProvider: tokenProvider,
	}
}

func (self *ThreadApi) Close() {
	self.cancel()
}

type ApiError struct {
	Message string `json:"message"`
}

type GetThreadCallback apiCallback[*GetThreadResult]

type GetThreadResult struct {
	Comments []*protocol.Comment `json:"comments"`
	Cursor   string              `json:"cursor"`
	Presence int                 `json:"presence"`
	Error    *ApiError           `json:"error,omitempty"`
}

func (self *ThreadApi) GetThread(callback GetThreadCallback) {
	go get(
		self.ctx,
		fmt.Sprintf(
			"%s/threads/%s/comments?page_url=%s",
			self.apiUrl,
			self.siteId,
			url.QueryEscape(self.pageUrl),
		),
		self.tokenProvider,
		&GetThreadResult{},
		callback,
	)
}

type PostCommentCallback apiCallback[*PostCommentResult]

type PostCommentArgs struct {
	PageUrl  string `json:"page_url"`
	Body     string `json:"body"`
	ParentId string `json:"parent_id,omitempty"`
}

type PostCommentResult struct {
	Comment *protocol.Comment `json:"comment,omitempty"`
	Error   *ApiError         `json:"error,omitempty"`
}

func (self *ThreadApi) PostComment(postComment *PostCommentArgs, callback PostCommentCallback) {
	postComment.PageUrl = self.pageUrl
	go post(
		self.ctx,
		fmt.Sprintf("%s/threads/%s/comments", self.apiUrl, self.siteId),
		postComment,
		self.tokenProvider,
		&PostCommentResult{},
		callback,
	)
}

type VoteCommentCallback apiCallback[*VoteCommentResult]

type VoteCommentArgs struct {
	CommentId string `json:"comment_id"`
	Direction int    `json:"direction"`
}

type VoteCommentResult struct {
	Comment *protocol.Comment `json:"comment,omitempty"`
	Error   *ApiError         `json:"error,omitempty"`
}

func (self *ThreadApi) VoteComment(voteComment *VoteCommentArgs, callback VoteCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/threads/%s/votes", self.apiUrl, self.siteId),
		voteComment,
		self.tokenProvider,
		&VoteCommentResult{},
		callback,
	)
}

type EditCommentCallback apiCallback[*EditCommentResult]

type EditCommentArgs struct {
	CommentId string `json:"comment_id"`
	Body      string `json:"body"`
}

type EditCommentResult struct {
	Comment *protocol.Comment `json:"comment,omitempty"`
	Error   *ApiError         `json:"error,omitempty"`
}

func (self *ThreadApi) EditComment(editComment *EditCommentArgs, callback EditCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/threads/%s/edits", self.apiUrl, self.siteId),
		editComment,
		self.tokenProvider,
		&EditCommentResult{},
		callback,
	)
}

type DeleteCommentCallback apiCallback[*DeleteCommentResult]

type DeleteCommentArgs struct {
	CommentId string `json:"comment_id"`
}

type DeleteCommentResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *ThreadApi) DeleteComment(deleteComment *DeleteCommentArgs, callback DeleteCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/threads/%s/deletes", self.apiUrl, self.siteId),
		deleteComment,
		self.tokenProvider,
		&DeleteCommentResult{},
		callback,
	)
}

func post[R any](ctx context.Context, url string, args any, tokenProvider TokenProviderFunction, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if err := addAuth(req, tokenProvider); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, tokenProvider TokenProviderFunction, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := addAuth(req, tokenProvider); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func addAuth(req *http.Request, tokenProvider TokenProviderFunction) error {
	if tokenProvider == nil {
		return nil
	}
	token, err := tokenProvider()
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	return nil
}
