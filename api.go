package casewire

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
	"strconv"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// the server holds the long-poll open until data exists or its own
// timeout fires. The client applies no timeout beyond the cancel.
const longPollHttpTimeout = 0 * time.Second

// distinguished success status on the long-poll meaning the session is
// about to expire and the user should confirm continued activity
const StatusSessionExpiring = 220

func defaultClient() *http.Client {
	return newClient(defaultHttpTimeout)
}

func longPollClient() *http.Client {
	return newClient(longPollHttpTimeout)
}

func newClient(timeout time.Duration) *http.Client {
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
		Timeout:   timeout,
	}
}

// ApiError carries the response status of a failed api call. The
// response body is the error message.
type ApiError struct {
	Status  int
	Message string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("(%d) %s", self.Status, self.Message)
}

// ApiStatus returns the response status of a failed api call, or 0 when
// the failure happened before a response (network error, cancellation).
func ApiStatus(err error) int {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
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

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// CasewireApi talks to the platform REST api. One instance per
// authenticated session; the session jwt is attached to every call that
// needs it.
type CasewireApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	sessionJwt string
}

func NewCasewireApi(apiUrl string) *CasewireApi {
	return NewCasewireApiWithContext(context.Background(), apiUrl)
}

func NewCasewireApiWithContext(ctx context.Context, apiUrl string) *CasewireApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CasewireApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimRight(apiUrl, "/"),
	}
}

// this gets attached to api calls that need it
func (self *CasewireApi) SetSessionJwt(sessionJwt string) {
	self.sessionJwt = sessionJwt
}

func (self *CasewireApi) SessionJwt() string {
	return self.sessionJwt
}

// SessionExpiresAt reads the expiry claim of the session token without
// verifying the signature. Verification is the server's job; the client
// only uses this to anticipate the session-expiring nudge.
func (self *CasewireApi) SessionExpiresAt() (time.Time, error) {
	if self.sessionJwt == "" {
		return time.Time{}, errors.New("no session jwt")
	}

	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(self.sessionJwt, claims); err != nil {
		return time.Time{}, err
	}

	expiresAt, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if expiresAt == nil {
		return time.Time{}, errors.New("session jwt has no expiry")
	}
	return expiresAt.Time, nil
}

func (self *CasewireApi) Close() {
	self.cancel()
}

type LoginCallback apiCallback[*LoginResult]

type LoginArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type LoginResult struct {
	Id           string   `json:"id,omitempty"`
	Login        string   `json:"login,omitempty"`
	Name         string   `json:"name,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Organisation string   `json:"organisation,omitempty"`
	Token        string   `json:"token,omitempty"`
}

func (self *CasewireApi) Login(login *LoginArgs, callback LoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/login", self.apiUrl),
		login,
		self.sessionJwt,
		&LoginResult{},
		callback,
	)
}

func (self *CasewireApi) LoginSync(login *LoginArgs) (*LoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/login", self.apiUrl),
		login,
		self.sessionJwt,
		&LoginResult{},
		NewNoopApiCallback[*LoginResult](),
	)
}

type LogoutCallback apiCallback[*LogoutResult]

type LogoutResult struct{}

func (self *CasewireApi) Logout(callback LogoutCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/logout", self.apiUrl),
		self.sessionJwt,
		&LogoutResult{},
		callback,
	)
}

type CurrentUserCallback apiCallback[*CurrentUserResult]

type CurrentUserResult struct {
	Id           string   `json:"id,omitempty"`
	Login        string   `json:"login"`
	Name         string   `json:"name,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Organisation string   `json:"organisation,omitempty"`
}

func (self *CasewireApi) GetCurrentUser(callback CurrentUserCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/v1/currentUser", self.apiUrl),
		self.sessionJwt,
		&CurrentUserResult{},
		callback,
	)
}

func (self *CasewireApi) GetCurrentUserSync(ctx context.Context) (*CurrentUserResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/api/v1/currentUser", self.apiUrl),
		self.sessionJwt,
		&CurrentUserResult{},
		NewNoopApiCallback[*CurrentUserResult](),
	)
}

type ServerConfigCallback apiCallback[*ServerConfigResult]

type ServerConfigResult struct {
	Version string              `json:"version,omitempty"`
	Config  *ServerConfigValues `json:"config,omitempty"`
}

type ServerConfigValues struct {
	// suggested delay between long-polls, milliseconds
	PollingDuration int64 `json:"pollingDuration"`
}

func (self *CasewireApi) GetServerConfig(callback ServerConfigCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/config", self.apiUrl),
		self.sessionJwt,
		&ServerConfigResult{},
		callback,
	)
}

func (self *CasewireApi) GetServerConfigSync(ctx context.Context) (*ServerConfigResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/api/config", self.apiUrl),
		self.sessionJwt,
		&ServerConfigResult{},
		NewNoopApiCallback[*ServerConfigResult](),
	)
}

// CreateStreamSync performs the stream handshake. The response body is
// the opaque session token used as the long-poll path segment.
func (self *CasewireApi) CreateStreamSync(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/api/stream", self.apiUrl), nil)
	if err != nil {
		return "", err
	}
	setHeaders(req, self.sessionJwt)

	r, err := defaultClient().Do(req)
	if err != nil {
		return "", err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}

	if r.StatusCode != http.StatusOK {
		return "", &ApiError{
			Status:  r.StatusCode,
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	// the token may arrive as a json string or as raw text
	streamId := strings.TrimSpace(string(responseBodyBytes))
	streamId = strings.Trim(streamId, `"`)
	if streamId == "" {
		return "", errors.New("empty stream token")
	}
	return streamId, nil
}

// PollStreamSync issues one long-poll against the stream session and
// returns the pushed batch (possibly empty) together with the response
// status. `StatusSessionExpiring` is a success status carrying events.
func (self *CasewireApi) PollStreamSync(ctx context.Context, streamId string) ([]ChangeEvent, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/api/stream/%s", self.apiUrl, url.PathEscape(streamId)), nil)
	if err != nil {
		return nil, 0, err
	}
	setHeaders(req, self.sessionJwt)

	r, err := longPollClient().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, r.StatusCode, err
	}

	if r.StatusCode != http.StatusOK && r.StatusCode != StatusSessionExpiring {
		return nil, r.StatusCode, &ApiError{
			Status:  r.StatusCode,
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	events := []ChangeEvent{}
	if len(responseBodyBytes) > 0 {
		if err := json.Unmarshal(responseBodyBytes, &events); err != nil {
			return nil, r.StatusCode, err
		}
	}
	return events, r.StatusCode, nil
}

// SearchCallback receives one result page and the server-reported total
// matching count.
type SearchCallback func(data []json.RawMessage, total int64)

// SearchFunc is the query collaborator consumed by LiveQuery.
type SearchFunc func(
	callback SearchCallback,
	onError func(err error),
	filter *Filter,
	objectType string,
	rng QueryRange,
	sort []string,
	nparent int,
	nstats bool,
)

// Search runs one paginated query. Conforms to `SearchFunc` via
// `self.Search`.
func (self *CasewireApi) Search(
	callback SearchCallback,
	onError func(err error),
	filter *Filter,
	objectType string,
	rng QueryRange,
	sort []string,
	nparent int,
	nstats bool,
) {
	go func() {
		data, total, err := self.SearchSync(self.ctx, filter, objectType, rng, sort, nparent, nstats)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(data, total)
	}()
}

func (self *CasewireApi) SearchSync(
	ctx context.Context,
	filter *Filter,
	objectType string,
	rng QueryRange,
	sort []string,
	nparent int,
	nstats bool,
) ([]json.RawMessage, int64, error) {
	if filter.IsEmpty() {
		filter = MatchAllFilter()
	}

	args := map[string]any{
		"query": filter,
	}
	requestBodyBytes, err := json.Marshal(args)
	if err != nil {
		return nil, 0, err
	}

	searchUrl := fmt.Sprintf(
		"%s/api/%s/_search?range=%s",
		self.apiUrl,
		url.PathEscape(objectType),
		url.QueryEscape(rng.String()),
	)
	for _, sortField := range sort {
		searchUrl += fmt.Sprintf("&sort=%s", url.QueryEscape(sortField))
	}
	if nparent > 0 {
		searchUrl += fmt.Sprintf("&nparent=%d", nparent)
	}
	if nstats {
		searchUrl += "&nstats=true"
	}

	req, err := http.NewRequestWithContext(ctx, "POST", searchUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	setHeaders(req, self.sessionJwt)

	r, err := defaultClient().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, 0, err
	}

	if r.StatusCode != http.StatusOK {
		return nil, 0, &ApiError{
			Status:  r.StatusCode,
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	data := []json.RawMessage{}
	if err := json.Unmarshal(responseBodyBytes, &data); err != nil {
		return nil, 0, err
	}

	// the total matching count rides on a header; absent means the page
	// is the whole result set
	total := int64(len(data))
	if totalStr := r.Header.Get("X-Total"); totalStr != "" {
		if parsedTotal, err := strconv.ParseInt(totalStr, 10, 64); err == nil {
			total = parsedTotal
		}
	}
	return data, total, nil
}

func setHeaders(req *http.Request, sessionJwt string) {
	req.Header.Add("Content-Type", "application/json")
	if sessionJwt != "" {
		auth := fmt.Sprintf("Bearer %s", sessionJwt)
		req.Header.Add("Authorization", auth)
	}
}

func post[R any](ctx context.Context, url string, args any, sessionJwt string, result R, callback apiCallback[R]) (R, error) {
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
	setHeaders(req, sessionJwt)

	r, err := defaultClient().Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = &ApiError{
			Status:  r.StatusCode,
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
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

func get[R any](ctx context.Context, url string, sessionJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	setHeaders(req, sessionJwt)

	r, err := defaultClient().Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = &ApiError{
			Status:  r.StatusCode,
			Message: strings.TrimSpace(string(responseBodyBytes)),
		}
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
