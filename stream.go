package casewire

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SubKey addresses one subscription slice of the change stream. Either
// segment may be the wildcard `Any`.
//
// comparable
type SubKey struct {
	RootId     string
	ObjectType string
}

func (self SubKey) String() string {
	return self.RootId + "|" + self.ObjectType
}

// ListenerFunc receives the sub-sequence of a pushed batch matching one
// subscription key, in server order.
type ListenerFunc = func(events []ChangeEvent)

type StreamClientSettings struct {
	// queried before scheduling each next poll. Nil falls back to the
	// server config endpoint.
	PollingIntervalFunc func(ctx context.Context) (time.Duration, error)
	// used when the interval lookup fails. Zero re-polls immediately.
	DefaultPollingInterval time.Duration
	// continued-activity confirmation when the server signals the
	// session is about to expire. Return true to resume.
	KeepAlivePromptFunc func(ctx context.Context) bool
}

func DefaultStreamClientSettings() *StreamClientSettings {
	return &StreamClientSettings{
		DefaultPollingInterval: 0,
	}
}

// StreamClient owns at most one long-poll session against the platform
// event stream and fans each pushed batch out to the subscribers whose
// key matches, at most once per batch per subscription.
//
// The session restarts itself on loss (404) and on unknown errors, stops
// on auth loss (401), and stops silently on deliberate cancellation.
// A failed handshake is reported and not retried; re-entry is `Init`.
type StreamClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *CasewireApi
	sink     NotificationSink
	settings *StreamClientSettings

	stateLock  sync.Mutex
	streamId   string
	requesting bool
	polling    bool
	disabled   bool
	pollCancel context.CancelFunc

	subscriptions map[SubKey]*CallbackList[ListenerFunc]
}

func NewStreamClientWithDefaults(ctx context.Context, api *CasewireApi) *StreamClient {
	return NewStreamClient(ctx, api, NewLogNotificationSink(), DefaultStreamClientSettings())
}

func NewStreamClient(
	ctx context.Context,
	api *CasewireApi,
	sink NotificationSink,
	settings *StreamClientSettings,
) *StreamClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		api:           api,
		sink:          sink,
		settings:      settings,
		subscriptions: map[SubKey]*CallbackList[ListenerFunc]{},
	}
}

// Init starts a fresh stream session. Call after authentication, and
// again after any fatal stream loss. Idempotent while a session is held.
func (self *StreamClient) Init() {
	self.stateLock.Lock()
	self.streamId = ""
	self.disabled = false
	self.stateLock.Unlock()

	self.RequestStream()
}

// RequestStream performs the stream handshake unless a session is
// already held. A failed handshake is reported to the sink and left for
// the caller to retry via `Init`.
func (self *StreamClient) RequestStream() {
	self.stateLock.Lock()
	if self.streamId != "" || self.requesting {
		self.stateLock.Unlock()
		return
	}
	self.requesting = true
	self.stateLock.Unlock()

	streamId, err := self.api.CreateStreamSync(self.ctx)

	self.stateLock.Lock()
	self.requesting = false
	if err != nil || self.disabled {
		self.stateLock.Unlock()
		if err != nil {
			self.sink.Error("stream", err.Error(), ApiStatus(err))
		}
		return
	}
	self.streamId = streamId
	self.stateLock.Unlock()

	glog.V(2).Infof("[stream]session %s\n", streamId)
	self.poll()
}

// poll starts the poll loop for the held session. No-op while no session
// is held or a loop is already running, so there is never more than one
// outstanding long-poll.
func (self *StreamClient) poll() {
	self.stateLock.Lock()
	if self.streamId == "" || self.polling || self.disabled {
		self.stateLock.Unlock()
		return
	}
	self.polling = true
	streamId := self.streamId
	self.stateLock.Unlock()

	go self.pollLoop(streamId)
}

func (self *StreamClient) pollLoop(streamId string) {
	for {
		self.stateLock.Lock()
		if self.disabled || self.streamId != streamId {
			self.polling = false
			self.stateLock.Unlock()
			return
		}
		pollCtx, pollCancel := context.WithCancel(self.ctx)
		self.pollCancel = pollCancel
		self.stateLock.Unlock()

		events, status, err := self.api.PollStreamSync(pollCtx, streamId)

		self.stateLock.Lock()
		self.pollCancel = nil
		self.stateLock.Unlock()
		canceled := pollCtx.Err() != nil
		pollCancel()

		if err != nil {
			if canceled || errors.Is(err, context.Canceled) {
				// deliberate cancellation. Terminal for this poll only.
				self.endPoll()
				return
			}

			if status == 0 {
				status = ApiStatus(err)
			}
			if status != http.StatusNotFound {
				self.sink.Error("stream", err.Error(), status)
				if status == http.StatusUnauthorized {
					// the auth layer takes over
					self.stateLock.Lock()
					self.disabled = true
					self.polling = false
					self.stateLock.Unlock()
					return
				}
			}

			// session lost or unknown failure. Total restart: drop the
			// session and handshake again.
			glog.Infof("[stream]restart %s (%d)\n", streamId, status)
			self.endPoll()
			self.reinit()
			return
		}

		glog.V(2).Infof("[stream]%s<- %d events (%d)\n", streamId, len(events), status)
		self.handleBatch(events)

		if status == StatusSessionExpiring {
			self.keepAlive()
		}

		interval := self.pollingInterval()
		if 0 < interval {
			select {
			case <-self.ctx.Done():
				self.endPoll()
				return
			case <-time.After(interval):
			}
		}
	}
}

func (self *StreamClient) endPoll() {
	self.stateLock.Lock()
	self.polling = false
	self.stateLock.Unlock()
}

// reinit drops the held session and requests a fresh one, unless the
// stream was deliberately disabled in the meantime.
func (self *StreamClient) reinit() {
	self.stateLock.Lock()
	if self.disabled {
		self.stateLock.Unlock()
		return
	}
	self.streamId = ""
	self.stateLock.Unlock()

	self.RequestStream()
}

// CancelPoll disables dispatch and aborts any in-flight long-poll. Used
// on logout. A late response for the cancelled request must not reach
// subscribers; `disabled` is also checked at dispatch time to close that
// race.
func (self *StreamClient) CancelPoll() {
	self.stateLock.Lock()
	self.disabled = true
	pollCancel := self.pollCancel
	self.stateLock.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
}

func (self *StreamClient) Close() {
	self.CancelPoll()
	self.cancel()
}

// AddListener subscribes `callback` under `(rootId, objectType)`. Empty
// segments subscribe to the wildcard. The returned disposer releases the
// subscription; the owning view calls it on teardown.
func (self *StreamClient) AddListener(rootId string, objectType string, callback ListenerFunc) func() {
	if rootId == "" {
		rootId = Any
	}
	if objectType == "" {
		objectType = Any
	}
	key := SubKey{RootId: rootId, ObjectType: objectType}

	self.stateLock.Lock()
	callbacks := self.subscriptions[key]
	if callbacks == nil {
		callbacks = NewCallbackList[ListenerFunc]()
		self.subscriptions[key] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// keep-alive nudge: confirm continued activity with the user, then touch
// the current user to refresh the session
func (self *StreamClient) keepAlive() {
	prompt := self.settings.KeepAlivePromptFunc
	if prompt == nil {
		return
	}
	if !prompt(self.ctx) {
		return
	}
	if _, err := self.api.GetCurrentUserSync(self.ctx); err != nil {
		self.sink.Error("stream", err.Error(), ApiStatus(err))
	}
}

func (self *StreamClient) pollingInterval() time.Duration {
	if self.settings.PollingIntervalFunc != nil {
		if interval, err := self.settings.PollingIntervalFunc(self.ctx); err == nil {
			return interval
		}
		return self.settings.DefaultPollingInterval
	}

	config, err := self.api.GetServerConfigSync(self.ctx)
	if err != nil || config.Config == nil {
		return self.settings.DefaultPollingInterval
	}
	return time.Duration(config.Config.PollingDuration) * time.Millisecond
}

// handleBatch partitions one pushed batch and notifies once per distinct
// key in each partition. Every subscriber whose key matches receives the
// matching sub-sequence in original relative order; the universal key
// always receives the full batch.
func (self *StreamClient) handleBatch(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}

	byRootId := map[string][]ChangeEvent{}
	byObjectType := map[string][]ChangeEvent{}
	bySecondaryObjectType := map[string][]ChangeEvent{}
	byPair := map[SubKey][]ChangeEvent{}

	for _, event := range events {
		rootId := event.RootId()
		objectType := event.Base.ObjectType

		byRootId[rootId] = append(byRootId[rootId], event)
		byObjectType[objectType] = append(byObjectType[objectType], event)
		for _, secondaryType := range event.SecondaryObjectTypes() {
			bySecondaryObjectType[secondaryType] = append(bySecondaryObjectType[secondaryType], event)
		}
		pair := SubKey{RootId: rootId, ObjectType: objectType}
		byPair[pair] = append(byPair[pair], event)
	}

	for _, rootId := range sortedKeys(byRootId) {
		self.notify(SubKey{RootId: rootId, ObjectType: Any}, byRootId[rootId])
	}
	for _, objectType := range sortedKeys(byObjectType) {
		self.notify(SubKey{RootId: Any, ObjectType: objectType}, byObjectType[objectType])
	}
	// a subscriber interested only in a parent type learns about child
	// events that affect it
	for _, objectType := range sortedKeys(bySecondaryObjectType) {
		self.notify(SubKey{RootId: Any, ObjectType: objectType}, bySecondaryObjectType[objectType])
	}
	pairs := maps.Keys(byPair)
	slices.SortFunc(pairs, func(a SubKey, b SubKey) int {
		if a.RootId != b.RootId {
			if a.RootId < b.RootId {
				return -1
			}
			return 1
		}
		if a.ObjectType < b.ObjectType {
			return -1
		} else if b.ObjectType < a.ObjectType {
			return 1
		}
		return 0
	})
	for _, pair := range pairs {
		self.notify(pair, byPair[pair])
	}

	self.notify(SubKey{RootId: Any, ObjectType: Any}, events)
}

func (self *StreamClient) notify(key SubKey, events []ChangeEvent) {
	self.stateLock.Lock()
	if self.disabled {
		self.stateLock.Unlock()
		return
	}
	callbacks := self.subscriptions[key]
	self.stateLock.Unlock()

	if callbacks == nil {
		return
	}
	for _, callback := range callbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(events)
		})
	}
}

func (self *StreamClient) StreamId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.streamId
}

func (self *StreamClient) IsPolling() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.polling
}

func (self *StreamClient) IsDisabled() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.disabled
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
