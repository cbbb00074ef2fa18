package casewire

import (
	"encoding/json"
	"sync"

	"golang.org/x/exp/slices"
)

const defaultPageSize = 10

// QueryControl configures one live query. Filter and BaseFilter are
// combined with logical AND when both are present. Guard, when set,
// gates stream-triggered refreshes: a false return ignores the batch.
// OnUpdate is invoked after the result page changes, with the triggering
// batch when there was one.
type QueryControl struct {
	Filter     *Filter
	BaseFilter *Filter
	Sort       []string
	PageSize   int
	LoadAll    bool

	// subscribe under this object type instead of the queried one
	StreamObjectType string
	SkipStream       bool

	NParent int
	NStats  bool

	Guard    func(events []ChangeEvent) bool
	OnUpdate func(events []ChangeEvent)
}

// LiveQuery owns one paginated, sorted, filtered result set and keeps it
// fresh by re-querying when a relevant stream batch arrives.
type LiveQuery struct {
	stream  *StreamClient
	search  SearchFunc
	onError func(err error)

	root       string
	objectType string
	control    *QueryControl

	stateLock   sync.Mutex
	currentPage int
	values      []json.RawMessage
	allValues   []json.RawMessage
	total       int64

	unsub func()
}

// NewLiveQuery issues the initial query and, unless the control opts
// out, registers with the stream under `(root, streamObjectType)`.
// Release the subscription with `Close` when the owning view is torn
// down.
func NewLiveQuery(
	stream *StreamClient,
	search SearchFunc,
	root string,
	objectType string,
	control *QueryControl,
) *LiveQuery {
	if control == nil {
		control = &QueryControl{}
	}
	if control.PageSize <= 0 {
		control.PageSize = defaultPageSize
	}
	if root == "" {
		root = Any
	}

	self := &LiveQuery{
		stream:      stream,
		search:      search,
		root:        root,
		objectType:  objectType,
		control:     control,
		currentPage: 1,
		values:      []json.RawMessage{},
		allValues:   []json.RawMessage{},
	}

	if !control.SkipStream && stream != nil {
		streamObjectType := control.StreamObjectType
		if streamObjectType == "" {
			streamObjectType = objectType
		}
		self.unsub = stream.AddListener(root, streamObjectType, func(events []ChangeEvent) {
			if control.Guard != nil && !control.Guard(events) {
				return
			}
			self.update(events)
		})
	}

	self.update(nil)
	return self
}

// SetOnError routes query failures. Without it they are only logged.
func (self *LiveQuery) SetOnError(onError func(err error)) {
	self.onError = onError
}

// Update re-issues the query keeping the current filter, sort, and page.
func (self *LiveQuery) Update() {
	self.update(nil)
}

func (self *LiveQuery) update(events []ChangeEvent) {
	filter := CombineFilters(self.control.Filter, self.control.BaseFilter)

	var rng QueryRange
	if self.control.LoadAll {
		rng = AllRange()
	} else {
		rng = PageRange(self.CurrentPage(), self.control.PageSize)
	}

	self.search(
		func(data []json.RawMessage, total int64) {
			if self.control.LoadAll {
				self.stateLock.Lock()
				self.allValues = data
				self.total = total
				self.stateLock.Unlock()
				self.ChangePage()
				return
			}

			self.stateLock.Lock()
			self.values = data
			self.total = total
			self.stateLock.Unlock()
			if self.control.OnUpdate != nil {
				self.control.OnUpdate(events)
			}
		},
		self.onError,
		filter,
		self.objectType,
		rng,
		self.control.Sort,
		self.control.NParent,
		self.control.NStats,
	)
}

// ChangePage re-slices the cached full set in load-all mode, without a
// network call; in paged mode it re-issues the query for the current
// page.
func (self *LiveQuery) ChangePage() {
	if !self.control.LoadAll {
		self.update(nil)
		return
	}

	self.stateLock.Lock()
	end := self.currentPage * self.control.PageSize
	start := end - self.control.PageSize
	if start < 0 {
		start = 0
	}
	if len(self.allValues) < end {
		end = len(self.allValues)
	}
	if end < start {
		start = end
	}
	self.values = slices.Clone(self.allValues[start:end])
	self.stateLock.Unlock()

	if self.control.OnUpdate != nil {
		self.control.OnUpdate(nil)
	}
}

func (self *LiveQuery) SetPage(currentPage int) {
	if currentPage < 1 {
		currentPage = 1
	}
	self.stateLock.Lock()
	self.currentPage = currentPage
	self.stateLock.Unlock()

	self.ChangePage()
}

func (self *LiveQuery) CurrentPage() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.currentPage
}

// current page entities, in server order
func (self *LiveQuery) Values() []json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.values)
}

// server-reported total matching count
func (self *LiveQuery) Total() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.total
}

// Close releases the stream subscription.
func (self *LiveQuery) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
}
