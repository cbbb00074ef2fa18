package casewire

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

type searchCall struct {
	filter     *Filter
	objectType string
	rng        QueryRange
	sort       []string
	nparent    int
	nstats     bool
}

// fakeSearch responds synchronously with the configured page
type fakeSearch struct {
	calls []searchCall
	data  []json.RawMessage
	total int64
}

func (self *fakeSearch) search(
	callback SearchCallback,
	onError func(err error),
	filter *Filter,
	objectType string,
	rng QueryRange,
	sort []string,
	nparent int,
	nstats bool,
) {
	self.calls = append(self.calls, searchCall{
		filter:     filter,
		objectType: objectType,
		rng:        rng,
		sort:       sort,
		nparent:    nparent,
		nstats:     nstats,
	})
	callback(self.data, self.total)
}

func docs(n int) []json.RawMessage {
	out := []json.RawMessage{}
	for i := 0; i < n; i += 1 {
		out = append(out, json.RawMessage(fmt.Sprintf(`{"i": %d}`, i)))
	}
	return out
}

func TestLiveQueryDefaults(t *testing.T) {
	search := &fakeSearch{data: docs(3), total: 3}
	query := NewLiveQuery(nil, search.search, "", "case", &QueryControl{SkipStream: true})
	defer query.Close()

	assert.Equal(t, len(search.calls), 1)
	// pageSize defaults to 10, page to 1
	assert.Equal(t, search.calls[0].rng.String(), "0-10")
	assert.Equal(t, search.calls[0].objectType, "case")
	assert.Equal(t, query.Total(), int64(3))
	assert.Equal(t, len(query.Values()), 3)
}

func TestLiveQueryPaginationMath(t *testing.T) {
	search := &fakeSearch{data: docs(15), total: 60}
	query := NewLiveQuery(nil, search.search, "", "case", &QueryControl{
		SkipStream: true,
		PageSize:   15,
	})
	defer query.Close()

	query.SetPage(3)
	assert.Equal(t, len(search.calls), 2)
	assert.Equal(t, search.calls[1].rng, QueryRange{Start: 30, End: 45})
}

func TestLiveQueryFilterComposition(t *testing.T) {
	search := &fakeSearch{}
	query := NewLiveQuery(nil, search.search, "", "case", &QueryControl{
		SkipStream: true,
		Filter:     FreeTextFilter("foo"),
		BaseFilter: FreeTextFilter("bar"),
	})
	defer query.Close()

	assert.Equal(t, search.calls[0].filter.FreeText, "(foo) AND (bar)")

	search2 := &fakeSearch{}
	query2 := NewLiveQuery(nil, search2.search, "", "case", &QueryControl{
		SkipStream: true,
		Filter:     &Filter{},
		BaseFilter: FreeTextFilter("bar"),
	})
	defer query2.Close()

	// an empty filter is absent; the base filter passes through alone
	assert.Equal(t, search2.calls[0].filter.FreeText, "bar")
}

func TestLiveQuerySortAndStats(t *testing.T) {
	search := &fakeSearch{}
	query := NewLiveQuery(nil, search.search, "", "case_task", &QueryControl{
		SkipStream: true,
		Sort:       []string{"-flag", "+startDate"},
		NParent:    1,
		NStats:     true,
	})
	defer query.Close()

	assert.Equal(t, search.calls[0].sort, []string{"-flag", "+startDate"})
	assert.Equal(t, search.calls[0].nparent, 1)
	assert.Equal(t, search.calls[0].nstats, true)
}

func TestLiveQueryStreamRefresh(t *testing.T) {
	client := newDispatchClient(t)
	search := &fakeSearch{}
	query := NewLiveQuery(client, search.search, "", "case", &QueryControl{})
	defer query.Close()

	assert.Equal(t, len(search.calls), 1)

	// root defaults to the wildcard, so a case event for any root
	// triggers a refresh
	client.handleBatch([]ChangeEvent{
		{Base: EventBase{RootId: "c9", ObjectType: "case", Operation: OperationUpdate}},
	})
	assert.Equal(t, len(search.calls), 2)

	// unrelated object types do not
	client.handleBatch([]ChangeEvent{
		{Base: EventBase{RootId: "c9", ObjectType: "alert", Operation: OperationCreate}},
	})
	assert.Equal(t, len(search.calls), 2)
}

func TestLiveQueryGuardSuppression(t *testing.T) {
	client := newDispatchClient(t)
	search := &fakeSearch{}
	guarded := []ChangeEvent{}
	query := NewLiveQuery(client, search.search, "", "case", &QueryControl{
		Guard: func(events []ChangeEvent) bool {
			guarded = append(guarded, events...)
			return false
		},
	})
	defer query.Close()

	client.handleBatch([]ChangeEvent{
		{Base: EventBase{RootId: "c1", ObjectType: "case", Operation: OperationUpdate}},
	})

	// the batch reached the guard, and the refresh was suppressed
	assert.Equal(t, len(guarded), 1)
	assert.Equal(t, len(search.calls), 1)
}

func TestLiveQueryStreamObjectTypeOverride(t *testing.T) {
	client := newDispatchClient(t)
	search := &fakeSearch{}
	query := NewLiveQuery(client, search.search, "", "case", &QueryControl{
		StreamObjectType: "case_task",
	})
	defer query.Close()

	client.handleBatch([]ChangeEvent{
		{Base: EventBase{RootId: "c1", ObjectType: "case_task", Operation: OperationUpdate}},
	})

	// subscribed under case_task, still querying cases
	assert.Equal(t, len(search.calls), 2)
	assert.Equal(t, search.calls[1].objectType, "case")
}

func TestLiveQuerySkipStream(t *testing.T) {
	client := newDispatchClient(t)
	search := &fakeSearch{}
	query := NewLiveQuery(client, search.search, "", "case", &QueryControl{SkipStream: true})
	defer query.Close()

	client.handleBatch([]ChangeEvent{
		{Base: EventBase{RootId: "c1", ObjectType: "case", Operation: OperationUpdate}},
	})
	assert.Equal(t, len(search.calls), 1)
}

func TestLiveQueryCloseReleasesSubscription(t *testing.T) {
	client := newDispatchClient(t)
	search := &fakeSearch{}
	query := NewLiveQuery(client, search.search, "", "case", &QueryControl{})

	query.Close()
	client.handleBatch([]ChangeEvent{
		{Base: EventBase{RootId: "c1", ObjectType: "case", Operation: OperationUpdate}},
	})
	assert.Equal(t, len(search.calls), 1)
}

func TestLiveQueryLoadAll(t *testing.T) {
	search := &fakeSearch{data: docs(25), total: 25}
	query := NewLiveQuery(nil, search.search, "", "case", &QueryControl{
		SkipStream: true,
		LoadAll:    true,
	})
	defer query.Close()

	assert.Equal(t, len(search.calls), 1)
	assert.Equal(t, search.calls[0].rng.String(), "all")
	assert.Equal(t, query.Values(), docs(25)[0:10])
	assert.Equal(t, query.Total(), int64(25))

	// paging over the cached set needs no network call
	query.SetPage(2)
	assert.Equal(t, len(search.calls), 1)
	assert.Equal(t, query.Values(), docs(25)[10:20])

	query.SetPage(3)
	assert.Equal(t, query.Values(), docs(25)[20:25])
}

func TestLiveQueryOnUpdate(t *testing.T) {
	client := newDispatchClient(t)
	search := &fakeSearch{data: docs(2), total: 2}
	updates := 0
	var lastEvents []ChangeEvent
	query := NewLiveQuery(client, search.search, "", "case", &QueryControl{
		OnUpdate: func(events []ChangeEvent) {
			updates += 1
			lastEvents = events
		},
	})
	defer query.Close()

	assert.Equal(t, updates, 1)

	batch := []ChangeEvent{
		{Base: EventBase{RootId: "c1", ObjectType: "case", Operation: OperationUpdate}},
	}
	client.handleBatch(batch)
	assert.Equal(t, updates, 2)
	// the triggering batch rides along to the update hook
	assert.Equal(t, lastEvents, batch)
}

func TestLiveQueryOnError(t *testing.T) {
	failing := func(
		callback SearchCallback,
		onError func(err error),
		filter *Filter,
		objectType string,
		rng QueryRange,
		sort []string,
		nparent int,
		nstats bool,
	) {
		if onError != nil {
			onError(&ApiError{Status: 500, Message: "boom"})
		}
	}

	var got error
	query := NewLiveQuery(nil, failing, "", "case", &QueryControl{SkipStream: true})
	defer query.Close()
	query.SetOnError(func(err error) {
		got = err
	})
	query.Update()

	assert.Equal(t, ApiStatus(got), 500)
}
