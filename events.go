package casewire

import (
	"encoding/json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Any is the wildcard segment for subscription keys. A subscription on
// root `Any` matches events for every root; a subscription on object type
// `Any` matches events of every type.
const Any = "any"

// domain-defined. The stream core carries operations opaquely.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// EventBase is the typed envelope of one change event. Details is the
// operation-specific payload and is never interpreted by the stream core.
type EventBase struct {
	RootId     string          `json:"rootId,omitempty"`
	ObjectType string          `json:"objectType"`
	ObjectId   string          `json:"objectId,omitempty"`
	Operation  Operation       `json:"operation"`
	StartDate  int64           `json:"startDate,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// ChangeEvent is one element of a pushed change batch. Summary maps entity
// types to per-type counts and surfaces events that also touch secondary
// object types, e.g. a task update that also affects its parent case.
type ChangeEvent struct {
	Base    EventBase      `json:"base"`
	Summary map[string]int `json:"summary,omitempty"`
}

// RootId returns the root id of the event, normalized to the wildcard
// when the event carries none.
func (self *ChangeEvent) RootId() string {
	if self.Base.RootId == "" {
		return Any
	}
	return self.Base.RootId
}

// SecondaryObjectTypes lists the entity types named in the summary other
// than the primary object type, in sorted order.
func (self *ChangeEvent) SecondaryObjectTypes() []string {
	if len(self.Summary) == 0 {
		return nil
	}
	objectTypes := maps.Keys(self.Summary)
	objectTypes = slices.DeleteFunc(objectTypes, func(objectType string) bool {
		return objectType == self.Base.ObjectType
	})
	slices.Sort(objectTypes)
	return objectTypes
}
