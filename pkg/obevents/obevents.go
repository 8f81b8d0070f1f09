// Change-event registry: components subscribe to an object's events and
// must explicitly unsubscribe when done. No magic lifecycle management;
// leaking a subscription is a bug at the subscriber.
package obevents

import (
	"sync"

	"github.com/obsync/obsync/pkg/obtypes"
)

type EventKind int

const (
	EventEntryAddition EventKind = iota
	EventEntryRemoval
	EventEntryRenaming
	EventRemoteChange
	EventDownloadProgress
	EventUploadProgress
)

// Event describes one observed change on an object. Fields beyond Kind and
// ObjId are filled per variant.
type Event struct {
	Kind  EventKind
	ObjId obtypes.ObjId

	// entry events: the child within a folder object
	ChildName string
	ChildId   obtypes.ObjId
	OldName   string // renaming only

	// remote-change: the newly observed remote version
	Version obtypes.Version

	// progress events
	BytesDone  uint64
	BytesTotal uint64
}

// Subscription delivers events on C until Close. The channel is buffered; a
// subscriber that stops draining loses events rather than blocking
// publishers.
type Subscription struct {
	C chan Event

	registry *Registry
	objId    obtypes.ObjId
	id       int
}

func (s *Subscription) Close() {
	s.registry.unsubscribe(s.objId, s.id)
}

type Registry struct {
	mu     sync.Mutex
	nextId int
	subs   map[obtypes.ObjId]map[int]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{
		subs: map[obtypes.ObjId]map[int]*Subscription{},
	}
}

func (r *Registry) Subscribe(objId obtypes.ObjId) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextId++

	sub := &Subscription{
		C:        make(chan Event, 16),
		registry: r,
		objId:    objId,
		id:       r.nextId,
	}

	if r.subs[objId] == nil {
		r.subs[objId] = map[int]*Subscription{}
	}
	r.subs[objId][sub.id] = sub

	return sub
}

// Publish delivers to all current subscribers of the object. Never blocks:
// a full subscriber buffer drops the event for that subscriber.
func (r *Registry) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[event.ObjId] {
		select {
		case sub.C <- event:
		default:
		}
	}
}

// SubscriberCount exists for tests verifying unsubscription actually
// releases the entry.
func (r *Registry) SubscriberCount(objId obtypes.ObjId) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs[objId])
}

func (r *Registry) unsubscribe(objId obtypes.ObjId, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byId, found := r.subs[objId]
	if !found {
		return
	}

	if sub, found := byId[id]; found {
		delete(byId, id)
		close(sub.C)
	}

	if len(byId) == 0 {
		delete(r.subs, objId)
	}
}
