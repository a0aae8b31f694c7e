package dnsrelay

import (
	"net"
	"sync"
	"time"
)

// The number of distinct DNS transaction IDs.
const idSpace = 1 << 16

// PendingQuery is a client query that was forwarded upstream and is waiting
// for a reply.
type PendingQuery struct {
	AssignedID uint16    // ID used towards the upstream
	Client     net.Addr  // Where the reply goes
	OriginalID uint16    // ID chosen by the client, restored in the reply
	Created    time.Time // When the query was forwarded
}

// PendingTableOptions contain settings for the pending table.
type PendingTableOptions struct {
	// Maximum number of queries in flight. Defaults to (and is capped at) 65536.
	MaxPending int

	// Pending queries older than this are removed by Expire. 0 disables expiry.
	TTL time.Duration
}

// PendingTable correlates upstream replies with client queries by transaction
// ID. There is at most one entry per ID. It is safe for concurrent use.
type PendingTable struct {
	opt        PendingTableOptions
	mu         sync.Mutex
	items      map[uint16]*pendingItem
	head, tail *pendingItem // newest after head, oldest before tail
	nextID     uint16
	clock      func() time.Time
}

type pendingItem struct {
	PendingQuery
	prev, next *pendingItem
}

// NewPendingTable returns an empty table.
func NewPendingTable(opt PendingTableOptions) *PendingTable {
	if opt.MaxPending <= 0 || opt.MaxPending > idSpace {
		opt.MaxPending = idSpace
	}
	head := new(pendingItem)
	tail := new(pendingItem)
	head.next = tail
	tail.prev = head
	return &PendingTable{
		opt:   opt,
		items: make(map[uint16]*pendingItem),
		head:  head,
		tail:  tail,
		clock: time.Now,
	}
}

// Insert records a pending query under the given ID. It fails if the ID is
// already pending or the table is at capacity, existing entries are never
// overwritten.
func (t *PendingTable) Insert(assignedID uint16, client net.Addr, originalID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[assignedID]; ok {
		return ErrIDInUse
	}
	if len(t.items) >= t.opt.MaxPending {
		return ErrTableFull
	}
	t.add(assignedID, client, originalID)
	return nil
}

// Allocate picks a free transaction ID, records the query under it and returns
// the ID. IDs are handed out from a wrapping counter, skipping any that are
// still pending. Expired entries are reclaimed when the table is at capacity.
func (t *PendingTable) Allocate(client net.Addr, originalID uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.items) >= t.opt.MaxPending {
		t.expire(t.clock())
		if len(t.items) >= t.opt.MaxPending {
			return 0, ErrTableFull
		}
	}
	for i := 0; i < idSpace; i++ {
		id := t.nextID + uint16(i)
		if _, ok := t.items[id]; ok {
			continue
		}
		t.nextID = id + 1
		t.add(id, client, originalID)
		return id, nil
	}
	return 0, ErrTableFull
}

// Take looks up the query for an ID and removes it from the table. The second
// return value is false if nothing is pending under that ID.
func (t *PendingTable) Take(assignedID uint16) (PendingQuery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[assignedID]
	if !ok {
		return PendingQuery{}, false
	}
	t.remove(item)
	return item.PendingQuery, true
}

// Expire removes all queries that have been pending longer than the TTL and
// returns them, oldest first.
func (t *PendingTable) Expire(now time.Time) []PendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expire(now)
}

// Len returns the number of pending queries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *PendingTable) expire(now time.Time) []PendingQuery {
	if t.opt.TTL <= 0 {
		return nil
	}
	var expired []PendingQuery
	for item := t.tail.prev; item != t.head; item = t.tail.prev {
		if now.Sub(item.Created) < t.opt.TTL {
			break
		}
		t.remove(item)
		expired = append(expired, item.PendingQuery)
	}
	return expired
}

// Adds a new item to the top of the list. Must be called with the lock held.
func (t *PendingTable) add(id uint16, client net.Addr, originalID uint16) {
	item := &pendingItem{
		PendingQuery: PendingQuery{
			AssignedID: id,
			Client:     client,
			OriginalID: originalID,
			Created:    t.clock(),
		},
		next: t.head.next,
		prev: t.head,
	}
	t.head.next.prev = item
	t.head.next = item
	t.items[id] = item
}

func (t *PendingTable) remove(item *pendingItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(t.items, item.AssignedID)
}
