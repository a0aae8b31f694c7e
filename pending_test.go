package dnsrelay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Clock for tests that only moves when told to.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	client1 = &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 40000}
	client2 = &net.UDPAddr{IP: net.ParseIP("192.168.1.11"), Port: 40001}
)

func TestPendingInsertTake(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})

	require.NoError(t, tbl.Insert(7, client1, 0xBEEF))
	require.Equal(t, 1, tbl.Len())

	p, ok := tbl.Take(7)
	require.True(t, ok)
	require.Equal(t, uint16(7), p.AssignedID)
	require.Equal(t, client1, p.Client)
	require.Equal(t, uint16(0xBEEF), p.OriginalID)
	require.Equal(t, 0, tbl.Len())

	// Entry is gone after the first take
	_, ok = tbl.Take(7)
	require.False(t, ok)
}

func TestPendingTakeUnknown(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	_, ok := tbl.Take(1234)
	require.False(t, ok)
	require.Equal(t, 0, tbl.Len())
}

func TestPendingInsertDuplicate(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	require.NoError(t, tbl.Insert(1, client1, 0x1111))
	require.ErrorIs(t, tbl.Insert(1, client2, 0x2222), ErrIDInUse)

	// The original entry was not overwritten
	p, ok := tbl.Take(1)
	require.True(t, ok)
	require.Equal(t, client1, p.Client)
	require.Equal(t, uint16(0x1111), p.OriginalID)
}

func TestPendingAllocateSequential(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})

	id, err := tbl.Allocate(client1, 0x0001)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0000), id)

	id, err = tbl.Allocate(client2, 0x0001)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0001), id)

	// Releasing an ID doesn't rewind the counter
	_, ok := tbl.Take(0)
	require.True(t, ok)
	id, err = tbl.Allocate(client1, 0x0002)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0002), id)
}

func TestPendingAllocateSkipsPending(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	require.NoError(t, tbl.Insert(0, client1, 1))
	require.NoError(t, tbl.Insert(1, client1, 2))
	require.NoError(t, tbl.Insert(3, client1, 3))

	id, err := tbl.Allocate(client2, 4)
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)

	id, err = tbl.Allocate(client2, 5)
	require.NoError(t, err)
	require.Equal(t, uint16(4), id)
}

func TestPendingAllocateWraps(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	tbl.nextID = 0xFFFF

	id, err := tbl.Allocate(client1, 1)
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFFF), id)

	id, err = tbl.Allocate(client1, 2)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0000), id)
}

func TestPendingAllocateFull(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{MaxPending: 2})

	_, err := tbl.Allocate(client1, 1)
	require.NoError(t, err)
	_, err = tbl.Allocate(client1, 2)
	require.NoError(t, err)

	_, err = tbl.Allocate(client1, 3)
	require.ErrorIs(t, err, ErrTableFull)
	require.ErrorIs(t, tbl.Insert(100, client1, 3), ErrTableFull)
	require.Equal(t, 2, tbl.Len())

	// Freeing a slot makes room again
	_, ok := tbl.Take(0)
	require.True(t, ok)
	id, err := tbl.Allocate(client1, 3)
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)
}

func TestPendingAllocateWholeIDSpace(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	seen := make(map[uint16]struct{}, idSpace)
	for i := 0; i < idSpace; i++ {
		id, err := tbl.Allocate(client1, uint16(i))
		require.NoError(t, err)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, idSpace)

	_, err := tbl.Allocate(client1, 0)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestPendingExpire(t *testing.T) {
	clock := newTestClock()
	tbl := NewPendingTable(PendingTableOptions{TTL: 5 * time.Second})
	tbl.clock = clock.Now

	require.NoError(t, tbl.Insert(1, client1, 10))
	clock.Add(2 * time.Second)
	require.NoError(t, tbl.Insert(2, client2, 20))

	require.Empty(t, tbl.Expire(clock.Now()))

	clock.Add(3 * time.Second)
	expired := tbl.Expire(clock.Now())
	require.Len(t, expired, 1)
	require.Equal(t, uint16(1), expired[0].AssignedID)
	require.Equal(t, uint16(10), expired[0].OriginalID)

	_, ok := tbl.Take(1)
	require.False(t, ok)

	clock.Add(time.Hour)
	expired = tbl.Expire(clock.Now())
	require.Len(t, expired, 1)
	require.Equal(t, uint16(2), expired[0].AssignedID)
	require.Equal(t, 0, tbl.Len())
}

func TestPendingExpireDisabled(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	require.NoError(t, tbl.Insert(1, client1, 10))
	require.Empty(t, tbl.Expire(time.Now().Add(24*time.Hour)))
	require.Equal(t, 1, tbl.Len())
}

func TestPendingAllocateReclaimsExpired(t *testing.T) {
	clock := newTestClock()
	tbl := NewPendingTable(PendingTableOptions{MaxPending: 1, TTL: time.Second})
	tbl.clock = clock.Now

	_, err := tbl.Allocate(client1, 1)
	require.NoError(t, err)
	_, err = tbl.Allocate(client2, 2)
	require.ErrorIs(t, err, ErrTableFull)

	clock.Add(time.Second)
	id, err := tbl.Allocate(client2, 2)
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)

	p, ok := tbl.Take(id)
	require.True(t, ok)
	require.Equal(t, client2, p.Client)
}

func TestPendingConcurrent(t *testing.T) {
	tbl := NewPendingTable(PendingTableOptions{})
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uint16]struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id, err := tbl.Allocate(client1, uint16(j))
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every allocation got a distinct ID
	require.Len(t, ids, 4000)
	require.Equal(t, 4000, tbl.Len())
}
