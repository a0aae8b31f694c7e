package dnsrelay

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoUpstreams is returned when a selector is built without any upstream.
	ErrNoUpstreams = errors.New("no upstream resolvers configured")

	// ErrIDInUse is returned when inserting a transaction ID that is still pending.
	ErrIDInUse = errors.New("transaction id already pending")

	// ErrTableFull is returned when no transaction ID can be allocated because
	// the pending table is at capacity.
	ErrTableFull = errors.New("pending table full")
)

// ShortWriteError is returned when fewer bytes were sent than the datagram holds.
type ShortWriteError struct {
	Addr    net.Addr
	Written int
	Size    int
}

func (e ShortWriteError) Error() string {
	return fmt.Sprintf("short write to %s: sent %d of %d bytes", e.Addr, e.Written, e.Size)
}
