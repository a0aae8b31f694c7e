package dnsrelay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Defaults for relay options.
const (
	defaultQueryTimeout  = 5 * time.Second
	defaultSweepInterval = time.Second
	defaultBufferSize    = 65535
)

// Relay forwards DNS queries received on a single UDP socket to upstream
// resolvers and routes the replies back to the clients. Transaction IDs are
// rewritten on the way out so that queries from different clients never
// collide, and restored on the way back.
type Relay struct {
	id       string
	conn     net.PacketConn
	selector *Selector
	pending  *PendingTable
	opt      RelayOptions
	metrics  *RelayMetrics
}

// RelayOptions contain settings for a relay.
type RelayOptions struct {
	// Maximum number of queries waiting for a reply. Queries beyond that are
	// dropped. Defaults to 65536, the number of available transaction IDs.
	MaxPending int

	// Queries that haven't been answered within this time are abandoned and
	// their ID is released. Defaults to 5s, negative values disable expiry.
	QueryTimeout time.Duration

	// How often abandoned queries are cleaned up. Defaults to 1s.
	SweepInterval time.Duration

	// Size of the receive buffer, datagrams larger than this are truncated.
	// Defaults to 65535.
	BufferSize int
}

// NewRelay returns a relay that serves on the given connection. The relay takes
// ownership of the connection and closes it when Run returns.
func NewRelay(id string, conn net.PacketConn, selector *Selector, opt RelayOptions) (*Relay, error) {
	if conn == nil {
		return nil, errors.New("no connection provided")
	}
	if selector == nil {
		return nil, ErrNoUpstreams
	}
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultQueryTimeout
	}
	if opt.QueryTimeout < 0 {
		opt.QueryTimeout = 0
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = defaultSweepInterval
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = defaultBufferSize
	}
	return &Relay{
		id:       id,
		conn:     conn,
		selector: selector,
		pending: NewPendingTable(PendingTableOptions{
			MaxPending: opt.MaxPending,
			TTL:        opt.QueryTimeout,
		}),
		opt:     opt,
		metrics: NewRelayMetrics(id),
	}, nil
}

// Run reads datagrams until the context is cancelled or the socket fails.
// Receive errors and sends on a closed socket end the loop, anything wrong
// with individual datagrams is logged and the datagram dropped.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(2)
	go func() { // unblock the reader on cancel
		defer wg.Done()
		<-ctx.Done()
		r.conn.Close()
	}()
	go func() {
		defer wg.Done()
		r.sweep(ctx)
	}()

	Log.WithFields(logrus.Fields{
		"id":       r.id,
		"addr":     r.conn.LocalAddr(),
		"upstream": r.selector.String(),
	}).Info("starting relay")

	buf := make([]byte, r.opt.BufferSize)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "failed to receive")
		}
		if err := r.handle(buf[:n], addr); err != nil {
			// A send interrupted by the shutdown is not a failure
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Addr returns the local address the relay receives on.
func (r *Relay) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Pending returns the number of queries waiting for a reply.
func (r *Relay) Pending() int {
	return r.pending.Len()
}

func (r *Relay) String() string {
	return r.id
}

// Classify a datagram by its source and process it. Only fatal transport
// errors are returned.
func (r *Relay) handle(b []byte, addr net.Addr) error {
	if len(b) < MinMessageSize {
		logger(r.id, logrus.Fields{"source": addr, "size": len(b)}).Debug("dropping short datagram")
		r.metrics.drop.WithLabelValues(dropShort).Inc()
		return nil
	}
	if r.selector.IsUpstream(addr) {
		return r.reply(b, addr)
	}
	return r.query(b, addr)
}

// Forward a client query to the selected upstream(s) under a new ID.
func (r *Relay) query(b []byte, client net.Addr) error {
	originalID := msgID(b)
	log := logger(r.id, logrus.Fields{"client": client, "qid": originalID})
	if Log.IsLevelEnabled(logrus.DebugLevel) {
		name, qtype := describe(b)
		log = log.WithFields(logrus.Fields{"qname": name, "qtype": qtype})
	}
	log.Debug("received query")

	assignedID, err := r.pending.Allocate(client, originalID)
	if err != nil {
		log.WithError(err).Warn("dropping query")
		r.metrics.drop.WithLabelValues(dropFull).Inc()
		return nil
	}
	r.metrics.query.Inc()
	r.metrics.pending.Set(float64(r.pending.Len()))
	setMsgID(b, assignedID)
	log = log.WithField("rid", assignedID)

	upstreams := r.selector.Select()
	var (
		sent  int
		fatal error
	)
	if len(upstreams) == 1 {
		ok, err := r.send(b, upstreams[0], "upstream", log)
		if ok {
			sent++
		}
		fatal = err
	} else {
		// Fan out concurrently. Each send fails on its own without affecting the
		// others. All of them finish before the buffer is reused.
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, upstream := range upstreams {
			wg.Add(1)
			go func(upstream *net.UDPAddr) {
				defer wg.Done()
				ok, err := r.send(b, upstream, "upstream", log)
				mu.Lock()
				defer mu.Unlock()
				if ok {
					sent++
				}
				if err != nil {
					fatal = err
				}
			}(upstream)
		}
		wg.Wait()
	}

	// Nothing went out, no reply can come back for this ID
	if sent == 0 {
		r.pending.Take(assignedID)
		r.metrics.pending.Set(float64(r.pending.Len()))
	}
	return fatal
}

// Route an upstream reply back to the client that's waiting for it.
func (r *Relay) reply(b []byte, upstream net.Addr) error {
	assignedID := msgID(b)
	log := logger(r.id, logrus.Fields{"upstream": upstream, "rid": assignedID})

	p, ok := r.pending.Take(assignedID)
	if !ok {
		log.Debug("dropping unmatched reply")
		r.metrics.drop.WithLabelValues(dropUnmatched).Inc()
		return nil
	}
	r.metrics.pending.Set(float64(r.pending.Len()))
	setMsgID(b, p.OriginalID)

	log = log.WithFields(logrus.Fields{
		"client":  p.Client,
		"qid":     p.OriginalID,
		"latency": time.Since(p.Created).String(),
	})
	log.Debug("received reply")
	ok, err := r.send(b, p.Client, "client", log)
	if ok {
		r.metrics.reply.Inc()
	}
	return err
}

// Send a datagram. Returns true if it went out, even partially. An error is
// only returned if the socket is closed.
func (r *Relay) send(b []byte, addr net.Addr, direction string, log *logrus.Entry) (bool, error) {
	log = log.WithField("to", addr)
	n, err := r.conn.WriteTo(b, addr)
	if err != nil {
		r.metrics.err.WithLabelValues(direction).Inc()
		if errors.Is(err, net.ErrClosed) {
			return false, errors.Wrapf(err, "failed to send to %s", addr)
		}
		log.WithError(err).Error("failed to send")
		return false, nil
	}
	if n < len(b) {
		r.metrics.err.WithLabelValues(direction).Inc()
		log.WithError(ShortWriteError{Addr: addr, Written: n, Size: len(b)}).Warn("short write")
	} else {
		log.Debugf("sent %d bytes", n)
	}
	if direction == "upstream" {
		r.metrics.upstream.WithLabelValues(addr.String()).Inc()
	}
	return true, nil
}

// Periodically remove queries that never got a reply.
func (r *Relay) sweep(ctx context.Context) {
	if r.opt.QueryTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := r.pending.Expire(now)
			if len(expired) == 0 {
				continue
			}
			for _, p := range expired {
				logger(r.id, logrus.Fields{
					"client": p.Client,
					"qid":    p.OriginalID,
					"rid":    p.AssignedID,
				}).Debug("query timed out")
			}
			r.metrics.drop.WithLabelValues(dropExpired).Add(float64(len(expired)))
			r.metrics.pending.Set(float64(r.pending.Len()))
		}
	}
}
