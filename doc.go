/*
Package dnsrelay implements a DNS forwarder that relays plain DNS over UDP from
any number of clients to a set of upstream resolvers, using a single socket for
all of it.

Transaction IDs

Clients pick their DNS transaction IDs independently, so two clients may well
use the same ID at the same time. Before a query is forwarded, its ID is
replaced with one allocated by the relay and the original ID and client address
are recorded in a pending table. When the reply comes back from an upstream, the
entry is looked up and removed, the original ID restored, and the reply sent to
the client. Apart from the first two bytes, datagrams are relayed unchanged.

Upstream selection

A Selector decides where a query goes. RoundRobin sends each query to one
upstream, rotating through them in the configured order. FanOut sends each query
to all upstreams, the first reply is relayed and later ones are dropped.

Queries that never get a reply are removed from the pending table after a
timeout, freeing up their ID.
*/
package dnsrelay
