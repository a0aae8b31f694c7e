package dnsrelay

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// MinMessageSize is the smallest datagram the relay will look at. Anything
// shorter is dropped before the transaction ID is read.
const MinMessageSize = 8

// Returns the transaction ID from the first two bytes of a DNS message.
func msgID(b []byte) uint16 {
	return binary.BigEndian.Uint16(b[0:2])
}

// Overwrites the transaction ID of a DNS message in place.
func setMsgID(b []byte, id uint16) {
	binary.BigEndian.PutUint16(b[0:2], id)
}

// Returns the query name and type of a raw DNS message for logging. Messages
// that don't unpack yield empty strings, the relay never depends on this.
func describe(b []byte) (name, qtype string) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil || len(m.Question) == 0 {
		return "", ""
	}
	return m.Question[0].Name, dns.TypeToString[m.Question[0].Qtype]
}
