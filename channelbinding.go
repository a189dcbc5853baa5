// SPDX-License-Identifier: Apache-2.0
package kerlberos

import "net"

type GssAddressFamily int

// address family values from RFC 2744 § 3.11
const (
	GssAddrFamilyUNSPEC GssAddressFamily = iota
	GssAddrFamilyLOCAL
	GssAddrFamilyINET
)

// ChannelBinding identifies the transport endpoints of the channel a
// security context is bound to.  Either address may be nil; Data is
// caller-supplied application data mixed into the binding.
type ChannelBinding struct {
	InitiatorAddr net.Addr
	AcceptorAddr  net.Addr
	Data          []byte
}
