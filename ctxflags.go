// SPDX-License-Identifier: Apache-2.0
package kerlberos

import "strings"

// ContextFlag represents the bit vector of context-establishment flags
// carried in the GSS-API checksum field of the Kerberos Authenticator
// (RFC 4121 § 4.1.1).  The wire encoding is 32-bit little-endian.
type ContextFlag uint32

// GSS-API request context flags - the same as C bindings for compatibility
const (
	ContextFlagDeleg    ContextFlag = 1 << iota // delegate credentials, parsed but not acted upon
	ContextFlagMutual                           // request remote peer authenticates itself
	ContextFlagReplay                           // enable replay detection for signed/sealed messages
	ContextFlagSequence                         // enable detection of out of sequence signed/sealed messages
	ContextFlagConf                             // confidentiality available
	ContextFlagInteg                            // integrity available

	// Microsoft extensions - see RFC 4757 § 7.1
	ContextFlagDceStyle      ContextFlag = 0x1000 // add extra AP-REP from client to server after receiving server's AP-REP
	ContextFlagIdentify      ContextFlag = 0x2000 // server should identify the client but not impersonate it
	ContextFlagExtendedError ContextFlag = 0x4000 // return Windows status code in Kerberos error messages
)

// ContextFlagDefault is the flag set used for any flag the caller does
// not explicitly set or clear in a FlagRequest.
const ContextFlagDefault = ContextFlagSequence | ContextFlagConf | ContextFlagInteg

// FlagRequest captures a caller's context-establishment flag choices.
// Flags in neither mask take their default from ContextFlagDefault, so a
// caller can distinguish "leave confidentiality at its default" from
// "explicitly disable confidentiality".  Set wins when a flag appears in
// both masks.
type FlagRequest struct {
	Set   ContextFlag
	Clear ContextFlag
}

// Flags resolves the request against the defaults, producing the 32-bit
// flag word sent to the peer.
func (r FlagRequest) Flags() ContextFlag {
	return (ContextFlagDefault &^ r.Clear) | r.Set
}

// FlagRequestFromFlags returns a request that asks for exactly the flags
// in f, clearing any default that f omits.
func FlagRequestFromFlags(f ContextFlag) FlagRequest {
	return FlagRequest{Set: f, Clear: ContextFlagDefault &^ f}
}

// FlagList returns a slice of individual flags derived from the
// composite value f
func FlagList(f ContextFlag) (fl []ContextFlag) {
	t := ContextFlag(1)
	for i := 0; i < 32; i++ {
		if f&t != 0 {
			fl = append(fl, t)
		}

		t <<= 1
	}

	return
}

// FlagName returns a human-readable description of a context flag value
func FlagName(f ContextFlag) string {
	switch f {
	case ContextFlagDeleg:
		return "Delegation"
	case ContextFlagMutual:
		return "Mutual authentication"
	case ContextFlagReplay:
		return "Message replay detection"
	case ContextFlagSequence:
		return "Out of sequence message detection"
	case ContextFlagConf:
		return "Confidentiality"
	case ContextFlagInteg:
		return "Integrity"
	case ContextFlagDceStyle:
		return "DCE style"
	case ContextFlagIdentify:
		return "Identify only"
	case ContextFlagExtendedError:
		return "Extended errors"
	}

	return "Unknown"
}

func (f ContextFlag) String() string {
	var names []string
	for _, flag := range FlagList(f) {
		names = append(names, FlagName(flag))
	}

	return strings.Join(names, ", ")
}
