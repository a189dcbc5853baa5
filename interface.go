// SPDX-License-Identifier: Apache-2.0

/*
Package kerlberos provides the mechanism-independent surface of a Go
GSS-API implementation.

The package defines an interface that GSS-API mechanism specific
code should conform to, along with the context flags, name types and
status codes shared by all mechanisms.

An Initiator (ie. client) uses the Initiate method to start the
authentication process.  An Acceptor (ie. server) uses the Accept
method instead.  After that, both sides call Continue in a loop,
transferring tokens between themselves using a suitable communication
protocol.  When IsEstablished returns true, the security context
can be used to securely transfer messages or message signatures using
Wrap/Unwrap or MakeSignature/VerifySignature.

# See Also

github.com/vocalvogel/kerlberos/krb5
*/
package kerlberos

// SecContext defines the interface to a GSS-API security context
type SecContext interface {
	// IsEstablished can be used to determine whether the security
	// context between an Initiator and Acceptor is complete and
	// is ready to transfer messages between the peers.
	IsEstablished() bool

	// ContextFlags returns the security flags negotiated between
	// the initiator and acceptor.  The flags *SHOULD* be checked
	// before using the context to verify that desired security
	// requirements have been met.
	ContextFlags() ContextFlag

	// Initiate is used by a GSS-API Initiator to start the
	// context negotiation process with a remote Acceptor.
	// serviceName is the mechanism specific name of the remote
	// Acceptor, and req represents the desired security
	// properties of the context.
	Initiate(serviceName string, req FlagRequest, cb *ChannelBinding) (err error)

	// Accept is used by a GSS-API Acceptor to begin context
	// negotiation with a remote Initiator.
	// If provided, serviceName is the mechanism specific identifier
	// of the local Acceptor
	Accept(serviceName string) (err error)

	// Continue is called in a loop by Initiators and Acceptors after
	// first calling one of Initiate or Accept.
	// tokenIn represents a token received from the peer
	// If tokenOut is non-zero, it should be sent to the peer
	Continue(tokenIn []byte) (tokenOut []byte, err error)

	// Delete tears down the context and erases any key material it
	// holds.  Kerberos has no teardown wire message, so no token is
	// returned, but other mechanisms may return one that should be
	// transferred to the peer.
	Delete() (tokenOut []byte, err error)

	// Wrap is called by either peer after the context is established
	// to create a token that encapsulates a payload.  If confidentiality
	// is required, the payload is encrypted (*sealed*) using a key
	// negotiated during context establishment.  Otherwise, the key
	// is used to sign the payload which is encapsulated in the clear.
	// tokenOut should be communicated to the peer which should use Unwrap
	// on the token.
	Wrap(payload []byte, confidentiality bool) (tokenOut []byte, err error)

	// Unwrap is passed a wrap token received from a peer.  If the token
	// provides confidentiality, the key negotiated during context
	// establishment is used to decrypt (*unseal*) the payload.  Otherwise,
	// the key is used to verify the signature that the remote Wrap call
	// calculated for the payload.
	// payload is the original message
	// isSealed conveys whether the payload was encrypted or not
	Unwrap(tokenIn []byte) (payload []byte, isSealed bool, err error)

	// MakeSignature creates a token that includes the signature of the
	// provided payload but does not include the payload itself.  The
	// output token should be sent to the peer, which should use its copy of
	// the payload (communicated separately) to verify the signature.
	MakeSignature(payload []byte) (tokenOut []byte, err error)

	// VerifySignature is used to check the signature received from a peer
	// using a local copy of the payload.
	VerifySignature(payload []byte, tokenIn []byte) (err error)

	// LocalName returns the display form of the local identity.
	// It fails with ErrNotYetAvailable until context establishment
	// has progressed far enough to know the local identity.
	LocalName() (string, error)

	// PeerName returns the display form of the authenticated remote
	// peer.  It fails with ErrNotYetAvailable until the peer has
	// been authenticated.
	PeerName() (string, error)
}
