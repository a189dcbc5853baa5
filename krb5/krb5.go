// SPDX-License-Identifier: Apache-2.0

/*
Package krb5 provides the pure-Go implementation of the GSS-API
Kerberos V mechanism (RFC 1964 and RFC 4121).

Normally, this package would be imported by application code (eg. in its
main package) in order to register the Kerberos V mechanism.  Application
code that uses GSS-API would import the generic
github.com/vocalvogel/kerlberos package instead and obtain a handle to
this mechanism from the registry by passing the name "kerberos_v5" or
the OID "1.2.840.113554.1.2.2", eg :

# Main Package

A relatively high-level package should include the mechanisms that the
application is to use.  The idea is that the mechanisms that are supported
in an application can be managed in one place, without changing any of
the lower level code that uses the GSS-API functionality:

	 package main
	 import (
		 _ "github.com/vocalvogel/kerlberos/krb5"
		 "stuff"
	 )

	 stuff.doStuff("kerberos_v5")

# Implementation package

The package that uses GSS-API should accept the name of the mechanism to
use, and use that name to obtain an instance of that mechanism-specific
implementation:

	package stuff
	import "github.com/vocalvogel/kerlberos"

	func doStuff(mech) {
		ctx := kerlberos.NewSecContext(mech)
	   ...
	}

# See Also

github.com/vocalvogel/kerlberos
*/
package krb5

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/crypto/etype"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	ianaerrcode "github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	ianaflags "github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/vocalvogel/kerlberos"
)

func init() {
	kerlberos.Register("kerberos_v5", NewKrb5Context)
	kerlberos.Register("1.2.840.113554.1.2.2", NewKrb5Context)
}

// ClockSkew defines the maximum tolerable difference between the clocks
// of the two peers of a GSS-API context.  Decrease the value to enhance
// security where there is good synchronisation.  Individual contexts may
// override it with SetClockSkew.
var ClockSkew = time.Minute * 5

type acceptorISN int

// These constants define how the Acceptor initial sequence number is derived
// when the context does not use mutual authentication.  In this case, the
// Acceptor does not have the opportunity to communicate its own sequence number
// to the Initiator.  Two different schemes are in use:
//
// 1.  Acceptor uses the Initiator's initial sequence number
//
// 2.  The Acceptor ISN is zero
//
// The default is (1), but may be changed to (2) by setting AcceptorISN to
// the value DefaultAcceptorISNZero.
const (
	// DefaultAcceptorISNInitiator is the acceptor ISN policy that uses the Initiator's initial sequence number
	// as the Acceptor ISN when not performing mutual authentication.  Use this for compatibility with MIT.
	DefaultAcceptorISNInitiator acceptorISN = iota

	// DefaultAcceptorISNZero is the acceptor ISN policy that uses zero as the Acceptor ISN when not
	// performing mutual authentication.  Use this for compatibility with Heimdal.
	DefaultAcceptorISNZero
)

// AcceptorISN holds the default Acceptor-Initial-Sequence derivation policy
// for contexts not using mutual authentication.  The default provides
// compatibility with MIT Kerberos.
// Set this to DefaultAcceptorISNZero for compatibility with Heimdal Kerberos.
var AcceptorISN acceptorISN = DefaultAcceptorISNInitiator

// context lifecycle states
type contextState int

const (
	stateNone contextState = iota
	stateInitiatorStarted // Initiate called, first token not yet emitted
	stateAwaitingAPRep    // AP-REQ sent with mutual auth, AP-REP outstanding
	stateAcceptorStarted  // Accept called, AP-REQ not yet consumed
	stateEstablished
	stateErrored
	stateDeleted
)

// TicketBundle carries an externally obtained service ticket along with
// the identity of the client it was issued to.  Use it with
// InitiateWithTicket when ticket acquisition is handled outside this
// package.
type TicketBundle struct {
	Ticket     messages.Ticket
	SessionKey types.EncryptionKey
	CRealm     string
	CName      types.PrincipalName
}

// Krb5Context is the implementation of the SecContext interface for the
// Kerberos V mechanism
type Krb5Context struct {
	krbClient      *client.Client
	state          contextState
	isInitiator    bool
	service        string
	channelBinding *kerlberos.ChannelBinding
	maxSkew        time.Duration
	keytab         *keytab.Keytab

	ticket              *messages.Ticket
	sessionKey          *types.EncryptionKey
	clientCTime         time.Time
	clientCusec         int
	sessionFlags        kerlberos.ContextFlag
	requestFlags        kerlberos.ContextFlag
	ourSequenceNumber   uint64
	theirSequenceNumber uint64
	initiatorSubKey     *types.EncryptionKey
	acceptorSubKey      *types.EncryptionKey

	localRealm string
	localName  *types.PrincipalName
	peerRealm  string
	peerName   *types.PrincipalName
}

// NewKrb5Context returns a new Kerberos V mechanism context.  This function
// is registered with the GSS-API registry and is used by
// kerlberos.NewSecContext() when a caller requests an instance of the
// "kerberos_v5" mechanism.
func NewKrb5Context() kerlberos.SecContext {
	return &Krb5Context{}
}

// flags the mechanism can honour in a request
const supportedFlags = kerlberos.ContextFlagConf | kerlberos.ContextFlagInteg |
	kerlberos.ContextFlagMutual | kerlberos.ContextFlagReplay | kerlberos.ContextFlagSequence

// SetClockSkew overrides the package-level ClockSkew for this context.
func (m *Krb5Context) SetClockSkew(d time.Duration) {
	m.maxSkew = d
}

// SetChannelBinding supplies the channel bindings an acceptor validates
// incoming contexts against.  Initiators pass bindings to Initiate
// directly.
func (m *Krb5Context) SetChannelBinding(cb *kerlberos.ChannelBinding) {
	m.channelBinding = cb
}

func (m *Krb5Context) skew() time.Duration {
	if m.maxSkew != 0 {
		return m.maxSkew
	}

	return ClockSkew
}

// IsEstablished returns false until the context has been negotiated
// and is ready to use for exchanging messages.
func (m *Krb5Context) IsEstablished() bool {
	return m.state == stateEstablished
}

// ContextFlags returns the subset of requested context flags that are
// available, and may change during establishment of the context.  The
// Initiator and Acceptor should examine the flags before using the context
// for message exchange, to verify that the state of the context matches the
// application security requirements.
func (m *Krb5Context) ContextFlags() kerlberos.ContextFlag {
	return m.sessionFlags
}

// SSF returns the Security Strength Factor of the channel established
// by the security context.  For Kerberos V, this depends on the type of
// key being used to secure the channel.
func (m *Krb5Context) SSF() uint {
	key, _ := m.sendKey()
	return keySSF(key.KeyType)
}

// From MIT Kerberos 1.16 (src/lib/gssapi/krb5/wrap_size_limit.c)
func (m *Krb5Context) WrapSizeLimit(requestedOutputSize uint32, confidentiality bool) uint32 {
	key, _ := m.sendKey()
	keyType := key.KeyType

	sz := requestedOutputSize

	if confidentiality {
		// try decreasing message lengths until the encrypted length including the
		// header will fit the requested size
		for sz > 0 {
			wrapSize := 16 + encryptedLength(keyType, sz)
			if wrapSize <= requestedOutputSize {
				break
			}

			sz--
		}

		// account for the header
		if sz > 16 {
			sz -= 16
		} else {
			sz = 0
		}
	} else {
		key, _ := crypto.GetEtype(keyType)
		cksumSize := key.GetHMACBitLength() / 8

		if sz < uint32(16+cksumSize) {
			sz = 0
		} else {
			sz -= uint32(16 + cksumSize)
		}
	}

	return sz
}

// Initiate is used by a GSS-API Initiator to start the context negotiation
// process with a remote Acceptor, using the default credential cache to
// obtain a ticket for serviceName.
//
// req represents the desired security properties of the context; cb is the
// channel binding data, or nil to disable.
//
// It is highly recommended to make use of mutual authentication wherever
// possible, eg:
//
//	kerlberos.FlagRequest{Set: kerlberos.ContextFlagMutual}
func (m *Krb5Context) Initiate(serviceName string, req kerlberos.FlagRequest, cb *kerlberos.ChannelBinding) (err error) {
	// Obtain a Kerberos ticket for the service
	if err = m.krbClientInit(serviceName); err != nil {
		return
	}

	m.startInitiator(req, cb)
	return
}

// InitiateWithKeytab is the same as Initiate but authenticates the named
// client principal using keys from a keytab instead of a credential cache.
// Empty keytab or krbconf paths fall back to the usual environment lookup.
func (m *Krb5Context) InitiateWithKeytab(principal, ktPath, krbconfPath, serviceName string, req kerlberos.FlagRequest, cb *kerlberos.ChannelBinding) (err error) {
	if err = m.krbClientWithPrincipal(principal, ktPath, krbconfPath, serviceName); err != nil {
		return
	}

	m.startInitiator(req, cb)
	return
}

// InitiateWithTicket starts an initiator context from an externally
// obtained service ticket, leaving all ticket acquisition to the caller.
func (m *Krb5Context) InitiateWithTicket(b TicketBundle, req kerlberos.FlagRequest, cb *kerlberos.ChannelBinding) (err error) {
	tkt := b.Ticket
	key := b.SessionKey
	cname := b.CName

	m.ticket = &tkt
	m.sessionKey = &key
	m.localRealm = b.CRealm
	m.localName = &cname
	m.peerRealm = tkt.Realm
	m.peerName = &tkt.SName

	m.startInitiator(req, cb)
	return
}

func (m *Krb5Context) startInitiator(req kerlberos.FlagRequest, cb *kerlberos.ChannelBinding) {
	m.isInitiator = true
	m.state = stateInitiatorStarted
	m.channelBinding = cb

	// Stash the subset of the request flags that we can support, minus mutual
	// until that completes
	m.sessionFlags = kerlberos.ContextFlagConf | kerlberos.ContextFlagInteg |
		kerlberos.ContextFlagReplay | kerlberos.ContextFlagSequence

	// requestFlags is the subset that we support of the requested flags, used
	// in the context negotiation.  The set we will tell the caller that we
	// actually support is the above, sessionFlags, which may include more than
	// the requested set
	m.requestFlags = req.Flags() & supportedFlags
}

// Accept is used by a GSS-API Acceptor to begin context negotiation with a
// remote Initiator, using the keytab named by KRB5_KTNAME.
//
// serviceName is recorded on the context but does not restrict the keytab
// lookup: whatever keytab entry matches the ticket's service principal and
// key version is used.
//
// See: RFC 4121 § 4.1
func (m *Krb5Context) Accept(serviceName string) (err error) {
	m.isInitiator = false
	m.state = stateAcceptorStarted
	m.service = serviceName

	// Stash the subset of the request flags that we can support, except mutual
	// which we won't know about until we receive a token
	m.sessionFlags = kerlberos.ContextFlagConf | kerlberos.ContextFlagInteg |
		kerlberos.ContextFlagReplay | kerlberos.ContextFlagSequence

	return
}

// AcceptWithKeytab is the same as Accept using the supplied keytab rather
// than the one named by the environment.
func (m *Krb5Context) AcceptWithKeytab(kt *keytab.Keytab, serviceName string) (err error) {
	m.keytab = kt
	return m.Accept(serviceName)
}

// Continue is called in a loop by Initiators and Acceptors after
// first calling one of Initiate or Accept.
//
// tokenIn represents a token received from the peer
// If tokenOut is non-zero, it should be sent to the peer
// The caller should check the result of m.IsEstablished() to determine
// whether the loop should end.
func (m *Krb5Context) Continue(tokenIn []byte) (tokenOut []byte, err error) {
	switch m.state {
	case stateEstablished:
		return nil, nil
	case stateErrored:
		return nil, kerlberos.DefectiveToken("context negotiation has already failed")
	case stateDeleted, stateNone:
		return nil, kerlberos.ErrNoContext
	}

	if m.isInitiator {
		return m.continueInitiator(tokenIn)
	}
	return m.continueAcceptor(tokenIn)
}

// Delete finalises the context and erases the key material it holds.
// The Kerberos mechanism has no teardown wire message, so no token is
// ever returned.
func (m *Krb5Context) Delete() (tokenOut []byte, err error) {
	for _, k := range []*types.EncryptionKey{m.sessionKey, m.initiatorSubKey, m.acceptorSubKey} {
		if k == nil {
			continue
		}
		for i := range k.KeyValue {
			k.KeyValue[i] = 0
		}
	}
	if m.ticket != nil {
		for i := range m.ticket.DecryptedEncPart.Key.KeyValue {
			m.ticket.DecryptedEncPart.Key.KeyValue[i] = 0
		}
	}

	m.sessionKey = nil
	m.initiatorSubKey = nil
	m.acceptorSubKey = nil
	m.ticket = nil
	m.state = stateDeleted

	return nil, nil
}

func (m *Krb5Context) continueInitiator(tokenIn []byte) (tokenOut []byte, err error) {
	// first time, create the first context-establishment token
	if len(tokenIn) == 0 {
		if m.state != stateInitiatorStarted {
			return nil, fmt.Errorf("gssapi: context is not ready, call Initiate to initialize a new context")
		}

		// Create a Kerberos AP-REQ message with GSSAPI checksum
		var apreq messages.APReq
		apreq, err = m.getAPReqMessage()
		if err != nil {
			m.state = stateErrored
			return
		}

		// Create the GSSAPI token
		tb, _ := hex.DecodeString(tokenIDKrbAPReq)
		gssToken := kRB5Token{
			oID:   oID(),
			tokID: tb,
			aPReq: &apreq,
		}

		tokenOut, err = gssToken.marshal()
		if err != nil {
			m.state = stateErrored
			err = fmt.Errorf("gssapi: %s", err)
			return
		}

		// we need another round if we're doing mutual auth - we will receive
		// an AP-REP from the server
		if m.requestFlags&kerlberos.ContextFlagMutual == 0 {
			m.state = stateEstablished

			// if there is no mutual auth, the acceptor can't tell us its
			// initial sequence number;  MIT and Microsoft use the client's
			// ISN so let's do that, unless we're in Heimdal mode
			// see https://bugs.openjdk.java.net/browse/JDK-8201814
			switch AcceptorISN {
			case DefaultAcceptorISNInitiator:
				m.theirSequenceNumber = m.ourSequenceNumber
			case DefaultAcceptorISNZero:
				m.theirSequenceNumber = 0
			default:
				err = fmt.Errorf("gssapi: unknown acceptor-initial-sequence-number policy configured")
				return
			}
		} else {
			m.state = stateAwaitingAPRep
		}

		return
	}

	// called again due to a previous ContinueNeeded result ?..
	if m.state != stateAwaitingAPRep {
		return nil, fmt.Errorf("gssapi: context is not ready, call Initiate to initialize a new context")
	}

	// unmarshal the GSSAPI token
	gssToken := kRB5Token{}
	if err = gssToken.unmarshal(tokenIn); err != nil {
		m.state = stateErrored
		return
	}

	if gssToken.kRBError != nil {
		m.state = stateErrored
		return nil, *gssToken.kRBError
	}

	if gssToken.aPRep == nil {
		m.state = stateErrored
		tokenOut, _ = mkGssErrKrbCode(ianaerrcode.KRB_AP_ERR_MSG_TYPE, "GSSAPI token does not contain AP-REP message")
		return tokenOut, kerlberos.DefectiveToken("GSSAPI token does not contain AP-REP message")
	}

	// decrypt/verify the private part of the AP-REP message
	msg, err := gssToken.aPRep.decryptEncPart(*m.sessionKey)
	if err != nil {
		m.state = stateErrored
		if errors.Is(err, kerlberos.ErrDefectiveToken) {
			return nil, err
		}
		return nil, kerlberos.DefectiveToken(fmt.Sprintf("AP-REP: %s", err))
	}

	// stash their sequence number and subkey for use in GSS Wrap/Unwrap
	m.theirSequenceNumber = uint64(msg.SequenceNumber)
	if msg.Subkey.KeyType != 0 {
		m.acceptorSubKey = &msg.Subkey
	}

	// check the response has the same time values as the request
	// Note - we can't use time.Equal() as m.clientCTime has a monotonic clock
	// value which causes the equality to fail
	if !(msg.CTime.Unix() == m.clientCTime.Unix() && msg.Cusec == m.clientCusec) {
		m.state = stateErrored
		return nil, kerlberos.DefectiveToken("mutual authentication failed: AP-REP time fields do not match the request")
	}

	// we're done!
	m.state = stateEstablished
	m.sessionFlags |= kerlberos.ContextFlagMutual

	return nil, nil
}

func (m *Krb5Context) continueAcceptor(tokenIn []byte) (tokenOut []byte, err error) {
	// try to unmarshal the token
	gssInToken := kRB5Token{}
	if err = gssInToken.unmarshal(tokenIn); err != nil {
		m.state = stateErrored
		return
	}

	if gssInToken.kRBError != nil {
		m.state = stateErrored
		return nil, *gssInToken.kRBError
	}

	// RFC says: must return a KRBError message to the client if the token ID
	// was invalid.  Not sure other implementations really do this
	if gssInToken.aPReq == nil {
		m.state = stateErrored
		tokenOut, err = mkGssErrKrbCode(ianaerrcode.KRB_AP_ERR_MSG_TYPE, "gss accept failed")
		return
	}

	kt := m.keytab
	if kt == nil {
		if kt, err = keytab.Load(krbKtFile()); err != nil {
			m.state = stateErrored
			tokenOut, err = mkGssErrKrbCode(ianaerrcode.KRB_AP_ERR_NOKEY, "no key for service")
			return
		}
	}

	err, krbErr := m.verifyAPReq(kt, gssInToken.aPReq)
	if err != nil {
		m.state = stateErrored
		tokenOut, err = mkGssErrFromKrbErr(krbErr.(messages.KRBError))
		return
	}

	apreq := gssInToken.aPReq

	// stash the sequence number for use in GSS Wrap
	// Authenticator.SeqNumber is actually a 32 bit number (in the protocol),
	// so the cast here is safe
	m.theirSequenceNumber = uint64(apreq.Authenticator.SeqNumber)

	// stash the APReq time fields for use in mutual authentication
	m.clientCTime = apreq.Authenticator.CTime
	m.clientCusec = apreq.Authenticator.Cusec

	// stash the session key and ticket
	m.ticket = &apreq.Ticket
	m.sessionKey = &apreq.Ticket.DecryptedEncPart.Key

	// stash the initiator subkey if there is one
	if apreq.Authenticator.SubKey.KeyType != 0 {
		sk := apreq.Authenticator.SubKey
		m.initiatorSubKey = &sk
	}

	// get the context-establishment flags from the authenticator, if the
	// initiator supplied a GSSAPI checksum
	if len(apreq.Authenticator.Cksum.Checksum) >= 24 {
		cs, _ := parseAuthenticatorChksum(apreq.Authenticator.Cksum.Checksum)
		m.sessionFlags &= cs.Flags
		m.requestFlags = cs.Flags
	}

	// stash the principal names: ours from the ticket, theirs from the
	// authenticated client identity
	m.localRealm = apreq.Ticket.Realm
	sn := apreq.Ticket.SName
	m.localName = &sn
	m.peerRealm = apreq.Ticket.DecryptedEncPart.CRealm
	cn := apreq.Ticket.DecryptedEncPart.CName
	m.peerName = &cn

	// if the client requested mutual authentication, send them an AP-REP message
	if types.IsFlagSet(&apreq.APOptions, ianaflags.APOptionMutualRequired) {
		tb, _ := hex.DecodeString(tokenIDKrbAPRep)
		gssOutToken := kRB5Token{
			oID:   oID(),
			tokID: tb,
		}

		var aprep aPRep
		aprep, err = m.getAPRepMessage()
		if err != nil {
			m.state = stateErrored
			return
		}
		gssOutToken.aPRep = &aprep

		tokenOut, err = gssOutToken.marshal()
		if err != nil {
			m.state = stateErrored
			return
		}

		m.sessionFlags |= kerlberos.ContextFlagMutual
	} else {
		// if there is no mutual auth, we can't tell the client what our
		// initial sequence number is.  MIT and Microsoft use the client's ISN
		// so let's do that, unless we're in Heimdal mode
		// see https://bugs.openjdk.java.net/browse/JDK-8201814
		switch AcceptorISN {
		case DefaultAcceptorISNInitiator:
			m.ourSequenceNumber = m.theirSequenceNumber
		case DefaultAcceptorISNZero:
			m.ourSequenceNumber = 0
		default:
			err = fmt.Errorf("gssapi: unknown acceptor-initial-sequence-number policy configured")
			return
		}
	}

	// we're done from an acceptor perspective
	m.state = stateEstablished
	return tokenOut, nil
}

// LocalName returns the display form of the local principal
func (m *Krb5Context) LocalName() (string, error) {
	if m.localName == nil {
		return "", kerlberos.ErrNotYetAvailable
	}

	return kerlberos.TranslateName(m.localRealm, *m.localName, kerlberos.GssNtKrb5PrincipalName)
}

// PeerName returns the display form of the remote peer's principal.  On
// the acceptor side the name is only available once the initiator has been
// authenticated.
func (m *Krb5Context) PeerName() (string, error) {
	if m.peerName == nil {
		return "", kerlberos.ErrNotYetAvailable
	}

	return kerlberos.TranslateName(m.peerRealm, *m.peerName, kerlberos.GssNtKrb5PrincipalName)
}

// TranslatePeerName is like PeerName but projects the peer principal onto
// the requested display form.
func (m *Krb5Context) TranslatePeerName(target kerlberos.GssNameType) (string, error) {
	if m.peerName == nil {
		return "", kerlberos.ErrNotYetAvailable
	}

	return kerlberos.TranslateName(m.peerRealm, *m.peerName, target)
}

// PeerTicket gives an acceptor access to the decrypted service ticket the
// initiator authenticated with, eg. to examine authorization data.
func (m *Krb5Context) PeerTicket() (*messages.Ticket, error) {
	if m.ticket == nil || m.ticket.DecryptedEncPart.Key.KeyType == 0 {
		return nil, kerlberos.ErrNotYetAvailable
	}

	return m.ticket, nil
}

// Wrap encapsulates the payload in a GSS-API Wrap token that can be passed
// to the remote peer.  The payload is sealed if confidentiality is
// requested, and signed if not.
func (m *Krb5Context) Wrap(payload []byte, confidentiality bool) (tokenOut []byte, err error) {
	if m.state != stateEstablished {
		return nil, kerlberos.ErrNoContext
	}

	if m.legacyTokens() {
		var rec []byte
		rec, err = newLegacyWrapToken(*m.sessionKey, payload, m.ourSequenceNumber, !m.isInitiator, confidentiality)
		if err != nil {
			return
		}

		tokenOut, err = marshalLegacy(rec)
	} else {
		var wt wrapToken
		wt, err = m.newWrapToken(payload, confidentiality)
		if err != nil {
			return
		}

		tokenOut, err = wt.Marshal()
	}

	if err == nil {
		m.ourSequenceNumber++ // only bump the sequence number if everything is good
	}

	return
}

// Unwrap is used to parse a token created with Wrap().  It returns the
// original payload after unsealing or verification of the signature.
// isSealed can be inspected to determine whether the payload was encrypted
// or only signed.
func (m *Krb5Context) Unwrap(tokenIn []byte) (payload []byte, isSealed bool, err error) {
	if m.state != stateEstablished {
		return nil, false, kerlberos.ErrNoContext
	}

	var seq uint64

	if len(tokenIn) > 0 && tokenIn[0] == 0x60 {
		var rec []byte
		if rec, err = unmarshalLegacy(tokenIn, tokenIDWrapv1); err != nil {
			return
		}

		payload, seq, isSealed, err = verifyLegacyWrapToken(*m.sessionKey, rec, m.isInitiator)
		if err != nil {
			return nil, false, err
		}
	} else {
		// Unmarshal the token
		wt := wrapToken{}
		if err = wt.Unmarshal(tokenIn); err != nil {
			return
		}

		var key types.EncryptionKey
		if key, err = m.receiveKey(wt.Flags); err != nil {
			return
		}

		// Verify the token's integrity and get the unsealed / unsigned payload
		if isSealed, err = wt.VerifyAndDecode(key, m.isInitiator); err != nil {
			return nil, false, err
		}

		payload = wt.Payload
		seq = wt.SequenceNumber
	}

	if err = m.checkRecvSeq(seq); err != nil {
		return nil, false, err
	}

	return payload, isSealed, nil
}

// MakeSignature creates a GSS-API MIC token, containing the signature of
// payload but not encapsulating any payload.  The MIC token is passed to the
// peer separately to the payload and can be used by the peer to verify
// the integrity of that payload.
func (m *Krb5Context) MakeSignature(payload []byte) (tokenOut []byte, err error) {
	if m.state != stateEstablished {
		return nil, kerlberos.ErrNoContext
	}

	if m.legacyTokens() {
		var rec []byte
		rec, err = newLegacyMICToken(*m.sessionKey, payload, m.ourSequenceNumber, !m.isInitiator)
		if err != nil {
			return
		}

		tokenOut, err = marshalLegacy(rec)
	} else {
		key, flags := m.sendKey()
		if !m.isInitiator {
			flags |= gSSMessageTokenFlagSentByAcceptor
		}

		mt := mICToken{
			Flags:          flags,
			SequenceNumber: m.ourSequenceNumber,
		}

		if err = mt.Sign(payload, key); err != nil {
			return
		}

		tokenOut, err = mt.Marshal()
	}

	if err == nil {
		m.ourSequenceNumber++
	}

	return
}

// VerifySignature checks the cryptographic signature created by a call
// to MakeSignature() on the supplied payload.
func (m *Krb5Context) VerifySignature(payload []byte, tokenIn []byte) (err error) {
	if m.state != stateEstablished {
		return kerlberos.ErrNoContext
	}

	var seq uint64

	if len(tokenIn) > 0 && tokenIn[0] == 0x60 {
		var rec []byte
		if rec, err = unmarshalLegacy(tokenIn, tokenIDMICv1); err != nil {
			return
		}

		if seq, err = verifyLegacyMICToken(*m.sessionKey, payload, rec, m.isInitiator); err != nil {
			return
		}
	} else {
		mt := mICToken{}
		if err = mt.Unmarshal(tokenIn); err != nil {
			return
		}

		var key types.EncryptionKey
		if key, err = m.receiveKey(mt.Flags); err != nil {
			return
		}

		if err = mt.Verify(payload, key, m.isInitiator); err != nil {
			return
		}

		seq = mt.SequenceNumber
	}

	return m.checkRecvSeq(seq)
}

// legacyTokens reports whether the context uses the RFC 1964 per-message
// token formats.  The des3 enctype predates the v2 tokens; everything
// modern uses RFC 4121.
func (m *Krb5Context) legacyTokens() bool {
	return m.sessionKey != nil && m.sessionKey.KeyType == etypeID.DES3_CBC_SHA1_KD
}

// sendKey selects the key used to protect outgoing messages: the acceptor
// subkey when one was negotiated (flagged on the token), otherwise the
// initiator subkey, otherwise the ticket session key.
func (m *Krb5Context) sendKey() (types.EncryptionKey, gSSMessageTokenFlag) {
	switch {
	case m.acceptorSubKey != nil:
		return *m.acceptorSubKey, gSSMessageTokenFlagAcceptorSubkey
	case m.initiatorSubKey != nil:
		return *m.initiatorSubKey, 0
	default:
		return *m.sessionKey, 0
	}
}

// receiveKey selects the key for an incoming message based on the token's
// acceptor-subkey flag.
func (m *Krb5Context) receiveKey(flags gSSMessageTokenFlag) (types.EncryptionKey, error) {
	switch {
	case flags&gSSMessageTokenFlagAcceptorSubkey != 0:
		if m.acceptorSubKey == nil {
			return types.EncryptionKey{}, kerlberos.DefectiveToken("acceptor subkey not negotiated")
		}
		return *m.acceptorSubKey, nil
	case m.initiatorSubKey != nil:
		return *m.initiatorSubKey, nil
	default:
		return *m.sessionKey, nil
	}
}

// checkRecvSeq enforces the expected-receive sequence number.  Only an
// exact match advances the expectation;  older and newer tokens surface
// as recoverable errors so the caller can drop or reorder and retry.
func (m *Krb5Context) checkRecvSeq(seq uint64) error {
	if m.sessionFlags&(kerlberos.ContextFlagReplay|kerlberos.ContextFlagSequence) == 0 {
		return nil
	}

	switch {
	case seq == m.theirSequenceNumber:
		m.theirSequenceNumber++
		return nil
	case seq < m.theirSequenceNumber:
		return kerlberos.ErrDuplicateToken
	default:
		return kerlberos.ErrGapToken
	}
}

func marshalLegacy(rec []byte) ([]byte, error) {
	tok := kRB5Token{
		oID:    oID(),
		tokID:  rec[0:2],
		legacy: rec[2:],
	}

	return tok.marshal()
}

func unmarshalLegacy(tokenIn []byte, wantID string) ([]byte, error) {
	tok := kRB5Token{}
	if err := tok.unmarshal(tokenIn); err != nil {
		return nil, err
	}
	if tok.legacy == nil || hex.EncodeToString(tok.tokID) != wantID {
		return nil, kerlberos.DefectiveToken("unexpected token type in legacy framing")
	}

	return append(append([]byte(nil), tok.tokID...), tok.legacy...), nil
}

func (m *Krb5Context) getAPReqMessage() (apreq messages.APReq, err error) {
	auth, err := types.NewAuthenticator(m.localRealm, *m.localName)
	if err != nil {
		err = fmt.Errorf("gssapi: generating new authenticator: %s", err)
		return
	}

	// MIT compatibility: keep initial sequence numbers below 2^30 so
	// implementations using signed 32 bit sequence numbers accept them
	auth.SeqNumber &= 0x3fffffff

	// a fresh subkey of the ticket session key's enctype
	encType, err := crypto.GetEtype(m.sessionKey.KeyType)
	if err != nil {
		err = fmt.Errorf("gssapi: %s", err)
		return
	}
	subKey, err := GenerateBaseKey(encType)
	if err != nil {
		err = fmt.Errorf("gssapi: generating initiator subkey: %s", err)
		return
	}
	auth.SubKey = subKey

	var cksum []byte
	cksum, err = newAuthenticatorChksum(m.requestFlags, m.channelBinding, *m.sessionKey)
	if err != nil {
		return
	}
	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  cksum,
	}

	apreq, err = messages.NewAPReq(*m.ticket, *m.sessionKey, auth)
	if err != nil {
		err = fmt.Errorf("gssapi: %s", err)
		return
	}

	// set the Kerberos APREQ MUTUAL-REQUIRED option if we've been asked to
	// perform mutual auth
	if m.requestFlags&kerlberos.ContextFlagMutual != 0 {
		types.SetFlag(&apreq.APOptions, ianaflags.APOptionMutualRequired)
	}

	// both sequence counters start from the nonce; the receive counter is
	// replaced by the acceptor's own ISN if mutual auth completes
	// Authenticator.SeqNumber is actually a 32 bit number (in the protocol),
	// so the cast here is safe
	m.ourSequenceNumber = uint64(auth.SeqNumber)
	m.theirSequenceNumber = m.ourSequenceNumber
	m.initiatorSubKey = &subKey

	// stash the APReq time fields for use in mutual authentication
	m.clientCTime = auth.CTime
	m.clientCusec = auth.Cusec

	return apreq, err
}

func (m *Krb5Context) getAPRepMessage() (aprep aPRep, err error) {
	seq, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		return
	}

	/*
	 * Work around implementation incompatibilities by not generating
	 * initial sequence numbers greater than 2^30.  Previous MIT
	 * implementations use signed sequence numbers, so initial
	 * sequence numbers 2^31 to 2^32-1 inclusive will be rejected.
	 * Letting the maximum initial sequence number be 2^30-1 allows
	 * for about 2^30 messages to be sent before wrapping into
	 * "negative" numbers.
	 */
	seqNum := seq.Int64() & 0x3fffffff

	// a fresh acceptor subkey of the ticket session key's enctype
	encType, err := crypto.GetEtype(m.sessionKey.KeyType)
	if err != nil {
		err = fmt.Errorf("gssapi: %s", err)
		return
	}
	subKey, err := GenerateBaseKey(encType)
	if err != nil {
		err = fmt.Errorf("gssapi: generating acceptor subkey: %s", err)
		return
	}

	encPart := encAPRepPart{
		CTime:          m.clientCTime, // copied from the APReq
		Cusec:          m.clientCusec,
		Subkey:         subKey,
		SequenceNumber: seqNum,
	}

	aprep, err = newAPRep(*m.ticket, *m.sessionKey, encPart)
	if err != nil {
		err = fmt.Errorf("gssapi: %s", err)
		return
	}

	m.acceptorSubKey = &subKey
	m.ourSequenceNumber = uint64(seqNum)
	return aprep, err
}

func (m *Krb5Context) krbClientWithPrincipal(principal, keytabPath, krbconfPath, service string) (err error) {
	unameAndRealm := strings.Split(principal, "@")
	if len(unameAndRealm) != 2 {
		return fmt.Errorf("gssapi: invalid principal '%s', should be formatted as uname@realm", principal)
	}
	if len(keytabPath) == 0 {
		keytabPath = krbKtFile()
	}
	if len(krbconfPath) == 0 {
		krbconfPath = krbConfFile()
	}

	cfg, err := config.Load(krbconfPath)
	if err != nil {
		return fmt.Errorf("gssapi: loading krb5.conf: %w", err)
	}
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return fmt.Errorf("gssapi: loading keytab: %w", err)
	}
	m.krbClient = client.NewWithKeytab(unameAndRealm[0], unameAndRealm[1], kt, cfg)

	return m.krbGetServiceTicket(service)
}

func (m *Krb5Context) krbClientInit(service string) (err error) {
	cfgFile := krbConfFile()
	ccFile := krbCCFile()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("gssapi: loading krb5.conf: %w", err)
	}

	ccache, err := credentials.LoadCCache(ccFile)
	if err != nil {
		return fmt.Errorf("gssapi: loading credentials cache: %w", err)
	}

	m.krbClient, err = client.NewFromCCache(ccache, cfg)
	if err != nil {
		return fmt.Errorf("gssapi: creating krb5 client: %w", err)
	}

	return m.krbGetServiceTicket(service)
}

func (m *Krb5Context) krbGetServiceTicket(service string) (err error) {
	if err := m.krbClient.AffirmLogin(); err != nil {
		return fmt.Errorf("gssapi: checking TGT: %s", err)
	}

	tkt, key, err := m.krbClient.GetServiceTicket(service)
	if err != nil {
		return fmt.Errorf("gssapi: getting service ticket for '%s': %s", service, err)
	}
	m.ticket, m.sessionKey, m.service = &tkt, &key, service

	m.localRealm = m.krbClient.Credentials.Domain()
	cname := m.krbClient.Credentials.CName()
	m.localName = &cname
	m.peerRealm = tkt.Realm
	m.peerName = &tkt.SName

	return nil
}

func krbConfFile() string {
	cfgFile, ok := os.LookupEnv("KRB5_CONFIG")
	if !ok {
		cfgFile = "/etc/krb5.conf"
	}

	return cfgFile
}

func krbCCFile() string {
	ccFile, ok := os.LookupEnv("KRB5CCNAME")
	if !ok {
		ccFile = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}

	return strings.TrimPrefix(ccFile, "FILE:")
}

func krbKtFile() string {
	ktFile, ok := os.LookupEnv("KRB5_KTNAME")
	if !ok {
		ktFile = fmt.Sprintf("/var/kerberos/krb5/user/%d/client.keytab", os.Getuid())
	}

	return strings.TrimPrefix(ktFile, "FILE:")
}

func (m *Krb5Context) newWrapToken(payload []byte, sealed bool) (token wrapToken, err error) {
	key, flags := m.sendKey()

	if !m.isInitiator {
		flags |= gSSMessageTokenFlagSentByAcceptor
	}
	if sealed {
		flags |= gSSMessageTokenFlagSealed
	}

	token = wrapToken{
		Flags:          flags,
		SequenceNumber: m.ourSequenceNumber,
		Payload:        append([]byte(nil), payload...),
	}

	// encrypt or sign the payload, see RFC 4121 § 4.2.4
	if sealed {
		err = token.Seal(key)
	} else {
		err = token.Sign(key)
	}

	return token, err
}

// must return useful Kerberos error codes here so we can respond
// appropriately to the client if necessary.
//
// This validation routine does *NOT* currently check addresses;  this
// behaviour should depend on the local kerberos configuration
func (m *Krb5Context) verifyAPReq(kt *keytab.Keytab, apreq *messages.APReq) (err error, krbError error) {
	// make sure the keytab has a chance of decrypting the ticket before
	// touching the crypto
	if krbError = keytabSelect(kt, apreq.Ticket); krbError != nil {
		err = krbError
		return
	}

	err = apreq.Ticket.DecryptEncPart(kt, &apreq.Ticket.SName)
	if _, ok := err.(messages.KRBError); ok {
		krbError = err
		return
	} else if err != nil {
		krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY, "could not decrypt ticket")
		return
	}

	// Check time validity of the ticket
	now := time.Now().UTC()
	if now.After(apreq.Ticket.DecryptedEncPart.EndTime) {
		err = fmt.Errorf("gssapi: service ticket expired at %v", apreq.Ticket.DecryptedEncPart.EndTime)
		krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, ianaerrcode.KRB_AP_ERR_TKT_EXPIRED, "service ticket has expired")
		return
	}

	// Decrypt authenticator with session key from ticket's encrypted part
	err = apreq.DecryptAuthenticator(apreq.Ticket.DecryptedEncPart.Key)
	if err != nil {
		krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY, "could not decrypt authenticator")
		return
	}

	// Check the client identity in the authenticator is the same as that in the ticket
	if apreq.Authenticator.CRealm != apreq.Ticket.DecryptedEncPart.CRealm ||
		!apreq.Authenticator.CName.Equal(apreq.Ticket.DecryptedEncPart.CName) {
		err = fmt.Errorf("gssapi: client identity in authenticator does not match service ticket")
		krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, ianaerrcode.KRB_AP_ERR_BADMATCH, "CName in Authenticator does not match that in service ticket")
		return
	}

	// Check the clock skew between the client and the service server
	skew := m.skew()
	ct := apreq.Authenticator.CTime.Add(time.Duration(apreq.Authenticator.Cusec) * time.Microsecond)
	if now.Sub(ct) > skew || ct.Sub(now) > skew {
		err = fmt.Errorf("gssapi: clock skew with client too large")
		krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, ianaerrcode.KRB_AP_ERR_SKEW, fmt.Sprintf("clock skew with client too large. greater than %v seconds", skew))
		return
	}

	// Validate the GSSAPI checksum if the client sent one;  some Microsoft
	// implementations send none at all, which we tolerate
	cksum := apreq.Authenticator.Cksum
	if len(cksum.Checksum) > 0 {
		if cksum.CksumType != chksumtype.GSSAPI {
			err = fmt.Errorf("gssapi: wrong authenticator checksum type")
			krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, ianaerrcode.KRB_AP_ERR_INAPP_CKSUM, "wrong authenticator checksum type")
			return
		}

		_, code, verr := verifyAuthenticatorChksum(cksum.Checksum, apreq.Ticket.DecryptedEncPart.Key, 0, m.channelBinding)
		if verr != nil {
			err = fmt.Errorf("gssapi: %s", verr)
			krbError = messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, code, verr.Error())
			return
		}
	}

	return nil, nil
}

// keytabSelect checks that the keytab holds an entry usable for the
// ticket's service principal and key version, mirroring the lookup the
// decryption will perform, so that failures can be reported with the
// proper Kerberos codes.
func keytabSelect(kt *keytab.Keytab, tkt messages.Ticket) error {
	var nameMatch bool

	for _, e := range kt.Entries {
		if e.Principal.Realm != tkt.Realm && e.Principal.Realm != "" {
			continue
		}
		if len(e.Principal.Components) != len(tkt.SName.NameString) {
			continue
		}
		match := true
		for i, c := range e.Principal.Components {
			if c != tkt.SName.NameString[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}

		nameMatch = true
		if e.KVNO == uint32(tkt.EncPart.KVNO) || tkt.EncPart.KVNO == 0 {
			return nil
		}
	}

	if !nameMatch {
		return messages.NewKRBError(tkt.SName, tkt.Realm, ianaerrcode.KRB_AP_ERR_NOT_US, "service principal is not in the keytab")
	}

	return messages.NewKRBError(tkt.SName, tkt.Realm, ianaerrcode.KRB_AP_ERR_NOKEY, "no key for service principal with matching kvno")
}

func mkGssErrKrbCode(code int32, message string) (token []byte, err error) {
	ke := messages.NewKRBError(types.PrincipalName{}, "", code, message)
	return mkGssErrFromKrbErr(ke)
}

func mkGssErrFromKrbErr(ke messages.KRBError) (token []byte, err error) {
	tb, _ := hex.DecodeString(tokenIDKrbError)
	gssToken := kRB5Token{
		oID:      oID(),
		tokID:    tb,
		kRBError: &ke,
	}

	token, err = gssToken.marshal()
	if err == nil {
		// marshaled ok, return the kerberos error and token to the peer
		err = ke
	} else {
		// marshal failed, return that error and no token to send to the peer
		token = nil
	}

	return
}

// GenerateBaseKey makes a fresh random key of the given encryption type.
// The gokrb5 library doesn't handle the hash/integrity and the encryption
// keys being different lengths in aes256-cts-hmac-sha384-192, so that one
// is special-cased here.
func GenerateBaseKey(encType etype.EType) (types.EncryptionKey, error) {
	k := types.EncryptionKey{
		KeyType: encType.GetETypeID(),
	}

	kl := encType.GetKeyByteSize()
	if encType.GetETypeID() == etypeID.AES256_CTS_HMAC_SHA384_192 {
		kl = 32
	}

	b := make([]byte, kl)
	_, err := rand.Read(b)
	if err != nil {
		return k, err
	}
	k.KeyValue = b
	return k, nil
}
