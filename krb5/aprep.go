// SPDX-License-Identifier: Apache-2.0
package krb5

/*
 * AP-REP support.  gokrb5 models the AP-REP message but only plays the
 * client side and cannot marshal one, so the message and its encrypted
 * part are defined here with both directions of the codec.  The ASN.1
 * shape is fixed by RFC 4120 § 5.5.2.
 */

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/vocalvogel/kerlberos"
)

// aPRep is the KRB_AP_REP message the acceptor answers with when mutual
// authentication is negotiated.
type aPRep struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	EncPart types.EncryptedData `asn1:"explicit,tag:2"`
}

// encAPRepPart is the private part of KRB_AP_REP: the echoed request
// times plus the acceptor's sequence number and optional subkey.
type encAPRepPart struct {
	CTime          time.Time           `asn1:"generalized,explicit,tag:0"`
	Cusec          int                 `asn1:"explicit,tag:1"`
	Subkey         types.EncryptionKey `asn1:"optional,explicit,tag:2"`
	SequenceNumber int64               `asn1:"optional,explicit,tag:3"`
}

func (a *aPRep) unmarshal(b []byte) error {
	_, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.APREP))
	if err != nil {
		return kerlberos.DefectiveToken(fmt.Sprintf("AP-REP unmarshal: %v", err))
	}
	if a.MsgType != msgtype.KRB_AP_REP {
		return kerlberos.DefectiveToken(fmt.Sprintf("message type %d is not a KRB_AP_REP", a.MsgType))
	}
	return nil
}

func (a *aPRep) marshal() (b []byte, err error) {
	b, err = asn1.Marshal(*a)
	if err != nil {
		return
	}

	b = asn1tools.AddASNAppTag(b, asnAppTag.APREP)
	return
}

// decryptEncPart opens the private part using the ticket session key.
// Decryption failure is left untyped; the state machine decides what a
// bad AP-REP means for the context.
func (a *aPRep) decryptEncPart(sessionKey types.EncryptionKey) (encpart encAPRepPart, err error) {
	decrypted, err := crypto.DecryptEncPart(a.EncPart, sessionKey, uint32(keyusage.AP_REP_ENCPART))
	if err != nil {
		err = fmt.Errorf("decrypting AP-REP enc-part: %v", err)
		return
	}

	err = encpart.unmarshal(decrypted)
	return
}

func (a *encAPRepPart) unmarshal(b []byte) error {
	_, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.EncAPRepPart))
	if err != nil {
		return kerlberos.DefectiveToken(fmt.Sprintf("AP-REP enc-part unmarshal: %v", err))
	}
	return nil
}

func (a *encAPRepPart) marshal() (b []byte, err error) {
	b, err = asn1.Marshal(*a)
	if err != nil {
		return
	}

	b = asn1tools.AddASNAppTag(b, asnAppTag.EncAPRepPart)
	return
}

// newAPRep seals encPart under the ticket session key, producing the
// message the acceptor returns for mutual authentication.
func newAPRep(tkt messages.Ticket, sessionKey types.EncryptionKey, encPart encAPRepPart) (a aPRep, err error) {
	m, err := encPart.marshal()
	if err != nil {
		err = fmt.Errorf("gssapi: marshalling AP-REP enc-part: %s", err)
		return
	}

	ed, err := crypto.GetEncryptedData(m, sessionKey, uint32(keyusage.AP_REP_ENCPART), tkt.EncPart.KVNO)
	if err != nil {
		err = fmt.Errorf("gssapi: encrypting AP-REP enc-part: %s", err)
		return
	}

	a = aPRep{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ed,
	}
	return
}
