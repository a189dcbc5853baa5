// SPDX-License-Identifier: Apache-2.0
package krb5

/*
 * Derived from github.com/jcmturner/gokrb5/v8/spnego/krb5Token.go
 *
 * The modified version adds functionality to marshal an APReq message
 * to be used as part of a mutually-authenticated GSSAPI security
 * context; verification is moved out.  RFC 1964 per-message tokens,
 * which use the same initial-token framing, are carried as opaque
 * records for the legacy token layer to interpret.
 */

import (
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/messages"

	"github.com/vocalvogel/kerlberos"
)

// GSSAPI KRB5 MechToken IDs.
const (
	tokenIDKrbAPReq = "0100"
	tokenIDKrbAPRep = "0200"
	tokenIDKrbError = "0300"
	tokenIDMICv1    = "0101"
	tokenIDWrapv1   = "0201"
)

func oID() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
}

// kRB5Token context token implementation for GSSAPI.  Exactly one of
// the payload fields is set; no cryptography happens at this layer.
type kRB5Token struct {
	oID      asn1.ObjectIdentifier
	tokID    []byte
	aPReq    *messages.APReq
	aPRep    *aPRep
	kRBError *messages.KRBError
	legacy   []byte // raw RFC 1964 MIC/Wrap record, framing stripped
}

// marshal a KRB5Token into a slice of bytes.
func (m *kRB5Token) marshal() (outTok []byte, err error) {
	// Create the header
	b, _ := asn1.Marshal(m.oID)
	b = append(b, m.tokID...)
	var tb []byte
	switch hex.EncodeToString(m.tokID) {
	case tokenIDKrbAPReq:
		tb, err = m.aPReq.Marshal()
		if err != nil {
			err = fmt.Errorf("gssapi: error marshalling AP-REQ for MechToken: %v", err)
		}
	case tokenIDKrbAPRep:
		tb, err = m.aPRep.marshal()
		if err != nil {
			err = fmt.Errorf("gssapi: error marshalling AP-REP for MechToken: %v", err)
		}
	case tokenIDKrbError:
		tb, err = m.kRBError.Marshal()
		if err != nil {
			err = fmt.Errorf("gssapi: error marshalling KRB-ERROR for MechToken: %v", err)
		}
	case tokenIDMICv1, tokenIDWrapv1:
		tb = m.legacy
	default:
		err = fmt.Errorf("gssapi: unknown MechToken ID %s", hex.EncodeToString(m.tokID))
	}
	if err != nil {
		return
	}
	b = append(b, tb...)

	outTok = asn1tools.AddASNAppTag(b, 0)
	return
}

// unmarshal a KRB5Token.
func (m *kRB5Token) unmarshal(b []byte) error {
	m.aPReq = nil
	m.aPRep = nil
	m.kRBError = nil
	m.legacy = nil

	var oid asn1.ObjectIdentifier
	r, err := asn1.UnmarshalWithParams(b, &oid, fmt.Sprintf("application,explicit,tag:%v", 0))
	if err != nil {
		return kerlberos.DefectiveToken(fmt.Sprintf("error unmarshalling KRB5Token OID: %v", err))
	}
	if !oid.Equal(oID()) {
		return kerlberos.Status{Routine: kerlberos.StatusBadMech, Detail: oid.String()}
	}
	m.oID = oid
	if len(r) < 2 {
		return kerlberos.DefectiveToken("krb5token too short")
	}
	m.tokID = r[0:2]
	switch hex.EncodeToString(m.tokID) {
	case tokenIDKrbAPReq:
		if err = derSingleValue(r[2:]); err != nil {
			return err
		}
		var a messages.APReq
		err = a.Unmarshal(r[2:])
		if err != nil {
			return kerlberos.DefectiveToken(fmt.Sprintf("error unmarshalling KRB5Token AP_REQ: %v", err))
		}
		m.aPReq = &a
	case tokenIDKrbAPRep:
		if err = derSingleValue(r[2:]); err != nil {
			return err
		}
		var a aPRep
		if err = a.unmarshal(r[2:]); err != nil {
			return err
		}
		m.aPRep = &a
	case tokenIDKrbError:
		if err = derSingleValue(r[2:]); err != nil {
			return err
		}
		var a messages.KRBError
		err = a.Unmarshal(r[2:])
		if err != nil {
			return kerlberos.DefectiveToken(fmt.Sprintf("error unmarshalling KRB5Token KRBError: %v", err))
		}
		m.kRBError = &a
	case tokenIDMICv1, tokenIDWrapv1:
		m.legacy = r[2:]
	default:
		return kerlberos.DefectiveToken(fmt.Sprintf("unknown MechToken ID %s", hex.EncodeToString(m.tokID)))
	}
	return nil
}

// derSingleValue requires the token payload to be exactly one DER value.
// The inner message decoders ignore anything past the encoding they
// consume, so trailing garbage has to be rejected here.
func derSingleValue(b []byte) error {
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(b, &raw)
	if err != nil {
		return kerlberos.DefectiveToken(fmt.Sprintf("bad token payload: %v", err))
	}
	if len(rest) != 0 {
		return kerlberos.DefectiveToken("trailing bytes after token payload")
	}

	return nil
}
