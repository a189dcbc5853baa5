// SPDX-License-Identifier: Apache-2.0
package kerlberos

import (
	"fmt"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/types"
)

// GssNameType identifies a GSS-API display form for a principal name,
// as described in RFC 2743 § 4 and RFC 1964 § 2.1.
type GssNameType int

const (
	// User name form (RFC 1964 § 2.1.1),           "username" : named local user
	GssNtUserName GssNameType = iota

	// Host-based service form (RFC 2743 § 4.1),    "service@host"
	GssNtHostBasedService

	// Kerberos principal name form (RFC 1964 § 2.1.1), "comp1/comp2@REALM"
	GssNtKrb5PrincipalName
)

// order here needs to match the consts above!
var nameTypes = []struct {
	id   GssNameType
	name string
	oid  asn1.ObjectIdentifier
}{
	{GssNtUserName,
		"GSS_NT_USER_NAME",
		asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 1, 1}},

	{GssNtHostBasedService,
		"GSS_NT_HOSTBASED_SERVICE",
		asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 1, 4}},

	{GssNtKrb5PrincipalName,
		"GSS_KRB5_NT_PRINCIPAL_NAME",
		asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2, 1}},
}

// Oid returns the object identifier assigned to the name type.
func (t GssNameType) Oid() asn1.ObjectIdentifier {
	return nameTypes[t].oid
}

func (t GssNameType) String() string {
	return nameTypes[t].name
}

// NameTypeFromOid resolves an object identifier to a name type, failing
// with ErrBadTargetOID for identifiers that do not denote a supported
// display form.
func NameTypeFromOid(oid asn1.ObjectIdentifier) (GssNameType, error) {
	for _, nt := range nameTypes {
		if nt.oid.Equal(oid) {
			return nt.id, nil
		}
	}

	return 0, Status{Routine: StatusBadNameType, Detail: oid.String()}
}

// TranslateName projects a Kerberos principal onto one of the GSS-API
// display forms:
//
//	GSS_NT_USER_NAME:            single-component KRB_NT_PRINCIPAL, the bare component
//	GSS_NT_HOSTBASED_SERVICE:    two-component KRB_NT_SRV_INST as "service@host"
//	GSS_KRB5_NT_PRINCIPAL_NAME:  any name type, "comp1/comp2@REALM"
//
// Principals whose shape does not fit the requested form fail with
// ErrBadName.
func TranslateName(realm string, name types.PrincipalName, target GssNameType) (string, error) {
	switch target {
	case GssNtUserName:
		if name.NameType != nametype.KRB_NT_PRINCIPAL || len(name.NameString) != 1 {
			return "", Status{Routine: StatusBadName, Detail: nameShape(realm, name)}
		}
		return name.NameString[0], nil

	case GssNtHostBasedService:
		if name.NameType != nametype.KRB_NT_SRV_INST || len(name.NameString) != 2 {
			return "", Status{Routine: StatusBadName, Detail: nameShape(realm, name)}
		}
		return name.NameString[0] + "@" + name.NameString[1], nil

	case GssNtKrb5PrincipalName:
		return strings.Join(name.NameString, "/") + "@" + realm, nil
	}

	return "", Status{Routine: StatusBadNameType, Detail: fmt.Sprintf("name type %d", target)}
}

func nameShape(realm string, name types.PrincipalName) string {
	return fmt.Sprintf("%d-component principal of type %d in realm %s",
		len(name.NameString), name.NameType, realm)
}
