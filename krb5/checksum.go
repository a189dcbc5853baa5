// SPDX-License-Identifier: Apache-2.0
package krb5

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/jcmturner/gokrb5/v8/crypto"
	ianaerrcode "github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/vocalvogel/kerlberos"
)

// KG_USAGE_NEW_CHECKSUM: key usage for the keyed MIC that may trail the
// GSS-API authenticator checksum (RFC 4121 conventions).
const keyUsageNewChecksum = 25

// delegation sub-record tag inside the 0x8003 checksum (RFC 1964 § 1.1.1)
const chksumDelegOptionID = 1

// Create the GSSAPI checksum for the authenticator.  This isn't really
// a checksum, it is a way to carry GSSAPI level context information in
// the Kerberos AP-REQ message. See RFC 4121 § 4.1.1
//
// When the ticket session key's mandatory checksum type is keyed, a MIC
// over the encoded channel bindings is appended after the flag word so
// the acceptor can verify the bindings were not substituted.
func newAuthenticatorChksum(flags kerlberos.ContextFlag, cb *kerlberos.ChannelBinding, tktKey types.EncryptionKey) ([]byte, error) {
	// 24 octet minimum length, up to and including context-establishment flags
	a := make([]byte, 24)

	// 4-byte length of "channel binding" info, always 16 bytes
	binary.LittleEndian.PutUint32(a[:4], 16)

	// Octets 4..19: Channel binding info
	if cb != nil {
		copy(a[4:20], cbChecksum(cb))
	}

	// Context-establishment flags
	binary.LittleEndian.PutUint32(a[20:24], uint32(flags))

	// Keyed trailer MIC over the bindings
	if checksumIsKeyed(tktKey.KeyType) {
		encType, err := crypto.GetEtype(tktKey.KeyType)
		if err != nil {
			return nil, fmt.Errorf("gssapi: %s", err)
		}

		mic, err := encType.GetChecksumHash(tktKey.KeyValue, cbEncode(cb), keyUsageNewChecksum)
		if err != nil {
			return nil, fmt.Errorf("gssapi: %s", err)
		}

		trailer := make([]byte, 8)
		binary.BigEndian.PutUint32(trailer[4:8], uint32(len(mic)))
		a = append(a, trailer...)
		a = append(a, mic...)
	}

	return a, nil
}

// authChksum is the decoded form of a 0x8003 checksum payload.
type authChksum struct {
	BindingsHash []byte
	Flags        kerlberos.ContextFlag
	Deleg        []byte // delegated KRB-CRED, parsed past but not consumed
	MIC          []byte
}

func parseAuthenticatorChksum(data []byte) (cs authChksum, err error) {
	if len(data) < 24 {
		return cs, errors.New("authenticator checksum too short")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != 16 {
		return cs, errors.New("bad bindings length in authenticator checksum")
	}

	cs.BindingsHash = data[4:20]
	cs.Flags = kerlberos.ContextFlag(binary.LittleEndian.Uint32(data[20:24]))
	rest := data[24:]

	// optional delegation block
	if len(rest) >= 4 && binary.LittleEndian.Uint16(rest[0:2]) == chksumDelegOptionID {
		dlen := int(binary.LittleEndian.Uint16(rest[2:4]))
		if len(rest) < 4+dlen {
			return cs, errors.New("truncated delegation block in authenticator checksum")
		}
		cs.Deleg = rest[4 : 4+dlen]
		rest = rest[4+dlen:]
	}

	// optional keyed MIC extension
	if len(rest) >= 8 && binary.BigEndian.Uint32(rest[0:4]) == 0 {
		mlen := int(binary.BigEndian.Uint32(rest[4:8]))
		if len(rest) < 8+mlen {
			return cs, errors.New("truncated MIC extension in authenticator checksum")
		}
		cs.MIC = rest[8 : 8+mlen]
	}

	return cs, nil
}

// verifyAuthenticatorChksum validates a received 0x8003 checksum against
// the local channel bindings and the acceptor's required flags.  A nonzero
// Kerberos error code is returned when the checksum must be refused.
//
// Interop notes: an all-zeros bindings hash is accepted when we have no
// local bindings, and an all-0xFF hash with a non-empty trailer is
// accepted regardless (older Microsoft clients send both forms).
func verifyAuthenticatorChksum(data []byte, tktKey types.EncryptionKey, required kerlberos.ContextFlag, cb *kerlberos.ChannelBinding) (flags kerlberos.ContextFlag, code int32, err error) {
	cs, err := parseAuthenticatorChksum(data)
	if err != nil {
		return 0, ianaerrcode.KRB_AP_ERR_INAPP_CKSUM, err
	}

	if cs.Flags&required != required {
		return 0, ianaerrcode.KRB_AP_ERR_INAPP_CKSUM, errors.New("peer did not assert the required context flags")
	}

	local := make([]byte, 16)
	if cb != nil {
		copy(local, cbChecksum(cb))
	}

	switch {
	case bytes.Equal(cs.BindingsHash, local):
	case bytes.Equal(cs.BindingsHash, make([]byte, 16)) && cb == nil:
	case bytes.Equal(cs.BindingsHash, bytes.Repeat([]byte{0xFF}, 16)) && len(cs.MIC) > 0:
	default:
		return 0, ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY, errors.New("channel binding mismatch")
	}

	if len(cs.MIC) > 0 {
		encType, eerr := crypto.GetEtype(tktKey.KeyType)
		if eerr != nil {
			return 0, ianaerrcode.KRB_AP_ERR_INAPP_CKSUM, eerr
		}
		if !encType.VerifyChecksum(tktKey.KeyValue, cbEncode(cb), cs.MIC, keyUsageNewChecksum) {
			return 0, ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY, errors.New("channel binding MIC mismatch")
		}
	}

	return cs.Flags, 0, nil
}

// cbEncode flattens channel bindings in the form hashed into the
// authenticator checksum: little-endian address types and lengths for
// the initiator and acceptor addresses, then the application data.
func cbEncode(cb *kerlberos.ChannelBinding) []byte {
	if cb == nil {
		cb = &kerlberos.ChannelBinding{}
	}

	bufSz := 5*4 + len(cb.Data) // 5 x 32 bit length fields plus the data

	// .. plus the length of the address data, if not null
	for _, addr := range []net.Addr{cb.InitiatorAddr, cb.AcceptorAddr} {
		if addr == nil {
			continue
		}

		switch c := addr.(type) {
		case *net.IPAddr:
			bufSz += ipLength(c.IP)
		case *net.TCPAddr:
			bufSz += ipLength(c.IP)
		case *net.UDPAddr:
			bufSz += ipLength(c.IP)
		case *net.UnixAddr:
			bufSz += len(c.Name)
		}
	}

	buf := make([]byte, 0, bufSz)

	// write the address types and address data
	for _, addr := range []net.Addr{cb.InitiatorAddr, cb.AcceptorAddr} {
		addrType := 0
		addrData := []byte{}

		if addr != nil {
			switch c := addr.(type) {
			case *net.IPAddr:
				addrType = int(kerlberos.GssAddrFamilyINET)
				addrData = ipData(c.IP)
			case *net.TCPAddr:
				addrType = int(kerlberos.GssAddrFamilyINET)
				addrData = ipData(c.IP)
			case *net.UDPAddr:
				addrType = int(kerlberos.GssAddrFamilyINET)
				addrData = ipData(c.IP)
			case *net.UnixAddr:
				addrType = int(kerlberos.GssAddrFamilyLOCAL)
				addrData = []byte(c.Name)
			}
		}

		// write little endian 32-bit address type and address size
		bufTmp := [8]byte{}
		binary.LittleEndian.PutUint32(bufTmp[:], uint32(addrType))
		binary.LittleEndian.PutUint32(bufTmp[4:], uint32(len(addrData)))
		buf = append(buf, bufTmp[:]...)

		// write the address data
		buf = append(buf, addrData...)
	}

	// write the data
	bufTmp := [4]byte{}
	binary.LittleEndian.PutUint32(bufTmp[:], uint32(len(cb.Data)))
	buf = append(buf, bufTmp[:]...)
	buf = append(buf, cb.Data...)

	return buf
}

func cbChecksum(cb *kerlberos.ChannelBinding) []byte {
	hashed := md5.Sum(cbEncode(cb))
	return hashed[:]
}

func ipLength(addr net.IP) int {
	if addr.To4() != nil {
		return 4
	}
	if addr.To16() != nil {
		return 16
	}

	return 0
}

func ipData(addr net.IP) (ret net.IP) {
	if ret = addr.To4(); ret != nil {
		return ret
	}

	if ret = addr.To16(); ret != nil {
		return ret
	}

	return nil
}
