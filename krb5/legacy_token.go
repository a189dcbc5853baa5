// SPDX-License-Identifier: Apache-2.0
package krb5

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/vocalvogel/kerlberos"
)

/*
 * RFC 1964 per-message tokens for the des3-cbc-sha1-kd enctype, with the
 * HMAC-SHA1 signature algorithm from draft-raeburn-krb-des3-gssapi.
 *
 * Unlike the v2 tokens these are carried inside the generic GSS-API
 * initial-token framing, and the protection key is always the ticket
 * session key, never a negotiated subkey.
 */

// RFC 1964 § 1.2.1 signature algorithms, as big-endian 16 bit values
type legacySigAlg uint16

const (
	sigAlgDesMacMD5    legacySigAlg = 0x0000
	sigAlgMD25         legacySigAlg = 0x0100
	sigAlgDesMac       legacySigAlg = 0x0200
	sigAlgHmacSha1Des3 legacySigAlg = 0x0400
	sigAlgHmacMD5Rc4   legacySigAlg = 0x1100
)

// RFC 1964 § 1.2.2 seal algorithms
type legacySealAlg uint16

const (
	sealAlgNone legacySealAlg = 0xFFFF
	sealAlgDes  legacySealAlg = 0x0000
	sealAlgDes3 legacySealAlg = 0x0200
	sealAlgRc4  legacySealAlg = 0x1000
)

// KG_USAGE_SIGN from MIT Kerberos (gssapiP_krb5.h); the key usage for
// the token checksum key derivation.
const keyUsageLegacySign = 23

const (
	legacyMICHdrLen  = 8 // token ID, sig alg, 4 filler octets
	legacyWrapHdrLen = 8 // token ID, sig alg, seal alg, 2 filler octets
	legacyCksumLen   = 20
	legacySeqLen     = 8
)

func legacyMICHeader() []byte {
	return []byte{0x01, 0x01, 0x04, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
}

func legacyWrapHeader(sealed bool) []byte {
	hdr := []byte{0x02, 0x01, 0x04, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	if sealed {
		binary.BigEndian.PutUint16(hdr[4:6], uint16(sealAlgDes3))
	}

	return hdr
}

// newLegacyMICToken creates an RFC 1964 MIC record (including the two
// token ID octets, excluding the initial-token framing) over payload.
func newLegacyMICToken(key types.EncryptionKey, payload []byte, seq uint64, sentByAcceptor bool) ([]byte, error) {
	if key.KeyType != etypeID.DES3_CBC_SHA1_KD {
		return nil, fmt.Errorf("gssapi: legacy MIC tokens require des3-cbc-sha1-kd, not etype %d", key.KeyType)
	}

	hdr := legacyMICHeader()

	cksum, err := legacyChecksum(key, hdr, payload)
	if err != nil {
		return nil, err
	}

	seqEnc, err := legacySeqEncrypt(key, cksum[0:8], seq, sentByAcceptor)
	if err != nil {
		return nil, err
	}

	rec := make([]byte, 0, legacyMICHdrLen+legacySeqLen+legacyCksumLen)
	rec = append(rec, hdr...)
	rec = append(rec, seqEnc...)
	rec = append(rec, cksum...)

	return rec, nil
}

// verifyLegacyMICToken checks an RFC 1964 MIC record against payload and
// returns the recovered sequence number.
func verifyLegacyMICToken(key types.EncryptionKey, payload, rec []byte, expectFromAcceptor bool) (seq uint64, err error) {
	if len(rec) != legacyMICHdrLen+legacySeqLen+legacyCksumLen {
		return 0, kerlberos.DefectiveToken("bad legacy MIC token length")
	}
	if err = checkLegacyHeader(rec, legacyMICHeader()); err != nil {
		return 0, err
	}

	seqEnc := rec[8:16]
	cksum := rec[16:36]

	want, err := legacyChecksum(key, rec[0:legacyMICHdrLen], payload)
	if err != nil {
		return 0, err
	}
	if !hmac.Equal(cksum, want) {
		return 0, kerlberos.Status{Routine: kerlberos.StatusBadMIC, Detail: "invalid legacy MIC token checksum"}
	}

	return legacySeqDecrypt(key, cksum[0:8], seqEnc, expectFromAcceptor)
}

// newLegacyWrapToken creates an RFC 1964 Wrap record over payload; when
// sealed the { confounder | data | padding } block is encrypted with the
// des3 seal algorithm, otherwise it is carried in the clear.
func newLegacyWrapToken(key types.EncryptionKey, payload []byte, seq uint64, sentByAcceptor, sealed bool) ([]byte, error) {
	if key.KeyType != etypeID.DES3_CBC_SHA1_KD {
		return nil, fmt.Errorf("gssapi: legacy wrap tokens require des3-cbc-sha1-kd, not etype %d", key.KeyType)
	}

	hdr := legacyWrapHeader(sealed)

	confounder := make([]byte, 8)
	if _, err := rand.Read(confounder); err != nil {
		return nil, fmt.Errorf("gssapi: %s", err)
	}

	confDataPad := make([]byte, 0, 8+len(payload)+8)
	confDataPad = append(confDataPad, confounder...)
	confDataPad = append(confDataPad, payload...)
	confDataPad = desPad(confDataPad, len(payload))

	cksum, err := legacyChecksum(key, hdr, confDataPad)
	if err != nil {
		return nil, err
	}

	seqEnc, err := legacySeqEncrypt(key, cksum[0:8], seq, sentByAcceptor)
	if err != nil {
		return nil, err
	}

	ciphertext := confDataPad
	if sealed {
		ciphertext, err = desEde3Cbc(key.KeyValue, make([]byte, 8), confDataPad, true)
		if err != nil {
			return nil, err
		}
	}

	rec := make([]byte, 0, legacyWrapHdrLen+legacySeqLen+legacyCksumLen+len(ciphertext))
	rec = append(rec, hdr...)
	rec = append(rec, seqEnc...)
	rec = append(rec, cksum...)
	rec = append(rec, ciphertext...)

	return rec, nil
}

// verifyLegacyWrapToken unseals an RFC 1964 Wrap record and returns the
// original payload, the recovered sequence number and whether the record
// was encrypted.
func verifyLegacyWrapToken(key types.EncryptionKey, rec []byte, expectFromAcceptor bool) (payload []byte, seq uint64, sealed bool, err error) {
	// minimum: headers plus a confounder and one full padding block
	if len(rec) < legacyWrapHdrLen+legacySeqLen+legacyCksumLen+16 {
		return nil, 0, false, kerlberos.DefectiveToken("legacy wrap token is too short")
	}
	if err = checkLegacyHeader(rec, legacyWrapHeader(false)); err != nil {
		return nil, 0, false, err
	}
	sealed = legacySealAlg(binary.BigEndian.Uint16(rec[4:6])) == sealAlgDes3

	seqEnc := rec[8:16]
	cksum := rec[16:36]
	confDataPad := rec[36:]
	if len(confDataPad)%8 != 0 {
		return nil, 0, false, kerlberos.DefectiveToken("legacy wrap token data is not block aligned")
	}

	if sealed {
		confDataPad, err = desEde3Cbc(key.KeyValue, make([]byte, 8), confDataPad, false)
		if err != nil {
			return nil, 0, false, err
		}
	}

	want, err := legacyChecksum(key, rec[0:legacyWrapHdrLen], confDataPad)
	if err != nil {
		return nil, 0, false, err
	}
	if !hmac.Equal(cksum, want) {
		return nil, 0, false, kerlberos.Status{Routine: kerlberos.StatusBadMIC, Detail: "invalid legacy wrap token checksum"}
	}

	seq, err = legacySeqDecrypt(key, cksum[0:8], seqEnc, expectFromAcceptor)
	if err != nil {
		return nil, 0, false, err
	}

	padLen := int(confDataPad[len(confDataPad)-1])
	if padLen < 1 || padLen > 8 || padLen > len(confDataPad)-8 {
		return nil, 0, false, kerlberos.DefectiveToken("bad legacy wrap token padding")
	}

	return confDataPad[8 : len(confDataPad)-padLen], seq, sealed, nil
}

func checkLegacyHeader(rec, want []byte) error {
	if rec[0] != want[0] || rec[1] != want[1] {
		return kerlberos.DefectiveToken("bad legacy token ID")
	}

	sigAlg := legacySigAlg(binary.BigEndian.Uint16(rec[2:4]))
	switch sigAlg {
	case sigAlgHmacSha1Des3:
	case sigAlgDesMacMD5, sigAlgMD25, sigAlgDesMac, sigAlgHmacMD5Rc4:
		return kerlberos.DefectiveToken(fmt.Sprintf("unsupported legacy signature algorithm 0x%04x", uint16(sigAlg)))
	default:
		return kerlberos.DefectiveToken(fmt.Sprintf("unknown legacy signature algorithm 0x%04x", uint16(sigAlg)))
	}

	if want[0] == 0x02 { // wrap tokens carry a seal algorithm
		sealAlg := legacySealAlg(binary.BigEndian.Uint16(rec[4:6]))
		switch sealAlg {
		case sealAlgDes3, sealAlgNone:
		case sealAlgDes, sealAlgRc4:
			return kerlberos.DefectiveToken(fmt.Sprintf("unsupported legacy seal algorithm 0x%04x", uint16(sealAlg)))
		default:
			return kerlberos.DefectiveToken(fmt.Sprintf("unknown legacy seal algorithm 0x%04x", uint16(sealAlg)))
		}
		if rec[6] != 0xFF || rec[7] != 0xFF {
			return kerlberos.DefectiveToken("invalid legacy token (bad filler)")
		}
	} else {
		if rec[4] != 0xFF || rec[5] != 0xFF || rec[6] != 0xFF || rec[7] != 0xFF {
			return kerlberos.DefectiveToken("invalid legacy token (bad filler)")
		}
	}

	return nil
}

// legacyChecksum computes the token checksum: HMAC-SHA1 under the
// derived signing key over { first 8 header octets | data }.
func legacyChecksum(key types.EncryptionKey, hdr, data []byte) ([]byte, error) {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("gssapi: %s", err)
	}

	toMAC := make([]byte, 0, len(hdr)+len(data))
	toMAC = append(toMAC, hdr...)
	toMAC = append(toMAC, data...)

	cksum, err := encType.GetChecksumHash(key.KeyValue, toMAC, keyUsageLegacySign)
	if err != nil {
		return nil, fmt.Errorf("gssapi: %s", err)
	}

	return cksum, nil
}

// legacySeqEncrypt protects the 4-byte little-endian sequence number and
// the 4-byte direction indicator.  Deliberate interop quirk: MIT uses the
// raw ticket session key here, not a derived key, diverging from
// draft-raeburn; we must do the same to interoperate.
func legacySeqEncrypt(key types.EncryptionKey, iv []byte, seq uint64, sentByAcceptor bool) ([]byte, error) {
	plain := make([]byte, 8)
	binary.LittleEndian.PutUint32(plain[0:4], uint32(seq))
	if sentByAcceptor {
		plain[4], plain[5], plain[6], plain[7] = 0xFF, 0xFF, 0xFF, 0xFF
	}

	return desEde3Cbc(key.KeyValue, iv, plain, true)
}

func legacySeqDecrypt(key types.EncryptionKey, iv, seqEnc []byte, expectFromAcceptor bool) (uint64, error) {
	plain, err := desEde3Cbc(key.KeyValue, iv, seqEnc, false)
	if err != nil {
		return 0, err
	}

	var fromAcceptor bool
	switch {
	case plain[4] == 0x00 && plain[5] == 0x00 && plain[6] == 0x00 && plain[7] == 0x00:
		fromAcceptor = false
	case plain[4] == 0xFF && plain[5] == 0xFF && plain[6] == 0xFF && plain[7] == 0xFF:
		fromAcceptor = true
	default:
		return 0, kerlberos.DefectiveToken("bad direction indicator in legacy token")
	}

	if fromAcceptor != expectFromAcceptor {
		return 0, kerlberos.UnseqToken(fmt.Sprintf("legacy token from acceptor: %t, expect from acceptor: %t", fromAcceptor, expectFromAcceptor))
	}

	return uint64(binary.LittleEndian.Uint32(plain[0:4])), nil
}

// desPad appends RFC 1964 DES padding: between 1 and 8 octets, each
// holding the pad length, always ending on a block boundary.  A message
// already on a boundary gains a full block of 0x08.
func desPad(buf []byte, msgLen int) []byte {
	padLen := 8 - msgLen%8

	for i := 0; i < padLen; i++ {
		buf = append(buf, byte(padLen))
	}

	return buf
}

// desEde3Cbc runs the raw three-key triple-DES CBC transform.  The
// Kerberos crypto provider only exposes the RFC 3961 usage-derived
// operations, and these legacy fields are encrypted with the bare key.
func desEde3Cbc(key, iv, in []byte, encrypt bool) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gssapi: %s", err)
	}

	out := make([]byte, len(in))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, in)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, in)
	}

	return out, nil
}
