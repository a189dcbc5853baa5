// SPDX-License-Identifier: Apache-2.0
package krb5

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	ianaerrcode "github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalvogel/kerlberos"
)

func TestAuthenticatorChksumLayout(t *testing.T) {
	t.Parallel()

	key := mkSampleAESKey()
	cs, err := newAuthenticatorChksum(kerlberos.ContextFlagDefault|kerlberos.ContextFlagMutual, nil, key)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(cs), 24)
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(cs[0:4]), "bad bindings length field")
	assert.Equal(t, make([]byte, 16), cs[4:20], "bindings hash should be zero without bindings")
	assert.Equal(t, uint32(0x3A), binary.LittleEndian.Uint32(cs[20:24]), "bad flag word")

	// AES session keys have a keyed checksum type, so a MIC trailer follows
	require.Greater(t, len(cs), 24)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(cs[24:28]), "bad MIC extension tag")
	micLen := binary.BigEndian.Uint32(cs[28:32])
	assert.Equal(t, int(micLen), len(cs)-32, "bad MIC extension length")
}

func TestAuthenticatorChksumParse(t *testing.T) {
	t.Parallel()

	key := mkSampleAESKey()
	cb := &kerlberos.ChannelBinding{Data: []byte("bindings")}

	raw, err := newAuthenticatorChksum(kerlberos.ContextFlagDefault, cb, key)
	require.NoError(t, err)

	cs, err := parseAuthenticatorChksum(raw)
	require.NoError(t, err)
	assert.Equal(t, kerlberos.ContextFlagDefault, cs.Flags)
	assert.Equal(t, cbChecksum(cb), cs.BindingsHash)
	assert.Nil(t, cs.Deleg)
	assert.NotEmpty(t, cs.MIC)

	_, err = parseAuthenticatorChksum(raw[:20])
	assert.Error(t, err, "short checksum should be rejected")
}

func TestAuthenticatorChksumDelegationParsedPast(t *testing.T) {
	t.Parallel()

	// hand-build a checksum with a delegation block and no MIC
	raw := make([]byte, 24)
	binary.LittleEndian.PutUint32(raw[0:4], 16)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(kerlberos.ContextFlagDefault|kerlberos.ContextFlagDeleg))

	kcred := []byte("pretend this is a KRB-CRED")
	dlg := make([]byte, 4)
	binary.LittleEndian.PutUint16(dlg[0:2], chksumDelegOptionID)
	binary.LittleEndian.PutUint16(dlg[2:4], uint16(len(kcred)))
	raw = append(raw, dlg...)
	raw = append(raw, kcred...)

	cs, err := parseAuthenticatorChksum(raw)
	require.NoError(t, err)
	assert.Equal(t, kcred, cs.Deleg, "delegation payload should be parsed past")
	assert.Empty(t, cs.MIC)

	// truncated delegation block
	_, err = parseAuthenticatorChksum(raw[:len(raw)-4])
	assert.Error(t, err)
}

func TestVerifyAuthenticatorChksum(t *testing.T) {
	t.Parallel()

	key := mkSampleAESKey()
	cb := &kerlberos.ChannelBinding{
		InitiatorAddr: &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 2345},
		Data:          []byte("bindings"),
	}

	raw, err := newAuthenticatorChksum(kerlberos.ContextFlagDefault, cb, key)
	require.NoError(t, err)

	// matching bindings and key: accepted, flags recovered
	flags, code, err := verifyAuthenticatorChksum(raw, key, 0, cb)
	assert.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, kerlberos.ContextFlagDefault, flags)

	// different local bindings: rejected with a bad-integrity code
	otherCb := &kerlberos.ChannelBinding{Data: []byte("other")}
	_, code, err = verifyAuthenticatorChksum(raw, key, 0, otherCb)
	assert.Error(t, err)
	assert.Equal(t, int32(ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY), code)

	// requiring a flag the peer did not assert: inappropriate checksum
	_, code, err = verifyAuthenticatorChksum(raw, key, kerlberos.ContextFlagMutual, cb)
	assert.Error(t, err)
	assert.Equal(t, int32(ianaerrcode.KRB_AP_ERR_INAPP_CKSUM), code)
}

func TestVerifyAuthenticatorChksumInterop(t *testing.T) {
	t.Parallel()

	key := mkSampleAESKey()

	// all-zero bindings hash with no local bindings: accepted
	raw := make([]byte, 24)
	binary.LittleEndian.PutUint32(raw[0:4], 16)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(kerlberos.ContextFlagDefault))

	flags, code, err := verifyAuthenticatorChksum(raw, key, 0, nil)
	assert.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, kerlberos.ContextFlagDefault, flags)

	// all-0xFF bindings hash: only accepted with a non-empty trailer
	raw2, err := newAuthenticatorChksum(kerlberos.ContextFlagDefault, nil, key)
	require.NoError(t, err)
	copy(raw2[4:20], bytes.Repeat([]byte{0xFF}, 16))

	_, code, err = verifyAuthenticatorChksum(raw2, key, 0, nil)
	assert.NoError(t, err)
	assert.Zero(t, code)

	raw3 := make([]byte, 24)
	binary.LittleEndian.PutUint32(raw3[0:4], 16)
	copy(raw3[4:20], bytes.Repeat([]byte{0xFF}, 16))
	binary.LittleEndian.PutUint32(raw3[20:24], uint32(kerlberos.ContextFlagDefault))

	_, code, err = verifyAuthenticatorChksum(raw3, key, 0, &kerlberos.ChannelBinding{Data: []byte("x")})
	assert.Error(t, err, "all-FF hash without a trailer should be rejected")
	assert.Equal(t, int32(ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY), code)
}

func TestCbEncode(t *testing.T) {
	t.Parallel()

	// null bindings: five zero length words
	assert.Equal(t, make([]byte, 20), cbEncode(nil))

	cb := &kerlberos.ChannelBinding{
		InitiatorAddr: &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 2345},
		Data:          []byte("app data"),
	}
	enc := cbEncode(cb)

	// initiator: type 2 (INET), length 4, 4 address bytes
	assert.Equal(t, uint32(kerlberos.GssAddrFamilyINET), binary.LittleEndian.Uint32(enc[0:4]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(enc[4:8]))
	assert.Equal(t, []byte{192, 0, 2, 1}, enc[8:12])

	// acceptor: null
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(enc[12:16]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(enc[16:20]))

	// application data
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(enc[20:24]))
	assert.Equal(t, []byte("app data"), enc[24:])

	assert.Len(t, cbChecksum(cb), 16)
}
