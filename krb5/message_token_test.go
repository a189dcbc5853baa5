// SPDX-License-Identifier: Apache-2.0
package krb5

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalvogel/kerlberos"
)

const (
	testWrapPayload = "testing 123"

	// from kadmin:
	//   ank -kvno 123 -pw password -e test test
	//   ktadd -k test.kt -norandkey test
	testAES256Key = "93860ea9a3961f58f1e1370286c720ab8da6574cacb26396f7de6ebfbbfd00a0"
	aesCksumLen   = 12

	sampleWrapTokenSignature = "71914A5D08018A97375AB52A"
	wrapTokenSignedHeader    = "050400ff000c000000000000 0000007b"
	sampleMICTokenSignature  = "b479cc6b1a27beb60a815b26"
	sampleMICToken           = "040404ffffffffff000000000000007Bb479cc6b1a27beb60a815b26"
)

func mkSampleWrapToken() wrapToken {
	return wrapToken{
		Flags:          0,
		SequenceNumber: 123,
		Payload:        []byte(testWrapPayload),
	}
}

func mkSampleMICToken() mICToken {
	return mICToken{
		Flags:          4,
		SequenceNumber: 123,
	}
}

func mkSampleAESKey() types.EncryptionKey {
	b, _ := hex.DecodeString(testAES256Key)
	return types.EncryptionKey{
		KeyType:  etypeID.AES256_CTS_HMAC_SHA1_96,
		KeyValue: b,
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(despace(s))
	require.NoError(t, err)
	return b
}

func despace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func TestWrapTokenSign(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()

	err := tok.Sign(key)

	assert.NoError(t, err, "signing operation failed")
	assert.True(t, tok.signedOrSealed, "token was not signed")
	assert.Equal(t, uint16(aesCksumLen), tok.EC, "wrong checksum length")
	assert.Equal(t, len(testWrapPayload)+aesCksumLen, len(tok.Payload), "wrong signed payload length")

	wantSig := mustHex(t, sampleWrapTokenSignature)
	assert.Equal(t, wantSig, tok.Payload[len(testWrapPayload):], "signature not as expected")
	assert.Equal(t, []byte(testWrapPayload), tok.Payload[0:len(testWrapPayload)], "corrupt payload")
}

func TestWrapTokenMarshal(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()

	_, err := tok.Marshal()
	assert.Error(t, err, "Marshal of unsigned/sealed token should be an error")

	err = tok.Sign(key)
	assert.NoError(t, err, "signing operation failed")

	tokBytes, err := tok.Marshal()
	assert.NoError(t, err, "Marshal of signed token should succeed")
	assert.Equal(t, 16+len(testWrapPayload)+aesCksumLen, len(tokBytes), "bad token length")

	assert.Equal(t, mustHex(t, wrapTokenSignedHeader), tokBytes[0:16], "bad wrap token header")
	assert.Equal(t, []byte(testWrapPayload), tokBytes[16:16+len(testWrapPayload)], "corrupt payload")
	assert.Equal(t, mustHex(t, sampleWrapTokenSignature), tokBytes[16+len(testWrapPayload):], "signature not as expected")
}

func TestWrapTokenSignVerifyRoundTrip(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Sign(key))

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))

	isSealed, err := tok2.VerifyAndDecode(key, false)
	assert.NoError(t, err, "verification of signed token failed")
	assert.False(t, isSealed)
	assert.Equal(t, []byte(testWrapPayload), tok2.Payload)
}

func TestWrapTokenSealRoundTrip(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Seal(key))

	assert.Equal(t, uint16(0), tok.EC, "aes seal should need no padding")
	assert.Equal(t, uint16(0), tok.RRC)

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))

	isSealed, err := tok2.VerifyAndDecode(key, false)
	assert.NoError(t, err, "unsealing failed")
	assert.True(t, isSealed)
	assert.Equal(t, []byte(testWrapPayload), tok2.Payload)
}

func TestWrapTokenSealWithRotation(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Seal(key))

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)

	// simulate an SSPI sender: rotate the ciphertext right and record the
	// rotation count in the header
	const rrc = 7
	rotated := rotateRight(append([]byte(nil), tokBytes[16:]...), rrc)
	copy(tokBytes[16:], rotated)
	binary.BigEndian.PutUint16(tokBytes[6:8], rrc)

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))
	assert.Equal(t, uint16(rrc), tok2.RRC)

	isSealed, err := tok2.VerifyAndDecode(key, false)
	assert.NoError(t, err, "unsealing of rotated token failed")
	assert.True(t, isSealed)
	assert.Equal(t, []byte(testWrapPayload), tok2.Payload)
}

func TestWrapTokenSignedWithRotation(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Sign(key))

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)

	const rrc = 12
	rotated := rotateRight(append([]byte(nil), tokBytes[16:]...), rrc)
	copy(tokBytes[16:], rotated)
	binary.BigEndian.PutUint16(tokBytes[6:8], rrc)

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))

	isSealed, err := tok2.VerifyAndDecode(key, false)
	assert.NoError(t, err, "verification of rotated signed token failed")
	assert.False(t, isSealed)
	assert.Equal(t, []byte(testWrapPayload), tok2.Payload)
}

func TestWrapTokenDirectionMismatch(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Seal(key))

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))

	// the token was sent by an initiator; an initiator must not accept it
	_, err = tok2.VerifyAndDecode(key, true)
	assert.True(t, errors.Is(err, kerlberos.ErrUnseqToken), "wrong-direction token should be rejected")
}

func TestWrapTokenTamper(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Seal(key))

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)
	tokBytes[len(tokBytes)-1] ^= 0x01

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))

	_, err = tok2.VerifyAndDecode(key, false)
	assert.Error(t, err, "tampered token should fail verification")
}

func TestMICTokenSignVerify(t *testing.T) {
	key := mkSampleAESKey()
	tok := mkSampleMICToken()

	err := tok.Sign([]byte(testWrapPayload), key)
	assert.NoError(t, err, "signing operation failed")
	assert.Equal(t, mustHex(t, sampleMICTokenSignature), tok.Checksum, "MIC not as expected")

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, sampleMICToken), tokBytes)

	tok2 := mICToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))
	assert.Equal(t, uint64(123), tok2.SequenceNumber)

	// flag 4 = acceptor subkey, sent by initiator
	assert.NoError(t, tok2.Verify([]byte(testWrapPayload), key, false))

	// verification against different data must fail
	err = tok2.Verify([]byte("testing 124"), key, false)
	assert.True(t, errors.Is(err, kerlberos.ErrBadMIC), "MIC over different payload should fail")
}

func TestRotateLeft(t *testing.T) {
	t.Parallel()

	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	got := rotateLeft(append([]byte(nil), buf...), 2)
	assert.Equal(t, []byte{3, 4, 5, 6, 7, 8, 1, 2}, got)

	// right rotation by 2: the transform a sender applies with RRC=2
	got = rotateRight(append([]byte(nil), buf...), 2)
	assert.Equal(t, []byte{7, 8, 1, 2, 3, 4, 5, 6}, got)

	// rotation counts larger than the buffer wrap around
	got = rotateRight(append([]byte(nil), buf...), 11)
	assert.Equal(t, []byte{6, 7, 8, 1, 2, 3, 4, 5}, got)

	// inverse round-trip for a range of lengths and counts
	for l := 0; l < 9; l++ {
		for rc := uint(0); rc < 20; rc++ {
			in := make([]byte, l)
			for i := range in {
				in[i] = byte(i + 1)
			}

			out := rotateLeft(rotateRight(append([]byte(nil), in...), rc), rc)
			assert.Equal(t, in, out, "rotate round trip failed for len %d rc %d", l, rc)
		}
	}
}

func TestSealPaddingLength(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(0), sealPaddingLength(etypeID.AES256_CTS_HMAC_SHA1_96, 5))
	assert.Equal(t, uint16(0), sealPaddingLength(etypeID.RC4_HMAC, 5))
	assert.Equal(t, uint16(3), sealPaddingLength(etypeID.DES3_CBC_SHA1_KD, 5))
	assert.Equal(t, uint16(0), sealPaddingLength(etypeID.DES3_CBC_SHA1_KD, 16))
}
