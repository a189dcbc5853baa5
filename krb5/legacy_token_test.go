// SPDX-License-Identifier: Apache-2.0
package krb5

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalvogel/kerlberos"
)

const testDES3Key = "899cf22a2b620b9ab22c8f2a7f738c13d262619176072913"

func mkSampleDES3Key() types.EncryptionKey {
	b, _ := hex.DecodeString(testDES3Key)
	return types.EncryptionKey{
		KeyType:  etypeID.DES3_CBC_SHA1_KD,
		KeyValue: b,
	}
}

func TestLegacyMICRoundTrip(t *testing.T) {
	key := mkSampleDES3Key()
	payload := []byte(testWrapPayload)

	rec, err := newLegacyMICToken(key, payload, 42, false)
	require.NoError(t, err)
	assert.Equal(t, legacyMICHeader(), rec[0:8], "bad legacy MIC header")
	assert.Len(t, rec, 8+8+20)

	seq, err := verifyLegacyMICToken(key, payload, rec, false)
	assert.NoError(t, err, "verification failed")
	assert.Equal(t, uint64(42), seq)
}

func TestLegacyMICBadPayload(t *testing.T) {
	key := mkSampleDES3Key()

	rec, err := newLegacyMICToken(key, []byte(testWrapPayload), 42, false)
	require.NoError(t, err)

	_, err = verifyLegacyMICToken(key, []byte("testing 124"), rec, false)
	assert.True(t, errors.Is(err, kerlberos.ErrBadMIC), "MIC over different payload should fail")
}

func TestLegacyMICDirection(t *testing.T) {
	key := mkSampleDES3Key()

	rec, err := newLegacyMICToken(key, []byte(testWrapPayload), 42, true)
	require.NoError(t, err)

	// acceptor-sent token verifies when expected from the acceptor..
	seq, err := verifyLegacyMICToken(key, []byte(testWrapPayload), rec, true)
	assert.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	// .. and is rejected with a directional error otherwise
	_, err = verifyLegacyMICToken(key, []byte(testWrapPayload), rec, false)
	assert.True(t, errors.Is(err, kerlberos.ErrUnseqToken), "wrong-direction token should be rejected")
}

func TestLegacyMICWrongEnctype(t *testing.T) {
	key := mkSampleAESKey()

	_, err := newLegacyMICToken(key, []byte(testWrapPayload), 1, false)
	assert.Error(t, err, "legacy tokens should require des3")
}

func TestLegacyWrapSealedRoundTrip(t *testing.T) {
	key := mkSampleDES3Key()
	payload := []byte(testWrapPayload)

	rec, err := newLegacyWrapToken(key, payload, 17, false, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x00, 0x02, 0x00, 0xFF, 0xFF}, rec[0:8], "bad legacy wrap header")

	// confounder + message + padding, block aligned
	assert.Equal(t, 0, (len(rec)-36)%8, "ciphertext not block aligned")

	got, seq, sealed, err := verifyLegacyWrapToken(key, rec, false)
	assert.NoError(t, err, "unwrap failed")
	assert.True(t, sealed)
	assert.Equal(t, uint64(17), seq)
	assert.Equal(t, payload, got)
}

func TestLegacyWrapClearRoundTrip(t *testing.T) {
	key := mkSampleDES3Key()
	payload := []byte(testWrapPayload)

	rec, err := newLegacyWrapToken(key, payload, 17, true, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}, rec[0:8], "bad legacy wrap header")

	// the message is carried in the clear after the confounder
	assert.Equal(t, payload, rec[36+8:36+8+len(payload)], "clear payload not in expected position")

	got, seq, sealed, err := verifyLegacyWrapToken(key, rec, true)
	assert.NoError(t, err, "unwrap failed")
	assert.False(t, sealed)
	assert.Equal(t, uint64(17), seq)
	assert.Equal(t, payload, got)
}

func TestLegacyWrapTamper(t *testing.T) {
	key := mkSampleDES3Key()

	rec, err := newLegacyWrapToken(key, []byte(testWrapPayload), 17, false, true)
	require.NoError(t, err)
	rec[len(rec)-1] ^= 0x01

	_, _, _, err = verifyLegacyWrapToken(key, rec, false)
	assert.True(t, errors.Is(err, kerlberos.ErrBadMIC), "tampered wrap token should fail the checksum")
}

func TestLegacyWrapUnknownAlgorithms(t *testing.T) {
	key := mkSampleDES3Key()

	rec, err := newLegacyWrapToken(key, []byte(testWrapPayload), 17, false, true)
	require.NoError(t, err)

	// RC4 signature algorithm is not usable on a des3 context
	bad := append([]byte(nil), rec...)
	bad[2], bad[3] = 0x11, 0x00
	_, _, _, err = verifyLegacyWrapToken(key, bad, false)
	assert.True(t, errors.Is(err, kerlberos.ErrDefectiveToken))

	// garbage signature algorithm
	bad = append([]byte(nil), rec...)
	bad[2], bad[3] = 0x77, 0x77
	_, _, _, err = verifyLegacyWrapToken(key, bad, false)
	assert.True(t, errors.Is(err, kerlberos.ErrDefectiveToken))

	// garbage seal algorithm
	bad = append([]byte(nil), rec...)
	bad[4], bad[5] = 0x77, 0x77
	_, _, _, err = verifyLegacyWrapToken(key, bad, false)
	assert.True(t, errors.Is(err, kerlberos.ErrDefectiveToken))
}

func TestDesPad(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		msgLen  int
		wantPad []byte
	}{
		{5, []byte{3, 3, 3}},
		{8, []byte{8, 8, 8, 8, 8, 8, 8, 8}},
		{0, []byte{8, 8, 8, 8, 8, 8, 8, 8}},
		{7, []byte{1}},
	}

	for _, tt := range tests {
		msg := make([]byte, tt.msgLen)
		padded := desPad(append([]byte(nil), msg...), tt.msgLen)

		assert.Equal(t, 0, len(padded)%8, "padded length not block aligned for %d", tt.msgLen)
		assert.Equal(t, tt.wantPad, padded[tt.msgLen:], "bad padding for message length %d", tt.msgLen)
	}
}

func TestWrapTokenSealDes3(t *testing.T) {
	key := mkSampleDES3Key()
	tok := mkSampleWrapToken()
	require.NoError(t, tok.Seal(key))

	// 11 byte payload needs 5 bytes of padding to reach the block boundary
	assert.Equal(t, uint16(5), tok.EC)

	tokBytes, err := tok.Marshal()
	require.NoError(t, err)

	tok2 := wrapToken{}
	require.NoError(t, tok2.Unmarshal(tokBytes))

	isSealed, err := tok2.VerifyAndDecode(key, false)
	assert.NoError(t, err, "unsealing failed")
	assert.True(t, isSealed)
	assert.Equal(t, []byte(testWrapPayload), tok2.Payload)
}
