package signature

import (
	"context"
	"encoding/hex"
	"errors"
	"gatekeeper/src/types"
	"gatekeeper/src/utils"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hmacAuthority struct {
	key   []byte
	calls int
	err   error
}

func (a *hmacAuthority) VerifySignature(ctx context.Context, token string, signature string, meta types.ScanMeta) (*types.VerifySignatureResponse, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if utils.VerifyTokenSignature(a.key, token, signature) {
		return &types.VerifySignatureResponse{Valid: true}, nil
	}
	return &types.VerifySignatureResponse{Valid: false, Reason: ReasonMismatch}, nil
}

func flipBit(sig string, bit int) string {
	raw, _ := hex.DecodeString(sig)
	raw[bit/8] ^= 1 << (bit % 8)
	return hex.EncodeToString(raw)
}

func TestVerifyManualIsExempt(t *testing.T) {
	authority := &hmacAuthority{key: []byte("k")}
	v := NewVerifier(authority)

	res, err := v.Verify(context.Background(), types.ScanInput{Channel: types.CHANNEL_MANUAL, Identifier: "abc"}, types.MODE_ONLINE, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Zero(t, authority.calls)
}

func TestVerifyUnsignedIsRejected(t *testing.T) {
	v := NewVerifier(&hmacAuthority{key: []byte("k")})
	for _, ch := range []types.Channel{types.CHANNEL_CAMERA, types.CHANNEL_NFC} {
		for _, mode := range []types.Mode{types.MODE_ONLINE, types.MODE_OFFLINE} {
			res, err := v.Verify(context.Background(), types.ScanInput{Channel: ch, Identifier: "abc"}, mode, "cached")
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, ReasonUnsigned, res.Reason)
		}
	}
}

func TestVerifyOnlineDetectsEveryFlippedBit(t *testing.T) {
	key := []byte("authority-secret")
	v := NewVerifier(&hmacAuthority{key: key})
	sig := utils.SignToken(key, "tok-1")

	res, err := v.Verify(context.Background(), types.ScanInput{Channel: types.CHANNEL_CAMERA, Identifier: "tok-1", Signature: sig}, types.MODE_ONLINE, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	for bit := 0; bit < len(sig)*4; bit++ {
		in := types.ScanInput{Channel: types.CHANNEL_CAMERA, Identifier: "tok-1", Signature: flipBit(sig, bit)}
		res, err := v.Verify(context.Background(), in, types.MODE_ONLINE, "")
		require.NoError(t, err)
		assert.False(t, res.Valid, "bit %d", bit)
	}
}

func TestVerifyOfflineComparesCachedSignature(t *testing.T) {
	v := NewVerifier(nil)
	sig := utils.SignToken([]byte("k"), "tok-1")
	in := types.ScanInput{Channel: types.CHANNEL_NFC, Identifier: "tok-1", Signature: sig}

	res, err := v.Verify(context.Background(), in, types.MODE_OFFLINE, sig)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	in.Signature = flipBit(sig, 3)
	res, err = v.Verify(context.Background(), in, types.MODE_OFFLINE, sig)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonMismatch, res.Reason)

	res, err = v.Verify(context.Background(), in, types.MODE_OFFLINE, "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestVerifyAuthorityFailureIsAnError(t *testing.T) {
	v := NewVerifier(&hmacAuthority{err: errors.New("connection refused")})
	in := types.ScanInput{Channel: types.CHANNEL_CAMERA, Identifier: "tok-1", Signature: "aa"}

	res, err := v.Verify(context.Background(), in, types.MODE_ONLINE, "")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAuthorityUnavailable)

	_, err = NewVerifier(nil).Verify(context.Background(), in, types.MODE_ONLINE, "")
	assert.ErrorIs(t, err, ErrAuthorityUnavailable)
}
