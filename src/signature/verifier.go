package signature

import (
	"context"
	"errors"
	"fmt"
	"gatekeeper/src/types"
)

var (
	ErrAuthorityUnavailable = errors.New("signing authority unavailable")
)

const (
	ReasonManual    = "manual entry"
	ReasonUnsigned  = "unsigned"
	ReasonMismatch  = "signature mismatch"
	ReasonNoCache   = "no cached signature"
	ReasonCacheOnly = "cached signature"
)

// Authority is the signing collaborator. It holds the secret; the verifier
// never does.
type Authority interface {
	VerifySignature(ctx context.Context, token string, signature string, meta types.ScanMeta) (*types.VerifySignatureResponse, error)
}

type Verifier struct {
	authority Authority
}

func NewVerifier(authority Authority) *Verifier {
	return &Verifier{authority: authority}
}

// Verify checks a parsed scan input.
//
// Manual entry is exempt. Camera and NFC input without a signature is always
// invalid. Online, the authority decides; an error from it is a transport
// failure, not a verdict. Offline, the presented signature is compared with
// cachedSignature, the value stored at last sync for that token.
func (v *Verifier) Verify(ctx context.Context, in types.ScanInput, mode types.Mode, cachedSignature string) (*types.VerifySignatureResponse, error) {
	if in.Manual() {
		return &types.VerifySignatureResponse{Valid: true, Reason: ReasonManual}, nil
	}
	if in.Signature == "" {
		return &types.VerifySignatureResponse{Valid: false, Reason: ReasonUnsigned}, nil
	}
	if mode == types.MODE_OFFLINE {
		if cachedSignature == "" {
			return &types.VerifySignatureResponse{Valid: false, Reason: ReasonNoCache}, nil
		}
		if !VerifyOffline(in.Signature, cachedSignature) {
			return &types.VerifySignatureResponse{Valid: false, Reason: ReasonMismatch}, nil
		}
		return &types.VerifySignatureResponse{Valid: true, Reason: ReasonCacheOnly}, nil
	}
	if v.authority == nil {
		return nil, ErrAuthorityUnavailable
	}
	res, err := v.authority.VerifySignature(ctx, in.Identifier, in.Signature, in.Meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthorityUnavailable, err.Error())
	}
	if res == nil {
		return nil, ErrAuthorityUnavailable
	}
	return res, nil
}

// VerifyOffline is a plain equality check. No secret is involved locally.
func VerifyOffline(presented string, cached string) bool {
	return presented != "" && presented == cached
}
