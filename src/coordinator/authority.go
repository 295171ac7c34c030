package coordinator

import (
	"context"
	"gatekeeper/src/signature"
	"gatekeeper/src/types"
	"gatekeeper/src/utils"
)

// HMACAuthority holds the signing secret and answers verifySignature.
type HMACAuthority struct {
	key []byte
}

func NewHMACAuthority(secret string) *HMACAuthority {
	return &HMACAuthority{key: []byte(secret)}
}

func (a *HMACAuthority) Sign(token string) string {
	return utils.SignToken(a.key, token)
}

func (a *HMACAuthority) VerifySignature(ctx context.Context, token string, sig string, meta types.ScanMeta) (*types.VerifySignatureResponse, error) {
	if sig == "" {
		return &types.VerifySignatureResponse{Valid: false, Reason: signature.ReasonUnsigned}, nil
	}
	if !utils.VerifyTokenSignature(a.key, token, sig) {
		return &types.VerifySignatureResponse{Valid: false, Reason: signature.ReasonMismatch}, nil
	}
	return &types.VerifySignatureResponse{Valid: true}, nil
}
