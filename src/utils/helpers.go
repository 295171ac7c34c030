package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"gatekeeper/src/config"
	"gatekeeper/src/types"
	"math"
)

const earthRadiusKm = 6371.0

// SignToken returns the hex HMAC-SHA256 of token under key.
func SignToken(key []byte, token string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTokenSignature compares in constant time. Malformed hex never matches.
func VerifyTokenSignature(key []byte, token string, signature string) bool {
	presented, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(token))
	return hmac.Equal(presented, mac.Sum(nil))
}

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func IsProd() bool {
	return config.API_ENV == string(types.Production)
}
