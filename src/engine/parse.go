package engine

import (
	"errors"
	"gatekeeper/src/types"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrEmptyInput     = errors.New("empty scan input")
	ErrMalformedInput = errors.New("malformed scan payload")
)

// ParseInput turns raw scanner output into a ScanInput. Manual entry is always
// a bare identifier. Camera and NFC reads are expected to carry a structured
// {token, signature, meta} object; anything else is kept as an unsigned token
// and will fail signature verification.
func ParseInput(raw string, channel types.Channel) (types.ScanInput, error) {
	raw = strings.TrimSpace(raw)
	in := types.ScanInput{Channel: channel, Raw: raw}
	if raw == "" {
		return in, ErrEmptyInput
	}
	if channel == types.CHANNEL_MANUAL {
		in.Identifier = raw
		return in, nil
	}
	if !strings.HasPrefix(raw, "{") {
		in.Identifier = raw
		return in, nil
	}
	if !gjson.Valid(raw) {
		return in, ErrMalformedInput
	}
	payload := gjson.Parse(raw)
	token := payload.Get("token")
	if token.Type != gjson.String || strings.TrimSpace(token.String()) == "" {
		return in, ErrMalformedInput
	}
	in.Structured = true
	in.Identifier = strings.TrimSpace(token.String())
	in.Signature = payload.Get("signature").String()

	meta := payload.Get("meta")
	if !meta.IsObject() {
		return in, nil
	}
	if v, ok := uintField(meta, "reservationId"); ok {
		in.Meta.ReservationID = &v
	}
	if v, ok := uintField(meta, "passId"); ok {
		in.Meta.PassID = &v
	}
	lat, lng := meta.Get("lat"), meta.Get("lng")
	if lat.Type == gjson.Number && lng.Type == gjson.Number {
		la, ln := lat.Float(), lng.Float()
		in.Meta.Latitude = &la
		in.Meta.Longitude = &ln
	}
	in.Meta.Fingerprint = meta.Get("fingerprint").String()
	in.Meta.Proxy = meta.Get("proxy").Bool()
	in.Meta.VPN = meta.Get("vpn").Bool()
	return in, nil
}

// uintField accepts both numbers and numeric strings; QR generators disagree.
func uintField(obj gjson.Result, key string) (uint, bool) {
	v := obj.Get(key)
	switch v.Type {
	case gjson.Number:
		if v.Num <= 0 {
			return 0, false
		}
		return uint(v.Uint()), true
	case gjson.String:
		n := gjson.Parse(v.String())
		if n.Type != gjson.Number || n.Num <= 0 {
			return 0, false
		}
		return uint(n.Uint()), true
	}
	return 0, false
}
