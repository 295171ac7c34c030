package middlewares

import (
	"errors"
	"gatekeeper/src/config"
	"gatekeeper/src/types"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ROLE_DEVICE = "device"

var jwtKey = []byte(config.JWT_SECRET)

// NewJWTKey replaces the signing key, for tests.
func NewJWTKey(key []byte) {
	jwtKey = key
}

// IssueDeviceToken mints the bearer token a scanning device presents to
// the coordinator.
func IssueDeviceToken(deviceID string, staffID string, eventID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := types.Claims{
		DeviceID: deviceID,
		StaffID:  staffID,
		EventID:  eventID,
		Role:     ROLE_DEVICE,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtKey)
}

// DeviceAuthMiddleware admits requests carrying a valid device token and
// exposes device_id and staff_id to handlers.
func DeviceAuthMiddleware(ctx *gin.Context) {
	bearerToken := ctx.Request.Header.Get("Authorization")
	if !strings.HasPrefix(bearerToken, "Bearer ") {
		ctx.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	reqToken := strings.TrimSpace(strings.TrimPrefix(bearerToken, "Bearer "))
	if reqToken == "" {
		ctx.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	claims := &types.Claims{}
	tkn, err := jwt.ParseWithClaims(reqToken, claims, func(t *jwt.Token) (any, error) {
		return jwtKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		log.Printf("token error: %s\n", err.Error())
		if errors.Is(err, jwt.ErrSignatureInvalid) || errors.Is(err, jwt.ErrTokenMalformed) {
			ctx.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		ctx.AbortWithError(http.StatusUnauthorized, err)
		return
	}
	if !tkn.Valid || claims.DeviceID == "" || claims.Role != ROLE_DEVICE {
		ctx.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ctx.Set("device_id", claims.DeviceID)
	ctx.Set("staff_id", claims.StaffID)
	ctx.Set("event_id", claims.EventID)
	ctx.Set("claims", claims)
}

func SecureHeaders(ctx *gin.Context) {
	ctx.Header("X-Frame-Options", "DENY")
	ctx.Header("X-Content-Type-Options", "nosniff")
	ctx.Header("Referrer-Policy", "no-referrer")
	ctx.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	ctx.Next()
}
