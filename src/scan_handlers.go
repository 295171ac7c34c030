package main

import (
	"errors"
	"gatekeeper/src/common"
	"gatekeeper/src/coordinator"
	"gatekeeper/src/signature"
	"gatekeeper/src/types"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sameDevice rejects bodies that claim to come from a device other than the
// authenticated one.
func sameDevice(ctx *gin.Context, deviceID string) bool {
	authed := ctx.GetString("device_id")
	if authed != "" && authed != deviceID {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "device_id does not match token"})
		return false
	}
	return true
}

func scanHandlers(g *gin.RouterGroup, store *coordinator.Store, authority signature.Authority, risk common.RiskSink) *gin.RouterGroup {
	g.
		POST("/signatures/verify", func(ctx *gin.Context) {
			var body types.VerifySignatureRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				log.Printf("Error validating request: %s\n", err.Error())
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			res, err := authority.VerifySignature(ctx, body.Token, body.Signature, body.Meta)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": res})
		}).
		GET("/tokens/:identifier", func(ctx *gin.Context) {
			var params types.TokenURIParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			token, err := store.FindToken(ctx, params.Identifier)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if token == nil {
				ctx.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": token.Info(false)})
		}).
		POST("/tokens/:id/accept", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			var body types.AcceptTokenRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				log.Printf("Error validating request: %s\n", err.Error())
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if !sameDevice(ctx, body.DeviceID) {
				return
			}
			res, err := store.AcceptToken(ctx, params.ID, body)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": res})
		}).
		POST("/vip/passes/:id/scan", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			var body types.VipScanRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				log.Printf("Error validating request: %s\n", err.Error())
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if !sameDevice(ctx, body.DeviceID) {
				return
			}
			res, err := store.ProcessVipScanWithReentry(ctx, params.ID, body)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": res})
		}).
		POST("/sync/scans", func(ctx *gin.Context) {
			var body types.SubmitScanRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				log.Printf("Error validating request: %s\n", err.Error())
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if !sameDevice(ctx, body.DeviceID) {
				return
			}
			res, err := store.SubmitScan(ctx, body)
			if err != nil {
				if errors.Is(err, coordinator.ErrUnknownToken) {
					ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
					return
				}
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": res})
		}).
		POST("/sync/scans/status", func(ctx *gin.Context) {
			var body types.ScanStatusRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if !sameDevice(ctx, body.DeviceID) {
				return
			}
			res, err := store.ScanStatuses(ctx, body)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": res})
		}).
		GET("/sync/snapshot/:eventId", func(ctx *gin.Context) {
			var params types.EventURIParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			snap, err := store.Snapshot(ctx, params.EventID)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": snap})
		}).
		POST("/scans/log", func(ctx *gin.Context) {
			var body types.LogScanRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if !sameDevice(ctx, body.Record.DeviceID) {
				return
			}
			if err := store.LogScan(ctx, body.Record); err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if risk != nil {
				risk.Submit(body.Record)
			}
			ctx.Status(http.StatusAccepted)
		})
	return g
}
