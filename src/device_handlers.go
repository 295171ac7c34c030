package main

import (
	"bufio"
	"context"
	"encoding/json"
	"gatekeeper/src/boot"
	"gatekeeper/src/lib"
	"gatekeeper/src/types"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// deviceHandlers is the local operator surface of a scanning device.
func deviceHandlers(g *gin.RouterGroup, dev *boot.Device) *gin.RouterGroup {
	g.
		GET("/device/queue", func(ctx *gin.Context) {
			counts, err := dev.Queue.Counts()
			if err != nil {
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": counts, "online": dev.Client.Online()})
		}).
		GET("/device/queue/failed", func(ctx *gin.Context) {
			failed, err := dev.Queue.Failed()
			if err != nil {
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": failed})
		}).
		GET("/device/cache/:eventId", func(ctx *gin.Context) {
			var params types.EventURIParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			meta, ok := dev.Cache.Meta(params.EventID)
			if !ok {
				ctx.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for event"})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": meta, "fresh": dev.Cache.IsFresh(params.EventID)})
		}).
		POST("/device/scanner/pause", func(ctx *gin.Context) {
			dev.Scanner.Pause()
			ctx.Status(http.StatusNoContent)
		}).
		POST("/device/scanner/resume", func(ctx *gin.Context) {
			dev.Scanner.Resume()
			ctx.Status(http.StatusNoContent)
		})
	return g
}

// parseInputLine reads "<channel> <payload>" where channel is camera, nfc or
// manual. Lines without a known channel prefix are camera reads.
func parseInputLine(line string) (types.RawInput, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.RawInput{}, false
	}
	raw := types.RawInput{Channel: types.CHANNEL_CAMERA, Payload: line}
	head, rest, _ := strings.Cut(line, " ")
	if isChannel(head) {
		// a bare channel keyword carries no payload
		raw.Channel = types.Channel(head)
		raw.Payload = strings.TrimSpace(rest)
	}
	return raw, raw.Payload != ""
}

func isChannel(word string) bool {
	switch types.Channel(word) {
	case types.CHANNEL_CAMERA, types.CHANNEL_NFC, types.CHANNEL_MANUAL:
		return true
	}
	return false
}

type decisionView struct {
	types.Decision
	Label   string `json:"label"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

func viewOf(d types.Decision) decisionView {
	v := decisionView{Decision: d, Label: d.Label()}
	if !d.Accepted() {
		v.Message = d.Reason.Message()
		v.Action = d.Reason.Action()
	}
	return v
}

// runScanLoop feeds reader lines into the scanner and writes one JSON
// decision per line to out.
func runScanLoop(ctx context.Context, dev *boot.Device, in io.Reader, out io.Writer) {
	go dev.Scanner.Run(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(out)
		for d := range dev.Scanner.Decisions() {
			if err := enc.Encode(viewOf(d)); err != nil {
				log.Printf("[scanner] Error writing decision %s: %s\n", d.ID, err.Error())
			}
		}
	}()

	lines := bufio.NewScanner(in)
	for lines.Scan() {
		raw, ok := parseInputLine(lines.Text())
		if !ok {
			continue
		}
		raw.ReceivedAt = lib.GetClock().Now()
		select {
		case dev.Scanner.Inputs() <- raw:
		case <-ctx.Done():
			return
		}
	}
	if err := lines.Err(); err != nil {
		log.Printf("[scanner] Error reading input: %s\n", err.Error())
	}
	<-ctx.Done()
	<-done
}
