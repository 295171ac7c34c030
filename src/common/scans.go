package common

import (
	"context"
	"encoding/json"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/types"
	"log"

	"github.com/tidwall/gjson"
)

const scanLogGroup = "gatekeeper-scan-log"

type LogStore interface {
	LogScan(ctx context.Context, r types.ScanRecord) error
}

type RiskSink interface {
	Submit(r types.ScanRecord) bool
}

// ScanLogConsumer feeds the scan log topics into the audit trail and the
// coordinator's fraud pipeline.
func ScanLogConsumer(ctx context.Context, store LogStore, risk RiskSink) error {
	return lib.KafkaConsumer(ctx, scanLogGroup, []string{lib.TopicScans, lib.TopicScansFailed}, ScanLogHandler(store, risk))
}

func ScanLogHandler(store LogStore, risk RiskSink) types.Handler {
	return func(payload string) {
		if !gjson.Valid(payload) {
			log.Println("[scan-log]: Received invalid json body. Skipping")
			return
		}
		decisionID := gjson.Get(payload, "decision_id")
		if !decisionID.Exists() || decisionID.String() == "" {
			log.Println("[scan-log]: Received record without decision_id. Skipping")
			return
		}
		var r types.ScanRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			log.Printf("Error deserializing JSON: %s\n", err.Error())
			return
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), config.RPC_TIMEOUT)
			defer cancel()
			if err := store.LogScan(ctx, r); err != nil {
				log.Printf("[scan-log] Error storing decision %s: %s\n", r.DecisionID, err.Error())
			}
		}
		if risk != nil && !risk.Submit(r) {
			log.Printf("[scan-log] Fraud queue full, decision %s not scored\n", r.DecisionID)
		}
	}
}
