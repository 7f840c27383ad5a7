package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mindburn-labs/agentgateway/pkg/audit"
)

// runAuditExportLoop periodically exports the full audit chain through
// sink and blocks until ctx is done. It is meant to run in its own
// goroutine; a failed export is logged and retried on the next tick
// rather than treated as fatal, since log itself still holds the full
// chain regardless of whether the off-box copy succeeds. (The log that
// buildService wires in is an audit.MemoryLog, so that chain lives in
// the process's memory; it is not written to local disk or Postgres.)
func runAuditExportLoop(ctx context.Context, log audit.Log, sink audit.ExportSink, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data, err := log.Export(ctx, audit.Filter{EndTime: now})
			if err != nil {
				logger.Error("audit export failed", "error", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			if err := sink.Write(ctx, audit.ExportKey("", now), data); err != nil {
				logger.Error("audit export upload failed", "error", err)
			}
		}
	}
}
