// Package telemetry exposes pipeline counters through expvar so operators can
// scrape /debug/vars without an external metrics dependency.
package telemetry

import (
	"expvar"
	"sync"
	"time"
)

var (
	initOnce sync.Once

	queryTotal     *expvar.Int
	queryFailed    *expvar.Int
	stageTotals    *expvar.Map
	rejectByRule   *expvar.Map
	translationMS  *expvar.Int
	executionMS    *expvar.Int
	retrievalTotal *expvar.Int
	retrievalHits  *expvar.Int
	retrievalMS    *expvar.Int
	auditWrites    *expvar.Int
	auditRetries   *expvar.Int
	auditDropped   *expvar.Int
)

func ensureInit() {
	initOnce.Do(func() {
		queryTotal = expvar.NewInt("medquery_queries_total")
		queryFailed = expvar.NewInt("medquery_queries_failed_total")
		stageTotals = expvar.NewMap("medquery_stage_total")
		rejectByRule = expvar.NewMap("medquery_validation_rejects_total")
		translationMS = expvar.NewInt("medquery_translation_latency_ms")
		executionMS = expvar.NewInt("medquery_execution_latency_ms")
		retrievalTotal = expvar.NewInt("medquery_retrieval_total")
		retrievalHits = expvar.NewInt("medquery_retrieval_cache_hits")
		retrievalMS = expvar.NewInt("medquery_retrieval_latency_ms")
		auditWrites = expvar.NewInt("medquery_audit_writes_total")
		auditRetries = expvar.NewInt("medquery_audit_retries_total")
		auditDropped = expvar.NewInt("medquery_audit_dropped_total")
	})
}

// RecordQuery tracks one completed pipeline run and its terminal stage.
func RecordQuery(stage string, failed bool) {
	ensureInit()
	queryTotal.Add(1)
	if failed {
		queryFailed.Add(1)
	}
	if stage != "" {
		stageTotals.Add(stage, 1)
	}
}

// RecordRejection tracks a validation rejection keyed by the violated rule.
func RecordRejection(rule string) {
	ensureInit()
	if rule != "" {
		rejectByRule.Add(rule, 1)
	}
}

// RecordTranslation accumulates translation latency.
func RecordTranslation(elapsed time.Duration) {
	ensureInit()
	translationMS.Add(elapsed.Milliseconds())
}

// RecordExecution accumulates statement execution latency.
func RecordExecution(elapsed time.Duration) {
	ensureInit()
	executionMS.Add(elapsed.Milliseconds())
}

// RecordRetrieval tracks one note retrieval and whether it was served from
// the in-memory cache.
func RecordRetrieval(cacheHit bool, elapsed time.Duration) {
	ensureInit()
	retrievalTotal.Add(1)
	if cacheHit {
		retrievalHits.Add(1)
	}
	retrievalMS.Add(elapsed.Milliseconds())
}

// RecordAuditWrite tracks audit sink activity. retries counts additional
// attempts beyond the first; dropped marks a record that exhausted retries.
func RecordAuditWrite(retries int, dropped bool) {
	ensureInit()
	auditWrites.Add(1)
	if retries > 0 {
		auditRetries.Add(int64(retries))
	}
	if dropped {
		auditDropped.Add(1)
	}
}
