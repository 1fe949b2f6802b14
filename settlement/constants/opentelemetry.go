package constant

// TelemetrySDKName identifies this library in OTEL telemetry resource attributes.
const TelemetrySDKName = "lib-settlement"

// MaxMetricLabelLength is the maximum length for metric labels to prevent cardinality explosion.
const MaxMetricLabelLength = 64

// Telemetry attribute keys.
const (
	AttrPrefixPanic = "panic."

	AttrDBSystem    = "db.system"
	DBSystemRedis   = "redis"
	AttrAccountID   = "settlement.account_id"
	AttrLeaseKey    = "settlement.lease_key"
	AttrOutcome     = "settlement.outcome"
	AttrTxID        = "settlement.tx_id"
	AttrHTTPStatus  = "http.response.status_code"
	AttrComponent   = "settlement.component"
	AttrRetryCount  = "settlement.retry.attempt"
	AttrLedgerBatch = "settlement.ledger.batch_size"
)

// SanitizeMetricLabel truncates a label value to MaxMetricLabelLength.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}
