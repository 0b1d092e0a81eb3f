package store

const (
	// MetricDatabase is the metric key for database operation tracking.
	MetricDatabase = "db"
	// MetricDatabaseRetries is the metric key for database retry tracking.
	MetricDatabaseRetries = "dbr"
	// MetricCommit is the metric key for changeset commit tracking.
	MetricCommit = "c"
	// MetricJSONUnmarshal is the metric key for JSON unmarshaling operations.
	MetricJSONUnmarshal = "d"
)
