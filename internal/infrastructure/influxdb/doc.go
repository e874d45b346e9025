// Package influxdb is the optional fleet metrics sink. It wraps the
// InfluxDB v2 client with non-blocking batched writes for heartbeat
// observations, fleet online/offline gauges, state sync flush counts,
// and per-batch task progress.
package influxdb
