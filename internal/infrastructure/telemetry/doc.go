// Package telemetry records device status history in InfluxDB.
//
// Every published status snapshot can be mirrored as a point in the
// device_status measurement, tagged by device_id, with the snapshot's
// numeric and boolean leaves flattened into fields. Writes are batched and
// non-blocking; a broker-facing device keeps working when the telemetry
// store is down.
//
// Telemetry is optional and disabled by default.
package telemetry
