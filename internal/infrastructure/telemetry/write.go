package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// statusMeasurement is the InfluxDB measurement holding status history.
const statusMeasurement = "device_status"

// WriteStatusSnapshot records one published status snapshot.
//
// The snapshot's numeric and boolean leaves are flattened into fields with
// dotted paths ("position.x"); strings and arrays are skipped since they
// make poor time-series values. operational_status is recorded as a tag so
// dashboards can filter on it cheaply.
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteStatusSnapshot(deviceID string, snapshot map[string]any) {
	if !c.IsConnected() {
		return
	}

	fields := make(map[string]any)
	flattenFields("", snapshot, fields)
	if len(fields) == 0 {
		return
	}

	tags := map[string]string{"device_id": deviceID}
	if op, ok := snapshot["operational_status"].(string); ok {
		tags["operational_status"] = op
	}

	point := write.NewPoint(statusMeasurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// flattenFields walks a snapshot collecting numeric and boolean leaves
// under dotted key paths.
func flattenFields(prefix string, obj map[string]any, out map[string]any) {
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flattenFields(path, v, out)
		case float64:
			out[path] = v
		case float32:
			out[path] = float64(v)
		case int:
			out[path] = v
		case int64:
			out[path] = v
		case bool:
			out[path] = v
		}
	}
}
