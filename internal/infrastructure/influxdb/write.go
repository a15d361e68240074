package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteProbeReading writes a single probe measurement to InfluxDB.
//
// This is the primary method for recording water chemistry telemetry.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - controller: Controller slug (e.g., "apex")
//   - probeKey: Normalized probe key (e.g., "tmp", "ph")
//   - probeType: Probe type reported by the controller (e.g., "Temp", "pH")
//   - value: The numeric reading
//
// Example:
//
//	client.WriteProbeReading("apex", "tmp", "Temp", 25.1)
//	client.WriteProbeReading("apex", "ph", "pH", 8.21)
func (c *Client) WriteProbeReading(controller, probeKey, probeType string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"probe_readings",
		map[string]string{
			"controller": controller,
			"probe":      probeKey,
			"type":       probeType,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteOutputState writes an output's energized state as a numeric series.
//
// State is recorded as 1 (energized) or 0 (de-energized) so dashboards can
// overlay equipment runtime against probe readings.
func (c *Client) WriteOutputState(controller, outputKey, mode string, energized bool) {
	if !c.IsConnected() {
		return
	}

	state := 0
	if energized {
		state = 1
	}

	point := write.NewPoint(
		"output_states",
		map[string]string{
			"controller": controller,
			"output":     outputKey,
		},
		map[string]interface{}{
			"energized": state,
			"mode":      mode,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTridentLevels writes dosing module reservoir and waste levels.
//
// Parameters:
//   - controller: Controller slug
//   - moduleKey: Module address key (e.g., "4")
//   - fields: Level fields (e.g., "reagent_a_ml", "waste_ml")
func (c *Client) WriteTridentLevels(controller, moduleKey string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"trident_levels",
		map[string]string{
			"controller": controller,
			"module":     moduleKey,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Example:
//
//	client.WritePoint("poll_stats",
//	    map[string]string{"controller": "apex"},
//	    map[string]interface{}{"consecutive_failures": 2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
