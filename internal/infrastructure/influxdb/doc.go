// Package influxdb writes printer telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go with connection verification, a
// non-blocking batched write API and an error callback for failed batches.
// The telemetry package decides what to write; this package only knows
// about points.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePointWithTime("printer_temperature",
//	    map[string]string{"device": "moonraker:voron.local", "sensor": "nozzle"},
//	    map[string]any{"current": 214.8, "target": 215.0},
//	    ts)
package influxdb
