package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/influxdb"
)

// Measurement names written by InfluxWriter.
const (
	MeasurementState       = "printer_state"
	MeasurementTemperature = "printer_temperature"
	MeasurementJob         = "printer_job"
)

// PointWriter is the part of influxdb.Client the Influx sink needs.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

var _ PointWriter = (*influxdb.Client)(nil)

// InfluxWriter turns status updates into time-series points.
//
// Writes are queued by the client's batching write API, so Write never
// blocks on the network and always returns nil; batch failures surface
// through the client's error callback.
type InfluxWriter struct {
	w PointWriter
}

// NewInfluxWriter creates the InfluxDB sink.
func NewInfluxWriter(w PointWriter) *InfluxWriter {
	return &InfluxWriter{w: w}
}

func (w *InfluxWriter) Name() string { return "influxdb" }

// Write records u. Transition updates become a state point; backend
// updates become one temperature point per sensor plus a job point.
func (w *InfluxWriter) Write(_ context.Context, u device.StatusUpdate) error {
	tags := map[string]string{
		"device": string(u.Identity),
		"kind":   string(u.Kind),
	}

	if u.Source == device.SourceTransition {
		fields := map[string]any{
			"state": string(u.State),
			"seq":   int64(u.Seq), // #nosec G115 -- sequence numbers stay far below MaxInt64
		}
		if u.Previous != "" {
			fields["previous"] = string(u.Previous)
		}
		if u.Reason != "" {
			fields["reason"] = u.Reason
		}
		w.w.WritePointWithTime(MeasurementState, tags, fields, u.Timestamp)
		return nil
	}

	snap := u.Status
	if snap == nil {
		return nil
	}
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = u.Timestamp
	}

	for sensor, t := range snap.Temperatures {
		w.w.WritePointWithTime(MeasurementTemperature, withTag(tags, "sensor", sensor), map[string]any{
			"current": t.Current,
			"target":  t.Target,
		}, ts)
	}

	job := map[string]any{
		"progress": snap.Progress,
		"errors":   len(snap.Errors),
	}
	if snap.JobState != "" {
		job["job_state"] = snap.JobState
	}
	if snap.JobName != "" {
		job["job_name"] = snap.JobName
	}
	w.w.WritePointWithTime(MeasurementJob, tags, job, ts)
	return nil
}

func withTag(tags map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for tk, tv := range tags {
		out[tk] = tv
	}
	out[k] = v
	return out
}
