package metrics

import (
	"strconv"
	"time"
)

// RecordRequest emits latency and count for one HTTP request.
func RecordRequest(route, method string, status int, elapsed time.Duration) {
	New(Namespace).
		Dimension("Route", route).
		Dimension("Method", method).
		Metric("RequestLatencyMs", float64(elapsed.Milliseconds()), UnitMilliseconds).
		Count("RequestCount").
		Property("Status", strconv.Itoa(status)).
		Flush()
}

// JobStats is the per-job tally emitted when a job ends.
type JobStats struct {
	Outcome        string
	FramesRead     int
	FramesAnalyzed int
	FramesDropped  uint64
	AnalyzerErrors int
	Detections     int
	Duration       time.Duration
}

// RecordJob emits the job tally with an Outcome dimension.
func RecordJob(jobID string, s JobStats) {
	New(Namespace).
		Dimension("Outcome", s.Outcome).
		Metric("FramesRead", float64(s.FramesRead), UnitCount).
		Metric("FramesAnalyzed", float64(s.FramesAnalyzed), UnitCount).
		Metric("FramesDropped", float64(s.FramesDropped), UnitCount).
		Metric("AnalyzerErrors", float64(s.AnalyzerErrors), UnitCount).
		Metric("Detections", float64(s.Detections), UnitCount).
		Metric("JobDurationMs", float64(s.Duration.Milliseconds()), UnitMilliseconds).
		Property("JobId", jobID).
		Flush()
}
