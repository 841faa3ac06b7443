package progress

import (
	"encoding/json"
	"fmt"
	"time"
)

// Counts is a snapshot of the three identifier collections.
type Counts struct {
	Saved      int `json:"saved"`
	Searched   int `json:"searched"`
	Unsearched int `json:"unsearched"`
}

// Processed is the number of identifiers already fetched.
func (c Counts) Processed() int {
	return c.Saved + c.Searched
}

// Sample is one point of the progress time series: elapsed runtime across
// every run, total processed, and remaining. It encodes as a 3-element array.
type Sample struct {
	Runtime   float64
	Processed int
	Remaining int
}

// MarshalJSON encodes the sample as [runtime, processed, remaining].
func (s Sample) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal([3]any{s.Runtime, s.Processed, s.Remaining})
	if err != nil {
		return nil, fmt.Errorf("marshal progress sample: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes a [runtime, processed, remaining] array.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal progress sample: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("unmarshal progress sample: want 3 values, got %d", len(raw))
	}
	*s = Sample{Runtime: raw[0], Processed: int(raw[1]), Remaining: int(raw[2])}
	return nil
}

// History is the persisted progress log (analysis_data.json).
type History struct {
	CurrentItemCount int      `json:"current_item_count"`
	CurrentRuntime   float64  `json:"current_runtime"`
	Samples          []Sample `json:"analysis_data"`
}

// NewHistory returns an empty history with zero past runtime.
func NewHistory() History {
	return History{Samples: []Sample{}}
}

// PastRuntime is the runtime accumulated by previous runs.
func (h History) PastRuntime() time.Duration {
	return time.Duration(h.CurrentRuntime * float64(time.Second))
}

// Append records a sample and advances the running totals.
func (h *History) Append(s Sample) {
	h.Samples = append(h.Samples, s)
	h.CurrentItemCount = s.Processed
	h.CurrentRuntime = s.Runtime
}

// Inputs feeds Estimate.
type Inputs struct {
	Counts Counts
	// StartingItemCount is the processed count when this run began.
	StartingItemCount int
	PastRuntime       time.Duration
	CurrentRuntime    time.Duration
	// Discovery marks sources whose item universe grows while crawling.
	Discovery bool
}

// Metrics are the derived throughput and completion figures.
type Metrics struct {
	TotalProcessed  int           `json:"total_processed"`
	NewItemsThisRun int           `json:"new_items_this_run"`
	TotalKnownItems int           `json:"total_known_items"`
	CurrentRuntime  time.Duration `json:"current_runtime"`
	TotalRuntime    time.Duration `json:"total_runtime"`
	ItemRate        float64       `json:"item_rate"`
	PercentComplete float64       `json:"percent_complete"`
	ETA             time.Duration `json:"eta"`
	ETAKnown        bool          `json:"eta_known"`
	// Advisory is set when the denominator still grows with discovery, so
	// PercentComplete and ETA overstate completion.
	Advisory bool `json:"advisory"`
}

// Estimate derives Metrics. The known total is processed plus unsearched, so
// for discovery sources the percentage is only advisory. The ETA is unknown
// until some progress and some runtime exist.
func Estimate(in Inputs) Metrics {
	processed := in.Counts.Processed()
	m := Metrics{
		TotalProcessed:  processed,
		NewItemsThisRun: processed - in.StartingItemCount,
		TotalKnownItems: processed + in.Counts.Unsearched,
		CurrentRuntime:  in.CurrentRuntime,
		TotalRuntime:    in.CurrentRuntime + in.PastRuntime,
		Advisory:        in.Discovery,
	}
	if secs := m.CurrentRuntime.Seconds(); secs > 0 {
		m.ItemRate = float64(m.NewItemsThisRun) / secs
	}
	if m.TotalKnownItems > 0 {
		m.PercentComplete = float64(processed) / float64(m.TotalKnownItems)
	}
	total := m.TotalRuntime.Seconds()
	if m.PercentComplete == 0 || total == 0 {
		return m
	}
	perSecond := m.PercentComplete / total
	m.ETA = time.Duration((1 - m.PercentComplete) / perSecond * float64(time.Second))
	m.ETAKnown = true
	return m
}

// SampleAt builds the sample recorded at a checkpoint.
func SampleAt(totalRuntime time.Duration, c Counts) Sample {
	return Sample{Runtime: totalRuntime.Seconds(), Processed: c.Processed(), Remaining: c.Unsearched}
}

// FormatDuration renders d as "1d 02h 03m 04s", "05h 03m 04s" or "03m 04s".
// With showDays false the day component folds into the hours.
func FormatDuration(d time.Duration, showDays bool) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60

	var out string
	switch {
	case days > 0 && showDays:
		out = fmt.Sprintf("%dd %02dh ", days, hours)
	case hours > 0 || days > 0:
		out = fmt.Sprintf("%02dh ", hours+24*days)
	}
	return out + fmt.Sprintf("%02dm %02ds", minutes, seconds)
}
