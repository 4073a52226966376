package model

// Signal is a detected price jump. It is consumed once by the coordinator.
type Signal struct {
	Direction  Side    `json:"direction"`
	DetectedAt int64   `json:"detected_at"` // event time of the triggering trade, ms
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Ratio      float64 `json:"ratio"`
}
