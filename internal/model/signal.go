package model

import "time"

// Signal is a fully validated, priced trade candidate.
type Signal struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Pattern    PatternKind `json:"pattern"`
	Confidence float64     `json:"confidence"`
	Entry      float64     `json:"entry"`
	Stop       float64     `json:"stop"`
	Target     float64     `json:"target"`
	RiskReward float64     `json:"risk_reward"`
	Size       float64     `json:"size"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Rank is the ordering key used when capacity is limited.
func (s *Signal) Rank() float64 {
	return s.Confidence * s.RiskReward
}
