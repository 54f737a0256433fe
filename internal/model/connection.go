package model

import "time"

// ConnStatus is the live feed connection status.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnected    ConnStatus = "connected"
	ConnReconnecting ConnStatus = "reconnecting"
	ConnDegraded     ConnStatus = "degraded" // reconnect budget exhausted
	ConnFallback     ConnStatus = "fallback" // bootstrap failed, building from live ticks only
)

// ConnectionState is owned by the feed manager and read by the health supervisor.
type ConnectionState struct {
	Status      ConnStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	LastSuccess time.Time  `json:"last_success"`
	LastTick    time.Time  `json:"last_tick"`
	Bootstrap   bool       `json:"bootstrap"` // true when the historical seed loaded
}
