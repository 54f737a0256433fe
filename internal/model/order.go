package model

import "time"

// Fill is the outcome of a successfully executed signal.
type Fill struct {
	OrderID    string    `json:"order_id"`
	Signal     Signal    `json:"signal"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Slippage   float64   `json:"slippage"`   // price units
	Commission float64   `json:"commission"` // currency
	FilledAt   time.Time `json:"filled_at"`
}
