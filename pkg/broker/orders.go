package broker

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Side is the order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderRequest is a market order. ClientOrderID makes retries idempotent.
type OrderRequest struct {
	ClientOrderID string  `json:"clientorderid"`
	Symbol        string  `json:"tradingsymbol"`
	Side          Side    `json:"transactiontype"`
	Quantity      float64 `json:"quantity"`
	OrderType     string  `json:"ordertype"`
	Product       string  `json:"producttype"`
}

// OrderResponse is the broker's view of one order.
type OrderResponse struct {
	OrderID   string  `json:"orderid"`
	Status    string  `json:"status"` // complete, open, rejected, cancelled
	FilledQty float64 `json:"filledshares"`
	AvgPrice  float64 `json:"averageprice"`
	Message   string  `json:"text"`
	UpdatedAt int64   `json:"updatetime"` // unix seconds
}

// Filled reports whether the order is completely filled.
func (o OrderResponse) Filled() bool { return o.Status == "complete" }

// Time returns the broker's update time.
func (o OrderResponse) Time() time.Time { return time.Unix(o.UpdatedAt, 0) }

// PlaceOrder submits a market order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if req.OrderType == "" {
		req.OrderType = "MARKET"
	}
	if req.Product == "" {
		req.Product = "INTRADAY"
	}
	var out OrderResponse
	err := c.do(ctx, http.MethodPost, "api.order.place", nil, req, req.Symbol, &out)
	return out, err
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodPost, "api.order.cancel", nil, map[string]string{"orderid": orderID}, "", nil)
}

// OrderStatus returns the latest state of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (OrderResponse, error) {
	var out OrderResponse
	err := c.do(ctx, http.MethodGet, "api.order.details", url.Values{"orderid": {orderID}}, nil, "", &out)
	return out, err
}
