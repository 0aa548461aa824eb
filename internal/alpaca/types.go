package alpaca

import "time"

// Alpaca's trading API serializes decimals as JSON strings; the data API
// uses plain numbers. Nullable prices are pointers so absent legs decode
// cleanly.

type accountResponse struct {
	Equity      float64 `json:"equity,string"`
	Cash        float64 `json:"cash,string"`
	BuyingPower float64 `json:"buying_power,string"`
	Status      string  `json:"status"`
}

type positionResponse struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty,string"`
	AvgEntryPrice float64 `json:"avg_entry_price,string"`
	CurrentPrice  float64 `json:"current_price,string"`
	MarketValue   float64 `json:"market_value,string"`
	UnrealizedPL  float64 `json:"unrealized_pl,string"`
}

type orderResponse struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           *float64  `json:"qty,string"`
	FilledQty     *float64  `json:"filled_qty,string"`
	LimitPrice    *float64  `json:"limit_price,string"`
	StopPrice     *float64  `json:"stop_price,string"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type clockResponse struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

type barPayload struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type barsResponse struct {
	Bars   []barPayload `json:"bars"`
	Symbol string       `json:"symbol"`
}

type latestBarResponse struct {
	Bar    barPayload `json:"bar"`
	Symbol string     `json:"symbol"`
}

type bracketLeg struct {
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

type orderPayload struct {
	Symbol        string      `json:"symbol"`
	Qty           string      `json:"qty"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	TimeInForce   string      `json:"time_in_force"`
	LimitPrice    string      `json:"limit_price,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	OrderClass    string      `json:"order_class,omitempty"`
	TakeProfit    *bracketLeg `json:"take_profit,omitempty"`
	StopLoss      *bracketLeg `json:"stop_loss,omitempty"`
	ExtendedHours bool        `json:"extended_hours,omitempty"`
}

type replacePayload struct {
	Qty        string `json:"qty,omitempty"`
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}
