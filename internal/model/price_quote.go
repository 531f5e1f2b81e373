package model

import "time"

// PriceQuote is a fiat price per unit of native currency.
type PriceQuote struct {
	Value     float64   `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// Age returns how old the quote is at now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}
