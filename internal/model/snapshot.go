package model

// Snapshot is one published state of the timeline.
type Snapshot struct {
	Account string        `json:"account,omitempty"`
	Loading bool          `json:"loading"`
	Records []EventRecord `json:"records"`
	Price   *PriceQuote   `json:"price,omitempty"`
	Err     string        `json:"error,omitempty"`
}

// Costed returns how many records carry a native cost.
func (s Snapshot) Costed() int {
	n := 0
	for _, r := range s.Records {
		if r.HasCost() {
			n++
		}
	}
	return n
}
