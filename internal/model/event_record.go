package model

import (
	"fmt"
	"strconv"
)

// UnknownEventName labels events whose name cannot be resolved.
const UnknownEventName = "Unknown Event"

// RawEvent is a decoded contract log as returned by an event source. Args holds
// every input under its position ("0", "1", ...) and, when named, its name.
type RawEvent struct {
	Name        string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Args        map[string]interface{}
}

// EventRecord is the normalized timeline entry for one contract event.
type EventRecord struct {
	Name        string            `json:"name"`
	BlockNumber uint64            `json:"block_number"`
	TxHash      string            `json:"tx_hash"`
	LogIndex    uint64            `json:"log_index"`
	Args        map[string]string `json:"args"`
	CostNative  *string           `json:"cost_native,omitempty"`
	CostFiat    *string           `json:"cost_fiat,omitempty"`
}

// Key identifies a record by transaction hash and its position in the sorted
// timeline. A single transaction may emit several records.
func (r EventRecord) Key(index int) string {
	return fmt.Sprintf("%s-%d", r.TxHash, index)
}

// HasCost reports whether the native cost has been computed.
func (r EventRecord) HasCost() bool {
	return r.CostNative != nil
}

// IsPositionalKey reports whether an args key is a positional index.
func IsPositionalKey(key string) bool {
	if key == "" {
		return false
	}
	_, err := strconv.ParseUint(key, 10, 64)
	return err == nil
}
