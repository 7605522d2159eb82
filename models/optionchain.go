package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// LegType identifies which side of a strike a quote belongs to.
type LegType string

const (
	LegCall LegType = "CALL"
	LegPut  LegType = "PUT"
)

// NullableFloat decodes a JSON number leniently. null, a missing field or a
// value that is not a number leave it unset instead of failing the decode.
type NullableFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts numbers and numeric strings; anything else yields an
// unset value.
func (n *NullableFloat) UnmarshalJSON(data []byte) error {
	*n = NullableFloat{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		data = []byte(strings.TrimSpace(s))
	}

	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return nil
	}
	n.Value = v
	n.Valid = true
	return nil
}

// Ptr returns the value as a pointer, nil when unset.
func (n NullableFloat) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// LegQuote is the CE or PE sub-object of an upstream strike entry.
type LegQuote struct {
	LastPrice            NullableFloat `json:"lastPrice"`
	OpenInterest         NullableFloat `json:"openInterest"`
	ChangeInOpenInterest NullableFloat `json:"changeinOpenInterest"`
}

// RawChainItem is one strike entry as served under records.data.
type RawChainItem struct {
	StrikePrice float64   `json:"strikePrice"`
	ExpiryDate  string    `json:"expiryDate"`
	CE          *LegQuote `json:"CE,omitempty"`
	PE          *LegQuote `json:"PE,omitempty"`
}

// UnmarshalJSON decodes strikePrice as leniently as the leg fields: numeric
// strings are accepted and an unusable value leaves the strike at zero.
func (r *RawChainItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		StrikePrice NullableFloat `json:"strikePrice"`
		ExpiryDate  string        `json:"expiryDate"`
		CE          *LegQuote     `json:"CE,omitempty"`
		PE          *LegQuote     `json:"PE,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = RawChainItem{
		StrikePrice: raw.StrikePrice.Value,
		ExpiryDate:  raw.ExpiryDate,
		CE:          raw.CE,
		PE:          raw.PE,
	}
	return nil
}

// QuoteRecord is a single flattened row of a snapshot.
type QuoteRecord struct {
	Timestamp            time.Time `json:"timestamp"`
	Expiry               string    `json:"expiry"`
	Strike               float64   `json:"strike"`
	LegType              LegType   `json:"legType"`
	LastPrice            *float64  `json:"lastPrice"`
	OpenInterest         *float64  `json:"openInterest"`
	ChangeInOpenInterest *float64  `json:"changeInOpenInterest"`
}

// Snapshot is the ordered set of records captured by one cycle.
type Snapshot struct {
	Symbol      string
	CaptureTime time.Time
	Records     []QuoteRecord
}

// MirrorAck confirms a file was stored remotely.
type MirrorAck struct {
	Location string
	ETag     string
	Bytes    int64
}
