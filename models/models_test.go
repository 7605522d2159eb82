package models

import (
	"encoding/json"
	"testing"
)

func TestNullableFloatDecoding(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
		want  float64
	}{
		{`{"lastPrice": 120.5}`, true, 120.5},
		{`{"lastPrice": "95.25"}`, true, 95.25},
		{`{"lastPrice": -50}`, true, -50},
		{`{"lastPrice": null}`, false, 0},
		{`{"lastPrice": "-"}`, false, 0},
		{`{"lastPrice": true}`, false, 0},
		{`{}`, false, 0},
	}
	for _, c := range cases {
		var q LegQuote
		if err := json.Unmarshal([]byte(c.in), &q); err != nil {
			t.Fatalf("%s: unexpected error: %v", c.in, err)
		}
		if q.LastPrice.Valid != c.valid || q.LastPrice.Value != c.want {
			t.Errorf("%s: got %+v", c.in, q.LastPrice)
		}
		if p := q.LastPrice.Ptr(); (p != nil) != c.valid {
			t.Errorf("%s: Ptr() = %v", c.in, p)
		}
	}
}

func TestRawChainItemOptionalLegs(t *testing.T) {
	var item RawChainItem
	payload := `{"strikePrice": 19500, "expiryDate": "30-Jan-2025", "CE": {"changeinOpenInterest": 150}}`
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if item.CE == nil || item.PE != nil {
		t.Fatalf("unexpected legs: CE=%v PE=%v", item.CE, item.PE)
	}
	if !item.CE.ChangeInOpenInterest.Valid || item.CE.ChangeInOpenInterest.Value != 150 {
		t.Errorf("change in OI not decoded: %+v", item.CE.ChangeInOpenInterest)
	}
	if item.CE.LastPrice.Valid {
		t.Errorf("missing lastPrice should be unset")
	}
}

func TestRawChainItemLenientStrike(t *testing.T) {
	var items []RawChainItem
	payload := `[
		{"strikePrice": "19600", "expiryDate": "30-Jan-2025", "PE": {"lastPrice": 80}},
		{"strikePrice": 19700, "expiryDate": "30-Jan-2025"},
		{"strikePrice": null, "expiryDate": "30-Jan-2025", "CE": {}}
	]`
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].StrikePrice != 19600 || items[0].PE == nil || items[0].PE.LastPrice.Value != 80 {
		t.Errorf("string strike not decoded: %+v", items[0])
	}
	if items[1].StrikePrice != 19700 {
		t.Errorf("numeric strike = %v", items[1].StrikePrice)
	}
	if items[2].StrikePrice != 0 || items[2].CE == nil {
		t.Errorf("null strike should keep the item: %+v", items[2])
	}
}
