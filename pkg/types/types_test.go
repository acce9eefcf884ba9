package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{"0xAbCdEf1234567890aBcDeF1234567890AbCdEf12", "0xabcdef1234567890abcdef1234567890abcdef12", false},
		{"0xabcdef1234567890abcdef1234567890abcdef12", "0xabcdef1234567890abcdef1234567890abcdef12", false},
		{"abcdef1234567890abcdef1234567890abcdef12", "0xabcdef1234567890abcdef1234567890abcdef12", false},
		{"0x123", "", true},
		{"not-an-address", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddressShort(t *testing.T) {
	t.Parallel()

	a := Address("0xabcdef1234567890abcdef1234567890abcdef12")
	if got, want := a.Short(), "0xabcd...ef12"; got != want {
		t.Errorf("Short() = %q, want %q", got, want)
	}
	if got := Address("0x12").Short(); got != "0x12" {
		t.Errorf("Short() on tiny input = %q, want passthrough", got)
	}
}

func TestSubscriptionKeyNormalizesUser(t *testing.T) {
	t.Parallel()

	a := Subscription{Type: "userEvents", User: "0xABC"}
	b := Subscription{Type: "userEvents", User: "0xabc"}
	if a.Key() != b.Key() {
		t.Errorf("keys differ for same user: %q vs %q", a.Key(), b.Key())
	}

	c := Subscription{Type: "webData2", User: "0xabc"}
	if a.Key() == c.Key() {
		t.Error("different subscription types produced the same key")
	}
}

func TestSubscribeRequestOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(SubscribeRequest{
		Method:       "subscribe",
		Subscription: Subscription{Type: ChannelAllMids},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"method":"subscribe","subscription":{"type":"allMids"}}`
	if string(raw) != want {
		t.Errorf("marshal = %s, want %s", raw, want)
	}
}

func TestFillDecodesExchangeJSON(t *testing.T) {
	t.Parallel()

	raw := `{"coin":"BTC","px":"50000.5","sz":"0.1","side":"B","time":1700000000000,
		"oid":12345,"dir":"Close Long","closedPnl":"42.5","fee":"1.25"}`

	var f Fill
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !f.IsBuy() {
		t.Error("side B should report IsBuy")
	}
	if !f.IsClose() {
		t.Error("dir 'Close Long' should report IsClose")
	}
	if want := decimal.RequireFromString("5000.05"); !f.Notional().Equal(want) {
		t.Errorf("Notional() = %s, want %s", f.Notional(), want)
	}
	if !f.ClosedPnl.Equal(decimal.RequireFromString("42.5")) {
		t.Errorf("ClosedPnl = %s, want 42.5", f.ClosedPnl)
	}
}

func TestFillIsCloseDirections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dir  string
		want bool
	}{
		{"Close Long", true},
		{"Close Short", true},
		{"Open Long", false},
		{"Open Short", false},
		{"", false},
	}
	for _, tt := range tests {
		f := Fill{Dir: tt.dir}
		if got := f.IsClose(); got != tt.want {
			t.Errorf("Fill{Dir:%q}.IsClose() = %v, want %v", tt.dir, got, tt.want)
		}
	}
}

func TestPositionSnapshotFlat(t *testing.T) {
	t.Parallel()

	if !(PositionSnapshot{}).Flat() {
		t.Error("zero snapshot should be flat")
	}
	p := PositionSnapshot{Size: decimal.RequireFromString("-0.5")}
	if p.Flat() {
		t.Error("short position should not be flat")
	}
}
