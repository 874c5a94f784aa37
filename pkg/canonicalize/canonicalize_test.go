package canonicalize

import (
	"strings"
	"testing"
)

func TestJCS_SortsKeys(t *testing.T) {
	in := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mango": map[string]interface{}{"z": true, "a": false},
	}
	out, err := JCS(in)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	want := `{"alpha":2,"mango":{"a":false,"z":true},"zebra":1}`
	if string(out) != want {
		t.Errorf("JCS = %s, want %s", out, want)
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"k": "a<b>&c"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if strings.Contains(string(out), `<`) {
		t.Errorf("JCS escaped HTML: %s", out)
	}
}

func TestJCS_StructTags(t *testing.T) {
	type intent struct {
		Type    string  `json:"type"`
		Symbol  string  `json:"symbol"`
		Venue   string  `json:"venue"`
		Side    string  `json:"side"`
		Nominal float64 `json:"notional_usd"`
	}
	out, err := JCSString(intent{Type: "order.place", Symbol: "ABC-USD", Venue: "COINBASE", Side: "BUY", Nominal: 25})
	if err != nil {
		t.Fatalf("JCSString failed: %v", err)
	}
	want := `{"notional_usd":25,"side":"BUY","symbol":"ABC-USD","type":"order.place","venue":"COINBASE"}`
	if out != want {
		t.Errorf("JCSString = %s, want %s", out, want)
	}
}

func TestCanonicalHash_Stable(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": "x"}
	b := map[string]interface{}{"a": "x", "b": 1}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Errorf("equivalent documents hash differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected sha256 hex digest, got %q", ha)
	}
}
