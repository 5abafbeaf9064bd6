package currency

import "testing"

func TestToMinorRounds(t *testing.T) {
	cases := []struct {
		amount float64
		want   int64
	}{
		{100.00, 10000},
		{19.99, 1999},
		{0.1, 10},
		{29.07, 2907},
	}
	for _, c := range cases {
		if got := ToMinor(c.amount, "USD"); got != c.want {
			t.Errorf("ToMinor(%v) = %d, want %d", c.amount, got, c.want)
		}
	}
}

func TestToDecimalRoundTrip(t *testing.T) {
	if got := ToDecimal(1999, "EUR"); got != 19.99 {
		t.Fatalf("ToDecimal(1999) = %v", got)
	}
	if got := ToMinor(ToDecimal(12345, "PHP"), "PHP"); got != 12345 {
		t.Fatalf("round trip = %d", got)
	}
}

func TestUnknownCurrencyDefaultsToTwoDecimals(t *testing.T) {
	if got := ToMinor(5.50, "XXX"); got != 550 {
		t.Fatalf("ToMinor = %d, want 550", got)
	}
	if Supported("XXX") {
		t.Fatal("XXX must not be reported supported")
	}
	if !Supported("usd") {
		t.Fatal("codes must be case-insensitive")
	}
}
