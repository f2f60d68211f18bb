package runtime

import "testing"

func TestGaugeConsumeAndExhaust(t *testing.T) {
	g := NewGauge(1000)
	if err := g.Consume(OpExists, 0); err != nil {
		t.Fatalf("consuming exists: %s", err)
	}
	if g.Remaining() != 950 {
		t.Fatalf("remaining = %d, want 950", g.Remaining())
	}

	if err := g.Consume(OpSetValue, 1000); err == nil {
		t.Fatal("expected out-of-fuel error")
	}
}

func TestGaugeTracksPerTypeStats(t *testing.T) {
	g := NewGauge(1_000_000)
	for i := 0; i < 3; i++ {
		if err := g.Consume(OpGetValue, 10); err != nil {
			t.Fatalf("consuming get: %s", err)
		}
	}
	if g.TotalHostFuel() != 300 {
		t.Fatalf("total host fuel = %d, want 300", g.TotalHostFuel())
	}
}

func TestOperationCostTable(t *testing.T) {
	cases := []struct {
		op   Operation
		n    uint64
		want uint64
	}{
		{OpPathConstruct, 3, 30},
		{OpGetValue, 5, 50},
		{OpSetValue, 5, 250},
		{OpExists, 0, 50},
		{OpKeysNext, 4, 140},
		{OpMatchingPath, 4, 540},
		{OpDeleteMatchingPaths, 4, 1040},
		{OpCryptoHash, 4, 540},
		{OpNumericAddSubMulDiv, 0, 100},
		{OpNumericLog10, 0, 500},
	}
	for _, c := range cases {
		if got := c.op.Cost(c.n); got != c.want {
			t.Errorf("%s.Cost(%d) = %d, want %d", c.op, c.n, got, c.want)
		}
	}
}
