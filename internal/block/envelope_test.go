package block

import (
	"testing"
)

func TestEncodeDecodeOpRoundTrip(t *testing.T) {
	cases := []Op{
		{Kind: OpPublish, PublishName: "pool", PublishBytes: []byte{1, 2, 3}},
		{Kind: OpCall, CallContract: "pool", CallGasLimit: 1000, CallExpr: `swap(1, "x")`},
		{Kind: OpAttach, BindPath: "a.b.c"},
	}
	for _, want := range cases {
		bits, err := EncodeOp(want)
		if err != nil {
			t.Fatalf("encoding op: %s", err)
		}
		got, err := decodeOp(bits, want.InputIndex, want.OpIndex)
		if err != nil {
			t.Fatalf("decoding op: %s", err)
		}
		if got.Kind != want.Kind || got.PublishName != want.PublishName ||
			got.CallContract != want.CallContract || got.CallExpr != want.CallExpr ||
			got.BindPath != want.BindPath {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestParseWitnessOpsNoEnvelope(t *testing.T) {
	// A bare signature push with no envelope at all.
	script := []byte{0x01, 0x02}
	op, payload, err := ParseWitnessOps(script, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if op != nil || payload != nil {
		t.Errorf("expected no envelope, got op=%+v payload=%x", op, payload)
	}
}
