package runtime

import "testing"

func TestParseCallExpr(t *testing.T) {
	name, args, err := parseCallExpr(`swap(1, "pool a", 2)`)
	if err != nil {
		t.Fatalf("parsing call expr: %s", err)
	}
	if name != "swap" {
		t.Fatalf("got name %q, want swap", name)
	}
	want := []string{"1", `"pool a"`, "2"}
	if len(args) != len(want) {
		t.Fatalf("got %d args, want %d: %v", len(args), len(want), args)
	}
	for i, w := range want {
		if args[i] != w {
			t.Errorf("arg %d = %q, want %q", i, args[i], w)
		}
	}
}

func TestParseCallExprNoArgs(t *testing.T) {
	name, args, err := parseCallExpr("balance()")
	if err != nil {
		t.Fatalf("parsing call expr: %s", err)
	}
	if name != "balance" || len(args) != 0 {
		t.Fatalf("got name=%q args=%v, want balance/[]", name, args)
	}
}

func TestParseCallExprMalformed(t *testing.T) {
	if _, _, err := parseCallExpr("not a call"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestParseContractAddress(t *testing.T) {
	addr, err := parseContractAddress("pool@100:3")
	if err != nil {
		t.Fatalf("parsing address: %s", err)
	}
	if addr.name != "pool" || addr.height != 100 || addr.txIndex != 3 {
		t.Fatalf("got %+v, want {pool 100 3}", addr)
	}
}

func TestParseContractAddressMalformed(t *testing.T) {
	if _, err := parseContractAddress("not-an-address"); err == nil {
		t.Fatal("expected syntax error")
	}
}
