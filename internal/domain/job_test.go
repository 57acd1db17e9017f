package domain

import "testing"

func TestDedupKeyCoalescesEquivalentPayloads(t *testing.T) {
	cases := []struct {
		name string
		a, b string
	}{
		{"whitespace", "sub_123", "  sub_123\n"},
		{"json key order", `{"id":"p1","amount":100}`, `{ "amount": 100, "id": "p1" }`},
		{"unicode composition", "caf\u00e9", "cafe\u0301"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if DedupKey(PriceSync, tc.a) != DedupKey(PriceSync, tc.b) {
				t.Fatalf("expected %q and %q to share a dedup key", tc.a, tc.b)
			}
		})
	}
}

func TestDedupKeyDistinguishesTypeAndPayload(t *testing.T) {
	if DedupKey(PriceSync, "p1") == DedupKey(SyncSubscription, "p1") {
		t.Fatal("different job types must not share a dedup key")
	}
	if DedupKey(PriceSync, "p1") == DedupKey(PriceSync, "p2") {
		t.Fatal("different payloads must not share a dedup key")
	}
}

func TestNormalizePayloadKeepsInvalidJSON(t *testing.T) {
	in := `{"id": broken`
	if got := NormalizePayload(in); got != in {
		t.Fatalf("NormalizePayload(%q) = %q, want input unchanged", in, got)
	}
}

func TestJobExhausted(t *testing.T) {
	j := Job{RetryCount: 1, MaxRetries: 3}
	if j.Exhausted() {
		t.Fatal("retry 1 of 3 should not be exhausted")
	}
	j.RetryCount = 2
	if !j.Exhausted() {
		t.Fatal("retry 2 of 3 should be exhausted")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !Pending.Claimable() || !Retrying.Claimable() || Processing.Claimable() {
		t.Fatal("only PENDING and RETRYING are claimable")
	}
	if !Completed.Terminal() || !DeadLetter.Terminal() || Retrying.Terminal() {
		t.Fatal("only COMPLETED and DEAD_LETTER are terminal")
	}
}
