package address

import "testing"

func TestChecksummed(t *testing.T) {
	got, err := Checksummed("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("Checksummed error: %v", err)
	}
	if got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("got %s", got)
	}
	for _, bad := range []string{"", "0x12", "0xzzaeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		if _, err := Checksummed(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
