package lease

import "testing"

func TestLockKey_PrefixesPipeline(t *testing.T) {
	if got, want := LockKey("noaa-gsom"), "pipeline:noaa-gsom"; got != want {
		t.Fatalf("LockKey(%q) = %q, want %q", "noaa-gsom", got, want)
	}
}
