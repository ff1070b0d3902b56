package runner

import (
	"sort"
	"testing"
)

func TestEnvList(t *testing.T) {
	if got := envList(nil); got != nil {
		t.Errorf("envList(nil) = %v, want nil", got)
	}
	if got := envList(map[string]string{}); got != nil {
		t.Errorf("envList(empty) = %v, want nil", got)
	}

	got := envList(map[string]string{"FOO": "1", "BAR": "two"})
	sort.Strings(got)
	want := []string{"BAR=two", "FOO=1"}
	if len(got) != len(want) {
		t.Fatalf("envList returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
