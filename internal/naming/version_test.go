package naming

import "testing"

func TestCompareVersionsNumeric(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"10", "9", 1},
		{"9", "10", -1},
		{"24.04", "24.04", 0},
		{"24.04.1", "24.04", 1},
		{"24.10", "24.04.1", 1},
		{"12.5.0", "12.10.0", -1},
	}
	for _, tc := range cases {
		if got := CompareVersions(OrderingNumeric, tc.a, tc.b); got != tc.want {
			t.Errorf("CompareVersions(numeric, %q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareVersionsDate(t *testing.T) {
	if got := CompareVersions(OrderingDate, "2024.08.01", "2024.07.01"); got != 1 {
		t.Errorf("expected 2024.08.01 > 2024.07.01, got %d", got)
	}
	if got := CompareVersions(OrderingDate, "2023-12-01", "2024-01-01"); got != -1 {
		t.Errorf("expected 2023-12-01 < 2024-01-01, got %d", got)
	}
}

func TestCompareVersionsLexical(t *testing.T) {
	// Under lexical ordering "9" really does sort after "10".
	if got := CompareVersions(OrderingLexical, "9", "10"); got != 1 {
		t.Errorf("expected lexical 9 > 10, got %d", got)
	}
}

func TestMaxVersion(t *testing.T) {
	got := MaxVersion(OrderingNumeric, []string{"9", "10", "8"})
	if got != "10" {
		t.Errorf("MaxVersion = %q, want %q", got, "10")
	}
	if got := MaxVersion(OrderingNumeric, nil); got != "" {
		t.Errorf("MaxVersion of empty slice = %q, want empty", got)
	}
}
