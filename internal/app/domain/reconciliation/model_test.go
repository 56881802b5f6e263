package reconciliation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		internal   string
		external   string
		wantStatus Status
		wantPct    string
	}{
		{"exact match", "10000", "10000", StatusBalanced, "0"},
		{"minor under one percent", "10000", "10050", StatusMinorDiscrepancy, "0.5"},
		{"boundary one percent is major", "10000", "10100", StatusMajorDiscrepancy, "1"},
		{"three percent is major", "10000", "10300", StatusMajorDiscrepancy, "3"},
		{"boundary five percent is critical", "10000", "10500", StatusCritical, "5"},
		{"large gap is critical", "10000", "20000", StatusCritical, "100"},
		{"negative minor", "10000", "9950", StatusMinorDiscrepancy, "-0.5"},
		{"negative critical", "10000", "4000", StatusCritical, "-60"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			internal := dec(tc.internal)
			discrepancy := dec(tc.external).Sub(internal)

			status, pct := Classify(discrepancy, internal)
			if status != tc.wantStatus {
				t.Fatalf("Classify() status = %s, want %s", status, tc.wantStatus)
			}
			if !pct.Equal(dec(tc.wantPct)) {
				t.Fatalf("Classify() pct = %s, want %s", pct, tc.wantPct)
			}
		})
	}

	t.Run("zero internal total", func(t *testing.T) {
		status, _ := Classify(dec("100"), decimal.Zero)
		if status != StatusCritical {
			t.Fatalf("Classify() with zero internal = %s, want CRITICAL", status)
		}
	})
}

func TestRecordResolved(t *testing.T) {
	var r Record
	if r.Resolved() {
		t.Fatal("fresh record should not be resolved")
	}
	r.ResolvedBy = "guardian-1"
	if !r.Resolved() {
		t.Fatal("record with resolver should be resolved")
	}
}
