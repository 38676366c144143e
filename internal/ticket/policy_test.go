package ticket

import (
	"testing"
	"time"
)

func TestRenewalPolicyWindows(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := &Key{
		CreatedAt: base,
		ExpiresAt: base.Add(3600 * time.Second),
	}
	p := RenewalPolicy{Margin: 300 * time.Second}

	cases := []struct {
		name string
		at   time.Duration
		want Decision
	}{
		{"recien creada", 100 * time.Second, NoRenewal},
		{"justo antes del margen", 3299 * time.Second, NoRenewal},
		{"al cruzar el margen", 3300 * time.Second, RenewalDue},
		{"dentro del margen", 3400 * time.Second, RenewalDue},
		{"expirada en gracia", 3650 * time.Second, RenewalDue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Evaluate(k, base.Add(tc.at)); got != tc.want {
				t.Fatalf("at %v: got %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}
