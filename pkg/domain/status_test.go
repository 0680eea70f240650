package domain

import (
	"testing"
	"time"
)

func TestDeriveStatusTable(t *testing.T) {
	in := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	out := in.Add(2 * time.Hour)
	measured := 150.0

	cases := []struct {
		name     string
		dateIn   *time.Time
		dateOut  *time.Time
		measured *float64
		want     IrradiationStatus
	}{
		{"no dates", nil, nil, nil, StatusUnstarted},
		{"measured without dates", nil, nil, &measured, StatusUnstarted},
		{"in beam", &in, nil, nil, StatusOngoing},
		{"in beam with measurement", &in, nil, &measured, StatusOngoing},
		{"out of beam", &in, &out, nil, StatusOutOfBeam},
		{"completed", &in, &out, &measured, StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(tc.dateIn, tc.dateOut, tc.measured)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if again := DeriveStatus(tc.dateIn, tc.dateOut, tc.measured); again != got {
				t.Fatalf("derivation not idempotent: %s then %s", got, again)
			}
		})
	}
}

func TestDerivedStatusIgnoresStoredStatus(t *testing.T) {
	in := time.Now().UTC()
	rec := Irradiation{DateIn: &in, Status: StatusCompleted}
	if rec.DerivedStatus() != StatusOngoing {
		t.Fatalf("expected stored status to be ignored, got %s", rec.DerivedStatus())
	}
}

func TestWindowUsesNowForOpenRecords(t *testing.T) {
	in := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	now := in.Add(time.Hour)
	rec := Irradiation{DateIn: &in}
	from, to, ok := rec.Window(now)
	if !ok || !from.Equal(in) || !to.Equal(now) {
		t.Fatalf("unexpected window %v-%v ok=%v", from, to, ok)
	}
	out := in.Add(30 * time.Minute)
	rec.DateOut = &out
	if _, to, _ := rec.Window(now); !to.Equal(out) {
		t.Fatalf("expected closed window to end at date_out, got %v", to)
	}
	if _, _, ok := (Irradiation{}).Window(now); ok {
		t.Fatalf("expected no window without date_in")
	}
}
