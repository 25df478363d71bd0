package validation

import (
	"testing"
	"time"
)

func TestIsValidPickupTime(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)

	tests := []struct {
		name   string
		pickup time.Time
		want   bool
	}{
		{
			name:   "future within window",
			pickup: time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local),
			want:   true,
		},
		{
			name:   "in the past",
			pickup: time.Date(2025, 3, 10, 11, 0, 0, 0, time.Local),
			want:   false,
		},
		{
			name:   "equal to now",
			pickup: now,
			want:   false,
		},
		{
			name:   "before opening",
			pickup: time.Date(2025, 3, 11, 5, 59, 0, 0, time.Local),
			want:   false,
		},
		{
			name:   "first minute of window",
			pickup: time.Date(2025, 3, 11, 6, 0, 0, 0, time.Local),
			want:   true,
		},
		{
			name:   "last hour of window",
			pickup: time.Date(2025, 3, 10, 21, 45, 0, 0, time.Local),
			want:   true,
		},
		{
			name:   "after closing",
			pickup: time.Date(2025, 3, 10, 22, 0, 0, 0, time.Local),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPickupTime(tt.pickup, now); got != tt.want {
				t.Fatalf("IsValidPickupTime(%v) = %v, want %v", tt.pickup, got, tt.want)
			}
		})
	}
}

func TestIsValidQuantity(t *testing.T) {
	tests := []struct {
		quantity int32
		want     bool
	}{
		{quantity: 0, want: false},
		{quantity: -1, want: false},
		{quantity: 1, want: true},
		{quantity: 50, want: true},
		{quantity: 51, want: false},
	}

	for _, tt := range tests {
		if got := IsValidQuantity(tt.quantity); got != tt.want {
			t.Fatalf("IsValidQuantity(%d) = %v, want %v", tt.quantity, got, tt.want)
		}
	}
}
