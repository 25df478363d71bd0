package lifecycle

import (
	"errors"
	"testing"

	"github.com/nmalyshev/canteen-system/internal/model"
)

func TestNext_LinearPath(t *testing.T) {
	tests := []struct {
		from model.OrderStatus
		want model.OrderStatus
	}{
		{from: model.OrderStatusPending, want: model.OrderStatusPreparing},
		{from: model.OrderStatusPreparing, want: model.OrderStatusReady},
		{from: model.OrderStatusReady, want: model.OrderStatusCompleted},
	}

	for _, tt := range tests {
		got, err := Next(tt.from)
		if err != nil {
			t.Fatalf("Next(%s) error: %v", tt.from, err)
		}
		if got != tt.want {
			t.Fatalf("Next(%s) = %s, want %s", tt.from, got, tt.want)
		}
	}
}

func TestNext_CompletedIsTerminal(t *testing.T) {
	_, err := Next(model.OrderStatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNext_UnknownStatus(t *testing.T) {
	_, err := Next(model.OrderStatus("cancelled"))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAdvance_RolePermissions(t *testing.T) {
	tests := []struct {
		name    string
		role    model.Role
		status  model.OrderStatus
		want    model.OrderStatus
		wantErr error
	}{
		{
			name:   "staff advances pending",
			role:   model.RoleStaff,
			status: model.OrderStatusPending,
			want:   model.OrderStatusPreparing,
		},
		{
			name:   "admin advances ready",
			role:   model.RoleAdmin,
			status: model.OrderStatusReady,
			want:   model.OrderStatusCompleted,
		},
		{
			name:    "customer cannot advance",
			role:    model.RoleCustomer,
			status:  model.OrderStatusPending,
			wantErr: ErrRoleNotAllowed,
		},
		{
			name:    "staff cannot advance completed",
			role:    model.RoleStaff,
			status:  model.OrderStatusCompleted,
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Advance(tt.role, tt.status)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Advance error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Advance error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Advance = %s, want %s", got, tt.want)
			}
		})
	}
}
