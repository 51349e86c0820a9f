package models

import (
	"errors"
	"testing"
)

func TestInventoryReserve(t *testing.T) {
	tests := []struct {
		name      string
		inv       Inventory
		qty       int
		wantErr   error
		wantResvd int
	}{
		{"fits", Inventory{Quantity: 10}, 2, nil, 2},
		{"exact", Inventory{Quantity: 3, Reserved: 1}, 2, nil, 3},
		{"zero quantity", Inventory{Quantity: 10}, 0, ErrInvalidArgument, 0},
		{"negative quantity", Inventory{Quantity: 10}, -1, ErrInvalidArgument, 0},
		{"short", Inventory{Quantity: 3, Reserved: 2}, 2, ErrInsufficientStock, 2},
		{"backorder", Inventory{Quantity: 1, Reserved: 1, AllowBackorder: true}, 4, nil, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := tt.inv
			err := inv.Reserve(tt.qty)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Reserve() error = %v, want %v", err, tt.wantErr)
			}
			if inv.Reserved != tt.wantResvd {
				t.Errorf("Expected reserved %d, got %d", tt.wantResvd, inv.Reserved)
			}
		})
	}
}

func TestInventoryRelease(t *testing.T) {
	inv := Inventory{Quantity: 10, Reserved: 5}

	changed, err := inv.Release(2)
	if err != nil || !changed || inv.Reserved != 3 {
		t.Fatalf("Release(2): changed=%v err=%v reserved=%d", changed, err, inv.Reserved)
	}

	changed, err = inv.Release(10)
	if err != nil || !changed || inv.Reserved != 0 {
		t.Fatalf("Release(10) should clamp: changed=%v err=%v reserved=%d", changed, err, inv.Reserved)
	}

	changed, err = inv.Release(1)
	if err != nil || changed {
		t.Fatalf("Release on empty reservation should be a no-op: changed=%v err=%v", changed, err)
	}

	if _, err := inv.Release(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestInventoryReserveReleaseRoundTrip(t *testing.T) {
	inv := Inventory{Quantity: 20, Reserved: 4}

	if err := inv.Reserve(5); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := inv.Release(5); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if inv.Reserved != 4 {
		t.Errorf("Expected reserved back at 4, got %d", inv.Reserved)
	}
}

func TestInventoryConfirm(t *testing.T) {
	inv := Inventory{Quantity: 10, Reserved: 2}

	if err := inv.Confirm(2); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if inv.Quantity != 8 || inv.Reserved != 0 {
		t.Errorf("Expected quantity=8 reserved=0, got quantity=%d reserved=%d", inv.Quantity, inv.Reserved)
	}

	if err := inv.Confirm(1); !errors.Is(err, ErrReservationInconsistency) {
		t.Errorf("Expected ErrReservationInconsistency, got %v", err)
	}
	if inv.Quantity != 8 {
		t.Errorf("Failed confirm must not touch quantity, got %d", inv.Quantity)
	}
}

func TestInventoryRestock(t *testing.T) {
	inv := Inventory{Quantity: 5, Reserved: 1}

	if err := inv.Restock(3); err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if inv.Quantity != 8 || inv.Reserved != 1 {
		t.Errorf("Expected quantity=8 reserved=1, got quantity=%d reserved=%d", inv.Quantity, inv.Reserved)
	}
	if err := inv.Restock(-3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestInventoryAvailableNeverNegative(t *testing.T) {
	inv := Inventory{Quantity: 1, Reserved: 3, AllowBackorder: true}
	if got := inv.Available(); got != 0 {
		t.Errorf("Expected available 0, got %d", got)
	}
}
