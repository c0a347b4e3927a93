package storage

import (
	"context"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

func seedAvailability(t *testing.T, s *MemoryAvailability, driverID, vehicleID, districtID string) {
	t.Helper()
	err := s.Upsert(context.Background(), &models.VehicleAvailability{
		DriverID:    driverID,
		VehicleID:   vehicleID,
		ServiceIDs:  []string{"taxi"},
		DistrictID:  districtID,
		Available:   models.VehicleFree,
		Operational: models.VehicleActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
}

func TestCandidatesFIFOOrder(t *testing.T) {
	s := NewMemoryAvailability()
	ctx := context.Background()
	seedAvailability(t, s, "d1", "v1", "downtown")
	seedAvailability(t, s, "d2", "v2", "downtown")
	seedAvailability(t, s, "d3", "v3", "downtown")

	// Touching d1 moves it to the back of the queue.
	if err := s.SetAvailable(ctx, "d1", "v1", models.VehicleFree); err != nil {
		t.Fatal(err)
	}

	cands, err := s.Candidates(ctx, "taxi", "downtown", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 3 {
		t.Fatalf("len=%d", len(cands))
	}
	if cands[0].DriverID != "d2" || cands[2].DriverID != "d1" {
		t.Fatalf("order=%s,%s,%s", cands[0].DriverID, cands[1].DriverID, cands[2].DriverID)
	}
}

func TestCandidatesFilters(t *testing.T) {
	s := NewMemoryAvailability()
	ctx := context.Background()
	seedAvailability(t, s, "d1", "v1", "downtown")
	seedAvailability(t, s, "d2", "v2", "airport")
	seedAvailability(t, s, "d3", "v3", "downtown")
	s.SetAvailable(ctx, "d3", "v3", models.VehicleBusy)

	cands, _ := s.Candidates(ctx, "taxi", "downtown", nil)
	if len(cands) != 1 || cands[0].DriverID != "d1" {
		t.Fatalf("district filter: %v", cands)
	}

	cands, _ = s.Candidates(ctx, "taxi", "", []string{"v1"})
	if len(cands) != 1 || cands[0].DriverID != "d2" {
		t.Fatalf("exclude filter: %v", cands)
	}

	cands, _ = s.Candidates(ctx, "cargo", "", nil)
	if len(cands) != 0 {
		t.Fatalf("service filter: %v", cands)
	}
}

func TestNextUnassignedSkipsDeclinedAndScheduled(t *testing.T) {
	s := NewMemoryOrders()
	ctx := context.Background()
	mk := func(id string, typ models.OrderType, declined []string) {
		err := s.Create(ctx, &models.Order{
			ID: id, ServiceID: "taxi", State: models.OrderCreated, Type: typ,
			DistrictFrom: "downtown", DeclinedVehicles: declined, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	mk("o1", models.OrderImmediate, []string{"v1"})
	mk("o2", models.OrderScheduled, nil)
	mk("o3", models.OrderImmediate, nil)

	o, err := s.NextUnassigned(ctx, []string{"taxi"}, "downtown", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "o3" {
		t.Fatalf("got %s, want o3", o.ID)
	}

	o, err = s.NextUnassigned(ctx, []string{"taxi"}, "downtown", "v9")
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "o1" {
		t.Fatalf("oldest eligible must win, got %s", o.ID)
	}
}

func TestCurrentByPairExcludesScheduledAndTerminal(t *testing.T) {
	s := NewMemoryOrders()
	ctx := context.Background()
	mk := func(id string, state models.OrderState) {
		err := s.Create(ctx, &models.Order{
			ID: id, ServiceID: "taxi", State: state, Type: models.OrderImmediate,
			DriverID: "d1", VehicleID: "v1", CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	mk("done", models.OrderFinished)
	mk("booked", models.OrderTakenScheduled)

	if _, err := s.CurrentByPair(ctx, "d1", "v1"); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	mk("live", models.OrderTaken)
	o, err := s.CurrentByPair(ctx, "d1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "live" {
		t.Fatalf("got %s", o.ID)
	}
}

func TestOrderUpdateCopiesDeclinedList(t *testing.T) {
	s := NewMemoryOrders()
	ctx := context.Background()
	o := &models.Order{ID: "o1", ServiceID: "taxi", State: models.OrderCreated, Type: models.OrderImmediate}
	if err := s.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.DeclinedVehicles = append(o.DeclinedVehicles, "v1")
	if err := s.Update(ctx, o); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "o1")
	got.DeclinedVehicles[0] = "mutated"
	again, _ := s.Get(ctx, "o1")
	if again.DeclinedVehicles[0] != "v1" {
		t.Fatal("store must not share the declined slice with callers")
	}
}

func TestCountWaitingAndCounts(t *testing.T) {
	orders := NewMemoryOrders()
	avail := NewMemoryAvailability()
	ctx := context.Background()

	orders.Create(ctx, &models.Order{ID: "o1", State: models.OrderCreated})
	orders.Create(ctx, &models.Order{ID: "o2", State: models.OrderCreated, DriverID: "d1", VehicleID: "v1"})
	orders.Create(ctx, &models.Order{ID: "o3", State: models.OrderFinished})

	n, err := orders.CountWaiting(ctx)
	if err != nil || n != 1 {
		t.Fatalf("waiting=%d err=%v", n, err)
	}

	seedAvailability(t, avail, "d1", "v1", "")
	seedAvailability(t, avail, "d2", "v2", "")
	avail.SetAvailable(ctx, "d2", "v2", models.VehicleBusy)
	avail.SetOperational(ctx, "d1", "v1", models.VehicleDisabled)

	active, free, err := avail.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != 1 || free != 0 {
		t.Fatalf("active=%d free=%d", active, free)
	}
}
