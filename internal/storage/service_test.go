package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
)

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus(events.Options{Clock: clk})
	return NewService(NewMemoryStore(), clk, nil, bus, NewNopMetrics(), DefaultThresholds()), bus
}

func mustCreateLocation(t *testing.T, svc *Service, name string, zone Zone, capacity int) *Location {
	t.Helper()
	loc, err := svc.CreateLocation(context.Background(), CreateLocationRequest{
		Name: name, Zone: zone, Capacity: capacity,
	}, "admin")
	require.NoError(t, err)
	return loc
}

func TestZoneCompatibility(t *testing.T) {
	cases := []struct {
		required, actual Zone
		ok               bool
	}{
		{ZoneDeepFreeze, ZoneDeepFreeze, true},
		{ZoneDeepFreeze, ZoneFreezer, false},
		{ZoneFreezer, ZoneDeepFreeze, true},
		{ZoneFreezer, ZoneFridge, false},
		{ZoneFridge, ZoneFreezer, true},
		{ZoneFridge, ZoneAmbient, false},
		{ZoneAmbient, ZoneFridge, true},
		{ZoneAmbient, ZoneIncubator, false},
		{ZoneIncubator, ZoneIncubator, true},
		{ZoneIncubator, ZoneAmbient, false},
		{ZoneIncubator, ZoneDeepFreeze, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, ZoneCompatible(tc.required, tc.actual), "required %s in %s", tc.required, tc.actual)
	}
}

func TestAllocatePinnedLocation(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "freezer A", ZoneDeepFreeze, 10)

	alloc, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneDeepFreeze, LocationID: loc.ID,
	}, "tech-1", "txn-1")
	require.NoError(t, err)
	assert.False(t, alloc.AlreadyApplied)
	assert.Equal(t, loc.ID, alloc.Container.LocationID)
	assert.Equal(t, 1, alloc.Location.Used)

	var stored *events.Envelope
	for _, env := range bus.History(0) {
		if env.Type == events.TypeSampleStored {
			stored = env
		}
	}
	require.NotNil(t, stored)
	assert.Equal(t, "s-1", stored.EntityID)
	assert.Equal(t, "txn-1", stored.CorrelationID)
}

func TestAllocateIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "freezer A", ZoneDeepFreeze, 10)

	first, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneDeepFreeze, LocationID: loc.ID,
	}, "tech-1", "")
	require.NoError(t, err)

	second, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneDeepFreeze, LocationID: loc.ID,
	}, "tech-1", "")
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, first.Container.ID, second.Container.ID)
	assert.Equal(t, 1, second.Location.Used)
}

func TestAllocateTemperatureViolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fridge := mustCreateLocation(t, svc, "fridge", ZoneFridge, 10)

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneDeepFreeze, LocationID: fridge.ID,
	}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindTemperatureViolation))
}

func TestAllocateCapacityBoundary(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "tiny", ZoneAmbient, 2)

	for i := 0; i < 2; i++ {
		_, err := svc.Allocate(ctx, AllocateRequest{
			SampleID: fmt.Sprintf("s-%d", i), RequiredZone: ZoneAmbient, LocationID: loc.ID,
		}, "tech-1", "")
		require.NoError(t, err)
	}

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-over", RequiredZone: ZoneAmbient, LocationID: loc.ID,
	}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindCapacityExceeded))

	// 2/2 crosses the critical threshold.
	var critical bool
	for _, env := range bus.History(0) {
		if env.Type == events.TypeCapacityCritical {
			critical = true
		}
	}
	assert.True(t, critical)
}

func TestCapacityWarningThreshold(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "rack", ZoneFreezer, 10)

	countEvents := func(eventType string) int {
		n := 0
		for _, env := range bus.History(0) {
			if env.Type == eventType {
				n++
			}
		}
		return n
	}

	for i := 0; i < 7; i++ {
		_, err := svc.Allocate(ctx, AllocateRequest{
			SampleID: fmt.Sprintf("s-%d", i), RequiredZone: ZoneFreezer, LocationID: loc.ID,
		}, "tech-1", "")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, countEvents(events.TypeCapacityWarning), "below 0.8 stays quiet")

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-8", RequiredZone: ZoneFreezer, LocationID: loc.ID,
	}, "tech-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(events.TypeCapacityWarning), "8/10 warns")
	assert.Equal(t, 0, countEvents(events.TypeCapacityCritical))
}

func TestAutoPickPrefersHeadroom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	small := mustCreateLocation(t, svc, "small", ZoneFreezer, 2)
	big := mustCreateLocation(t, svc, "big deep freeze", ZoneDeepFreeze, 50)

	// A -20 sample may land in -20 or -80; the engine picks the most free.
	alloc, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneFreezer,
	}, "tech-1", "")
	require.NoError(t, err)
	assert.Equal(t, big.ID, alloc.Container.LocationID)

	// An incompatible-only pool fails.
	_, err = svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-2", RequiredZone: ZoneIncubator,
	}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindCapacityExceeded))
	_ = small
}

func TestReleaseIdempotent(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "freezer A", ZoneDeepFreeze, 10)

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneDeepFreeze, LocationID: loc.ID,
	}, "tech-1", "")
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, loc.ID, "s-1", "tech-1", ""))
	got, err := svc.GetLocation(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Used)

	// Second release is a no-op, not an error.
	require.NoError(t, svc.Release(ctx, loc.ID, "s-1", "tech-1", ""))

	var released int
	for _, env := range bus.History(0) {
		if env.Type == events.TypeSampleReleased {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestMoveChecksZoneAndEmitsCustody(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	deep := mustCreateLocation(t, svc, "deep", ZoneDeepFreeze, 10)
	other := mustCreateLocation(t, svc, "other deep", ZoneDeepFreeze, 10)
	fridge := mustCreateLocation(t, svc, "fridge", ZoneFridge, 10)

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneDeepFreeze, LocationID: deep.ID,
	}, "tech-1", "")
	require.NoError(t, err)

	// A -80 sample cannot move to the fridge.
	_, err = svc.Move(ctx, "s-1", fridge.ID, "", "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindTemperatureViolation))

	moved, err := svc.Move(ctx, "s-1", other.ID, "A3", "tech-2", "txn-7")
	require.NoError(t, err)
	assert.Equal(t, other.ID, moved.LocationID)
	assert.Equal(t, "A3", moved.Position)

	from, err := svc.GetLocation(ctx, deep.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, from.Used)
	to, err := svc.GetLocation(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, to.Used)

	var custody *events.Envelope
	for _, env := range bus.History(0) {
		if env.Type == events.TypeSampleMoved {
			custody = env
		}
	}
	require.NotNil(t, custody)
	assert.Equal(t, deep.ID, custody.Payload["from_location_id"])
	assert.Equal(t, other.ID, custody.Payload["to_location_id"])
	assert.Equal(t, "tech-2", custody.Actor)
}

func TestPositionUniqueWithinLocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "rack", ZoneFreezer, 10)

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneFreezer, LocationID: loc.ID, Position: "A1",
	}, "tech-1", "")
	require.NoError(t, err)

	_, err = svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-2", RequiredZone: ZoneFreezer, LocationID: loc.ID, Position: "A1",
	}, "tech-1", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	// Another position, and an unpositioned sample, both fit.
	_, err = svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-2", RequiredZone: ZoneFreezer, LocationID: loc.ID, Position: "A2",
	}, "tech-1", "")
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-3", RequiredZone: ZoneFreezer, LocationID: loc.ID,
	}, "tech-1", "")
	require.NoError(t, err)
}

func TestMaintenanceLocationAcceptsNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	loc := mustCreateLocation(t, svc, "freezer A", ZoneFreezer, 10)

	updated, err := svc.SetLocationStatus(ctx, loc.ID, LocationMaintenance, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, LocationMaintenance, updated.Status)

	_, err = svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneFreezer, LocationID: loc.ID,
	}, "tech-1", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBusinessRule))

	// The auto-picker skips it too: with no other location the request
	// finds no candidate at all.
	_, err = svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneFreezer,
	}, "tech-1", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCapacityExceeded))

	_, err = svc.SetLocationStatus(ctx, loc.ID, LocationActive, "manager-1")
	require.NoError(t, err)

	alloc, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneFreezer, LocationID: loc.ID,
	}, "tech-1", "")
	require.NoError(t, err)
	assert.Equal(t, loc.ID, alloc.Container.LocationID)
}

func TestMoveRejectsNonAcceptingTarget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	from := mustCreateLocation(t, svc, "freezer A", ZoneFreezer, 10)
	to := mustCreateLocation(t, svc, "freezer B", ZoneFreezer, 10)

	_, err := svc.Allocate(ctx, AllocateRequest{
		SampleID: "s-1", RequiredZone: ZoneFreezer, LocationID: from.ID,
	}, "tech-1", "")
	require.NoError(t, err)

	_, err = svc.SetLocationStatus(ctx, to.ID, LocationDecommissioned, "manager-1")
	require.NoError(t, err)

	_, err = svc.Move(ctx, "s-1", to.ID, "", "tech-1", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBusinessRule))

	// The stored sample stays where it was.
	c, err := svc.FindSample(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, from.ID, c.LocationID)
}

func TestSetLocationStatusValidation(t *testing.T) {
	svc, _ := newTestService(t)
	loc := mustCreateLocation(t, svc, "freezer A", ZoneFreezer, 10)

	_, err := svc.SetLocationStatus(context.Background(), loc.ID, "broken", "manager-1")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.SetLocationStatus(context.Background(), "missing", LocationMaintenance, "manager-1")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestConfigurableThresholds(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus(events.Options{Clock: clk})
	svc := NewService(NewMemoryStore(), clk, nil, bus, NewNopMetrics(), Thresholds{Warning: 0.5, Critical: 0.75})
	ctx := context.Background()

	loc := mustCreateLocation(t, svc, "freezer A", ZoneFreezer, 4)
	for i := 0; i < 2; i++ {
		_, err := svc.Allocate(ctx, AllocateRequest{
			SampleID: fmt.Sprintf("s-%d", i), RequiredZone: ZoneFreezer, LocationID: loc.ID,
		}, "tech-1", "")
		require.NoError(t, err)
	}

	// 2/4 crosses the lowered warning threshold.
	warnings := 0
	for _, env := range bus.History(0) {
		if env.Type == events.TypeCapacityWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "50% utilization warns under the lowered threshold")

	got, err := svc.GetLocation(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, "warning", svc.Level(got))
	assert.Equal(t, "ok", CapacityLevel(got), "default thresholds are not tripped yet")
}

func TestCapacityReport(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := mustCreateLocation(t, svc, "a", ZoneAmbient, 4)
	b := mustCreateLocation(t, svc, "b", ZoneAmbient, 4)

	for i := 0; i < 4; i++ {
		_, err := svc.Allocate(ctx, AllocateRequest{
			SampleID: fmt.Sprintf("s-%d", i), RequiredZone: ZoneAmbient, LocationID: a.ID,
		}, "tech-1", "")
		require.NoError(t, err)
	}

	report, err := svc.Report(ctx)
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.Equal(t, a.ID, report[0].LocationID)
	assert.Equal(t, "full", report[0].Level)
	assert.Equal(t, 1.0, report[0].Utilization)
	assert.Equal(t, b.ID, report[1].LocationID)
	assert.Equal(t, "ok", report[1].Level)
}

func TestCreateLocationValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateLocation(ctx, CreateLocationRequest{Zone: ZoneFridge, Capacity: 5}, "admin")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.CreateLocation(ctx, CreateLocationRequest{Name: "x", Zone: "-40", Capacity: 5}, "admin")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.CreateLocation(ctx, CreateLocationRequest{Name: "x", Zone: ZoneFridge}, "admin")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
