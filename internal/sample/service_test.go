package sample

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
)

type fakeReleaser struct {
	calls []string
	err   error
}

func (f *fakeReleaser) Release(_ context.Context, locationID, sampleID, _, _ string) error {
	f.calls = append(f.calls, locationID+"/"+sampleID)
	return f.err
}

func newTestService(t *testing.T) (*Service, *fakeReleaser, *events.Bus, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	releaser := &fakeReleaser{}
	bus := events.NewBus(events.Options{Clock: clk})
	svc := NewService(NewMemoryStore(), releaser, clk, nil, bus)
	return svc, releaser, bus, clk
}

func TestCreateGeneratesBarcode(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{
		Name:       "patient 7 blood draw",
		SampleType: TypeBlood,
		Volume:     4.5,
	}, "tech-1", "")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, smp.Status)
	assert.True(t, ValidBarcode(smp.Barcode))
	assert.Contains(t, smp.Barcode, "BLD-")
	assert.Equal(t, "tech-1", smp.CreatedBy)
	assert.Equal(t, "µL", smp.Unit)

	hist := bus.History(1)
	require.Len(t, hist, 1)
	assert.Equal(t, events.TypeSampleCreated, hist[0].Type)
	assert.Equal(t, smp.ID, hist[0].EntityID)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{SampleType: TypeDNA}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "missing name")

	_, err = svc.Create(ctx, CreateRequest{Name: "x", SampleType: "Mystery"}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "unknown type")

	tmpl := "tmpl-1"
	_, err = svc.Create(ctx, CreateRequest{Name: "x", SampleType: TypeDNA, TemplateID: &tmpl}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "template without metadata")

	_, err = svc.Create(ctx, CreateRequest{Name: "x", SampleType: TypeDNA, Barcode: "not-a-barcode"}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "malformed barcode")
}

func TestCreateDuplicateBarcode(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	const bc = "DNA-20260314090000-0001"
	_, err := svc.Create(ctx, CreateRequest{Name: "a", SampleType: TypeDNA, Barcode: bc}, "tech-1", "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateRequest{Name: "b", SampleType: TypeDNA, Barcode: bc}, "tech-1", "")
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicateBarcode))
}

func TestSetStatusEnforcesTable(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{Name: "a", SampleType: TypeDNA}, "tech-1", "")
	require.NoError(t, err)

	// Pending cannot jump straight into storage.
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusInStorage, "tech-1", WithLocation("loc-1"))
	require.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))

	updated, prior, err := svc.SetStatus(ctx, smp.ID, StatusValidated, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, prior)
	assert.Equal(t, StatusValidated, updated.Status)

	// Re-applying the current status is a no-op, not an error.
	again, prior, err := svc.SetStatus(ctx, smp.ID, StatusValidated, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, prior)
	assert.Equal(t, updated.UpdatedAt, again.UpdatedAt)
}

func TestSetStatusLocationInvariant(t *testing.T) {
	svc, releaser, _, _ := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{Name: "a", SampleType: TypeDNA}, "tech-1", "")
	require.NoError(t, err)
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusValidated, "tech-1")
	require.NoError(t, err)

	// Entering storage without a location is a business-rule failure.
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusInStorage, "tech-1")
	require.True(t, apperr.IsKind(err, apperr.KindBusinessRule))

	stored, err := svc.RecordLocation(ctx, smp.ID, "loc-1", "tech-1", "txn-1")
	require.NoError(t, err)
	require.NotNil(t, stored.LocationID)
	assert.Equal(t, "loc-1", *stored.LocationID)

	// Leaving storage releases the slot and clears location_id.
	rejected, _, err := svc.SetStatus(ctx, smp.ID, StatusRejected, "tech-1", WithReason("contaminated"))
	require.NoError(t, err)
	assert.Nil(t, rejected.LocationID)
	require.Len(t, releaser.calls, 1)
	assert.Equal(t, "loc-1/"+smp.ID, releaser.calls[0])
}

func TestReleaseFailureAbortsTransition(t *testing.T) {
	svc, releaser, _, _ := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{Name: "a", SampleType: TypeDNA}, "tech-1", "")
	require.NoError(t, err)
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusValidated, "tech-1")
	require.NoError(t, err)
	_, err = svc.RecordLocation(ctx, smp.ID, "loc-1", "tech-1", "")
	require.NoError(t, err)

	releaser.err = apperr.New(apperr.KindServiceCommunication, "storage unreachable")
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusRejected, "tech-1")
	require.Error(t, err)

	// The sample is untouched.
	got, err := svc.Get(ctx, smp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInStorage, got.Status)
	require.NotNil(t, got.LocationID)
}

func TestDeleteRules(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{Name: "a", SampleType: TypeDNA}, "tech-1", "")
	require.NoError(t, err)
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusValidated, "tech-1")
	require.NoError(t, err)
	_, _, err = svc.SetStatus(ctx, smp.ID, StatusInSequencing, "tech-1", WithLocation("seq-1"))
	require.NoError(t, err)

	// In sequencing: never deletable, force or not.
	err = svc.Delete(ctx, smp.ID, false, "tech-1", "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindBusinessRule))
	err = svc.Delete(ctx, smp.ID, true, "tech-1", "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindBusinessRule))

	_, _, err = svc.SetStatus(ctx, smp.ID, StatusCompleted, "tech-1")
	require.NoError(t, err)

	// Completed -> Deleted is off the table; force bypasses it.
	err = svc.Delete(ctx, smp.ID, false, "tech-1", "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
	err = svc.Delete(ctx, smp.ID, true, "tech-1", "rollback", "txn-9")
	require.NoError(t, err)

	// Idempotent second delete.
	require.NoError(t, svc.Delete(ctx, smp.ID, false, "tech-1", "", ""))

	got, err := svc.Get(ctx, smp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)
}

func TestUpdatePatch(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{Name: "a", SampleType: TypeDNA, Volume: 2}, "tech-1", "")
	require.NoError(t, err)
	clk.Advance(time.Minute)

	name := "renamed"
	vol := 1.5
	updated, err := svc.Update(ctx, smp.ID, UpdateRequest{Name: &name, Volume: &vol}, "tech-2")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 1.5, updated.Volume)
	assert.Equal(t, "tech-2", updated.UpdatedBy)
	assert.True(t, updated.UpdatedAt.After(smp.UpdatedAt))

	bad := "???"
	_, err = svc.Update(ctx, smp.ID, UpdateRequest{Barcode: &bad}, "tech-2")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestStoreOptimisticConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	smp := &Sample{
		ID: "s-1", Name: "a", Barcode: "DNA-20260314090000-0001",
		SampleType: TypeDNA, Status: StatusPending,
		UpdatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Create(ctx, smp))

	stale := smp.UpdatedAt.Add(-time.Second)
	err := store.Update(ctx, smp, stale)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	require.NoError(t, store.Update(ctx, smp, smp.UpdatedAt))
}

func TestValidateReport(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	smp, err := svc.Create(ctx, CreateRequest{
		Name: "a", SampleType: TypeDNA, QualityScore: 0.3,
	}, "tech-1", "")
	require.NoError(t, err)

	report, err := svc.Validate(ctx, smp.ID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.Errors)
	assert.Contains(t, report.Warnings, "volume is zero")
	assert.Contains(t, report.Warnings, "quality score below 0.5")
}
