package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/skubridge/skubridge/internal/shiphero"
	"github.com/skubridge/skubridge/internal/store"
)

type fakeUpstream struct {
	records []json.RawMessage
	err     error
	since   []time.Time
}

func (f *fakeUpstream) PullSince(ctx context.Context, since time.Time) ([]json.RawMessage, error) {
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeDownstream struct {
	existing  map[string]*shiphero.ProductNode
	createErr map[string]error
	updateErr map[string]error

	created []string
	updated []string
	nextID  int64
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		existing:  make(map[string]*shiphero.ProductNode),
		createErr: make(map[string]error),
		updateErr: make(map[string]error),
	}
}

func (f *fakeDownstream) Create(ctx context.Context, payload shiphero.Payload) (*shiphero.ProductNode, error) {
	sku, _ := payload["sku"].(string)
	if err := f.createErr[sku]; err != nil {
		return nil, err
	}
	f.nextID++
	node := &shiphero.ProductNode{
		ID:       fmt.Sprintf("P%d", f.nextID),
		LegacyID: 100 + f.nextID,
		SKU:      sku,
	}
	f.existing[sku] = node
	f.created = append(f.created, sku)
	return node, nil
}

func (f *fakeDownstream) Update(ctx context.Context, ref shiphero.ProductRef, payload shiphero.Payload) (*shiphero.ProductNode, error) {
	if err := f.updateErr[ref.SKU]; err != nil {
		return nil, err
	}
	f.updated = append(f.updated, ref.SKU)
	if node, ok := f.existing[ref.SKU]; ok {
		return node, nil
	}
	return &shiphero.ProductNode{ID: ref.ID, LegacyID: ref.LegacyID, SKU: ref.SKU}, nil
}

func (f *fakeDownstream) ProductBySKU(ctx context.Context, sku string) (*shiphero.ProductNode, error) {
	return f.existing[sku], nil
}

func record(id int, sku, name, writeDate string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id": %d, "code": %q, "name": %q, "write_date": %q, "weight": {"weight_kg": 1.0}}`,
		id, sku, name, writeDate))
}

func newTestSyncer(t *testing.T, up Upstream, down Downstream) (*Syncer, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return New("live", up, down, st, nil, nil), st
}

func TestInitialSyncCreatesEverything(t *testing.T) {
	up := &fakeUpstream{records: []json.RawMessage{
		record(1, "SKU-1", "One", "2024-05-01T08:00:00Z"),
		record(2, "SKU-2", "Two", "2024-05-01T09:00:00Z"),
	}}
	down := newFakeDownstream()
	s, st := newTestSyncer(t, up, down)

	run, err := s.RunDeltaSync(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("RunDeltaSync failed: %v", err)
	}

	if run.Status != store.StatusSuccess {
		t.Errorf("status = %q, want success", run.Status)
	}
	if run.Counters.Polled != 2 || run.Counters.Upserts != 2 || run.Counters.Pushes != 2 {
		t.Errorf("counters = %+v", run.Counters)
	}
	if len(down.created) != 2 {
		t.Errorf("created = %v, want both SKUs", down.created)
	}
	if len(up.since) != 1 || !up.since[0].IsZero() {
		t.Errorf("initial pull should use a zero watermark, got %v", up.since)
	}

	cursor, err := st.Cursor(context.Background(), "live")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	want := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if !cursor.LastWriteTS.Equal(want) || cursor.LastID != 2 {
		t.Errorf("cursor = %+v, want (%v, 2)", cursor, want)
	}

	p, err := st.ProductBySKU(context.Background(), "live", "SKU-1")
	if err != nil {
		t.Fatalf("ProductBySKU failed: %v", err)
	}
	if p.ShipHeroProductID == nil || p.PayloadHash == nil {
		t.Error("push result should be recorded on the mirror row")
	}
}

func TestUnchangedRecordIsSkipped(t *testing.T) {
	records := []json.RawMessage{record(1, "SKU-1", "One", "2024-05-01T08:00:00Z")}
	up := &fakeUpstream{records: records}
	down := newFakeDownstream()
	s, _ := newTestSyncer(t, up, down)
	ctx := context.Background()

	if _, err := s.RunDeltaSync(ctx, TriggerManual); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Same record arrives again (boundary re-fetch): content unchanged, so
	// no push happens.
	run, err := s.RunDeltaSync(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if run.Counters.Skipped != 1 || run.Counters.Pushes != 0 {
		t.Errorf("counters = %+v, want 1 skip and no pushes", run.Counters)
	}
	if run.Status != store.StatusSuccess {
		t.Errorf("status = %q", run.Status)
	}
	if len(down.created)+len(down.updated) != 1 {
		t.Errorf("downstream calls = %v/%v, want only the first create", down.created, down.updated)
	}
}

func TestChangedRecordIsUpdated(t *testing.T) {
	up := &fakeUpstream{records: []json.RawMessage{record(1, "SKU-1", "One", "2024-05-01T08:00:00Z")}}
	down := newFakeDownstream()
	s, _ := newTestSyncer(t, up, down)
	ctx := context.Background()

	if _, err := s.RunDeltaSync(ctx, TriggerManual); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	up.records = []json.RawMessage{record(1, "SKU-1", "One Renamed", "2024-05-01T10:00:00Z")}
	run, err := s.RunDeltaSync(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if run.Counters.Pushes != 1 || run.Counters.Skipped != 0 {
		t.Errorf("counters = %+v, want 1 push", run.Counters)
	}
	if len(down.updated) != 1 {
		t.Errorf("updated = %v, want SKU-1", down.updated)
	}
}

func TestExistingDownstreamProductBecomesUpdate(t *testing.T) {
	up := &fakeUpstream{records: []json.RawMessage{record(1, "SKU-1", "One", "2024-05-01T08:00:00Z")}}
	down := newFakeDownstream()
	down.existing["SKU-1"] = &shiphero.ProductNode{ID: "P9", LegacyID: 900, SKU: "SKU-1"}
	s, st := newTestSyncer(t, up, down)

	run, err := s.RunDeltaSync(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("RunDeltaSync failed: %v", err)
	}
	if run.Status != store.StatusSuccess {
		t.Errorf("status = %q", run.Status)
	}
	if len(down.created) != 0 || len(down.updated) != 1 {
		t.Errorf("created=%v updated=%v, want lookup to route to update", down.created, down.updated)
	}

	p, err := st.ProductBySKU(context.Background(), "live", "SKU-1")
	if err != nil {
		t.Fatalf("ProductBySKU failed: %v", err)
	}
	if p.ShipHeroProductID == nil || *p.ShipHeroProductID != "P9" {
		t.Errorf("shiphero id = %v, want P9 adopted from lookup", p.ShipHeroProductID)
	}
}

func TestPerRecordFailureYieldsPartialRun(t *testing.T) {
	up := &fakeUpstream{records: []json.RawMessage{
		record(1, "SKU-1", "One", "2024-05-01T08:00:00Z"),
		record(2, "SKU-2", "Two", "2024-05-01T09:00:00Z"),
		record(3, "SKU-3", "Three", "2024-05-01T10:00:00Z"),
	}}
	down := newFakeDownstream()
	down.createErr["SKU-2"] = errors.New("duplicate natural key")
	s, st := newTestSyncer(t, up, down)
	ctx := context.Background()

	run, err := s.RunDeltaSync(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("RunDeltaSync failed: %v", err)
	}

	if run.Status != store.StatusPartial {
		t.Errorf("status = %q, want partial", run.Status)
	}
	if run.Counters.Errors != 1 || run.Counters.Pushes != 2 {
		t.Errorf("counters = %+v", run.Counters)
	}

	errs, err := st.Errors(ctx, store.ErrorFilter{RunID: run.ID})
	if err != nil {
		t.Fatalf("Errors failed: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(errs))
	}
	if errs[0].Stage != StageSync {
		t.Errorf("stage = %q, want sync", errs[0].Stage)
	}
	if errs[0].SKU == nil || *errs[0].SKU != "SKU-2" {
		t.Errorf("sku = %v", errs[0].SKU)
	}
	if errs[0].FulfilProductID == nil || *errs[0].FulfilProductID != 2 {
		t.Errorf("fulfil product id = %v, want 2", errs[0].FulfilProductID)
	}

	// The failed record keeps no downstream id, so the next run retries it.
	p, err := st.ProductBySKU(ctx, "live", "SKU-2")
	if err != nil {
		t.Fatalf("ProductBySKU failed: %v", err)
	}
	if p.ShipHeroProductID != nil || p.PayloadHash != nil {
		t.Error("failed record should carry no push result")
	}
}

func TestUnchangedRecordWithFrozenCursorCountsAsError(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	up := &fakeUpstream{records: []json.RawMessage{record(1, "SKU-1", "One", "2024-05-01T08:00:00Z")}}
	down := newFakeDownstream()
	s := New("live", up, down, st, nil, nil)
	ctx := context.Background()

	if _, err := s.RunDeltaSync(ctx, TriggerManual); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Make every cursor write fail so the skip path cannot advance.
	raw, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		t.Fatalf("failed to open raw connection: %v", err)
	}
	if _, err := raw.Exec(`CREATE TRIGGER cursor_frozen BEFORE UPDATE ON sync_cursor
BEGIN SELECT RAISE(ABORT, 'cursor frozen'); END`); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("failed to close raw connection: %v", err)
	}

	run, err := s.RunDeltaSync(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if run.Status != store.StatusPartial {
		t.Errorf("status = %q, want partial", run.Status)
	}
	if run.Counters.Errors != 1 || run.Counters.Skipped != 0 {
		t.Errorf("counters = %+v, want the record tallied as an error only", run.Counters)
	}

	errs, err := st.Errors(ctx, store.ErrorFilter{RunID: run.ID})
	if err != nil {
		t.Fatalf("Errors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].Stage != StageSync {
		t.Errorf("errors = %+v, want one sync-stage entry", errs)
	}
}

func TestNormalizeFailureIsRecorded(t *testing.T) {
	up := &fakeUpstream{records: []json.RawMessage{
		json.RawMessage(`{"id": 1, "name": "No SKU", "write_date": "2024-05-01T08:00:00Z"}`),
		record(2, "SKU-2", "Two", "2024-05-01T09:00:00Z"),
	}}
	down := newFakeDownstream()
	s, st := newTestSyncer(t, up, down)
	ctx := context.Background()

	run, err := s.RunDeltaSync(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("RunDeltaSync failed: %v", err)
	}
	if run.Status != store.StatusPartial {
		t.Errorf("status = %q, want partial", run.Status)
	}
	if run.Counters.Polled != 2 || run.Counters.Errors != 1 || run.Counters.Pushes != 1 {
		t.Errorf("counters = %+v", run.Counters)
	}

	errs, err := st.Errors(ctx, store.ErrorFilter{RunID: run.ID})
	if err != nil {
		t.Fatalf("Errors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].Stage != StageNormalize {
		t.Errorf("errors = %+v, want one normalize-stage entry", errs)
	}
	if errs[0].PayloadSnippet == nil {
		t.Error("normalize failure should snapshot the raw payload")
	}
	if errs[0].FulfilProductID == nil || *errs[0].FulfilProductID != 1 {
		t.Errorf("fulfil product id = %v, want 1 recovered from the raw record", errs[0].FulfilProductID)
	}
}

func TestPullFailureFailsRun(t *testing.T) {
	up := &fakeUpstream{err: errors.New("connection refused")}
	down := newFakeDownstream()
	s, st := newTestSyncer(t, up, down)
	ctx := context.Background()

	run, err := s.RunDeltaSync(ctx, TriggerInterval)
	if err == nil {
		t.Fatal("expected run-level error")
	}
	if run == nil || run.Status != store.StatusFailed {
		t.Fatalf("run = %+v, want failed status", run)
	}
	if run.Message == nil {
		t.Error("failed run should record its cause")
	}

	errs, err := st.Errors(ctx, store.ErrorFilter{RunID: run.ID})
	if err != nil {
		t.Fatalf("Errors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].Stage != StagePoll {
		t.Errorf("errors = %+v, want one poll-stage entry", errs)
	}
}

func TestSecondRunUsesAdvancedCursor(t *testing.T) {
	up := &fakeUpstream{records: []json.RawMessage{record(1, "SKU-1", "One", "2024-05-01T08:00:00Z")}}
	down := newFakeDownstream()
	s, _ := newTestSyncer(t, up, down)
	ctx := context.Background()

	if _, err := s.RunDeltaSync(ctx, TriggerManual); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	up.records = nil
	if _, err := s.RunDeltaSync(ctx, TriggerManual); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(up.since) != 2 {
		t.Fatalf("pulls = %d, want 2", len(up.since))
	}
	want := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if !up.since[1].Equal(want) {
		t.Errorf("second pull watermark = %v, want %v", up.since[1], want)
	}
}

func TestRecordsProcessedInWatermarkOrder(t *testing.T) {
	// Upstream returns records out of order; the cursor must still end on
	// the newest one.
	up := &fakeUpstream{records: []json.RawMessage{
		record(3, "SKU-3", "Three", "2024-05-01T10:00:00Z"),
		record(1, "SKU-1", "One", "2024-05-01T08:00:00Z"),
		record(2, "SKU-2", "Two", "2024-05-01T09:00:00Z"),
	}}
	down := newFakeDownstream()
	s, st := newTestSyncer(t, up, down)

	if _, err := s.RunDeltaSync(context.Background(), TriggerManual); err != nil {
		t.Fatalf("RunDeltaSync failed: %v", err)
	}

	cursor, err := st.Cursor(context.Background(), "live")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !cursor.LastWriteTS.Equal(want) || cursor.LastID != 3 {
		t.Errorf("cursor = %+v, want (%v, 3)", cursor, want)
	}
	if len(down.created) != 3 || down.created[0] != "SKU-1" {
		t.Errorf("created order = %v, want watermark order", down.created)
	}
}
