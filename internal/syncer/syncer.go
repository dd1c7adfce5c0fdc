// Package syncer drives one end-to-end delta pass: pull changed upstream
// records, mirror them locally, and push the ones whose downstream payload
// actually changed.
package syncer

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sort"
	"time"

	"github.com/skubridge/skubridge/internal/fingerprint"
	"github.com/skubridge/skubridge/internal/fulfil"
	"github.com/skubridge/skubridge/internal/shiphero"
	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/units"
)

// Error stages recorded in the sync error log.
const (
	StagePoll      = "poll"
	StageNormalize = "normalize"
	StageSync      = "sync"
)

// Run trigger sources.
const (
	TriggerInterval = "interval"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// Upstream pulls raw product records changed since a watermark.
type Upstream interface {
	PullSince(ctx context.Context, since time.Time) ([]json.RawMessage, error)
}

// Downstream pushes products to the WMS.
type Downstream interface {
	Create(ctx context.Context, payload shiphero.Payload) (*shiphero.ProductNode, error)
	Update(ctx context.Context, ref shiphero.ProductRef, payload shiphero.Payload) (*shiphero.ProductNode, error)
	ProductBySKU(ctx context.Context, sku string) (*shiphero.ProductNode, error)
}

// Events receives run progress notifications. All methods must be safe for
// concurrent use; implementations should not block.
type Events interface {
	RunStarted(runID int64, mode, trigger string)
	RecordProcessed(runID int64, sku, action string)
	RunFinished(runID int64, status string, counters store.Counters)
}

// noopEvents is used when no listener is wired.
type noopEvents struct{}

func (noopEvents) RunStarted(int64, string, string)          {}
func (noopEvents) RecordProcessed(int64, string, string)     {}
func (noopEvents) RunFinished(int64, string, store.Counters) {}

// Syncer orchestrates delta syncs for one environment mode.
type Syncer struct {
	mode       string
	upstream   Upstream
	downstream Downstream
	store      *store.Store
	events     Events
	logger     *log.Logger
}

// New wires an orchestrator. events and logger may be nil.
func New(mode string, up Upstream, down Downstream, st *store.Store, events Events, logger *log.Logger) *Syncer {
	if events == nil {
		events = noopEvents{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		mode:       mode,
		upstream:   up,
		downstream: down,
		store:      st,
		events:     events,
		logger:     logger,
	}
}

// Mode reports which environment this syncer writes to.
func (s *Syncer) Mode() string { return s.mode }

// Status returns the current cursor, mirror size, and last run.
func (s *Syncer) Status(ctx context.Context) (*store.Status, error) {
	return s.store.SyncStatus(ctx, s.mode)
}

// RunDeltaSync executes one complete pass and returns the finished run
// record. The returned error is non-nil only for run-level failures (the
// pull itself, or bookkeeping writes); per-record failures are absorbed
// into the run's error log and counters.
func (s *Syncer) RunDeltaSync(ctx context.Context, trigger string) (*store.Run, error) {
	runID, err := s.store.CreateRun(ctx, s.mode, trigger)
	if err != nil {
		return nil, err
	}
	s.events.RunStarted(runID, s.mode, trigger)
	s.logger.Printf("Run %d started (mode=%s, trigger=%s)", runID, s.mode, trigger)

	cursor, err := s.store.Cursor(ctx, s.mode)
	if err != nil {
		return s.failRun(ctx, runID, err)
	}

	raws, err := s.upstream.PullSince(ctx, cursor.LastWriteTS)
	if err != nil {
		_ = s.store.AddError(ctx, runID, s.mode, "", 0, StagePoll, err.Error(), "")
		return s.failRun(ctx, runID, err)
	}

	counters := store.Counters{Polled: len(raws)}

	// Normalize everything up front so records can be processed in
	// watermark order regardless of how the API paginated them.
	type pending struct {
		product *fulfil.Product
		raw     json.RawMessage
	}
	var work []pending
	for _, raw := range raws {
		product, err := fulfil.Normalize(raw)
		if err != nil {
			counters.Errors++
			_ = s.store.AddError(ctx, runID, s.mode, "", rawRecordID(raw), StageNormalize, err.Error(), string(raw))
			s.logger.Printf("Run %d: normalize failed: %v", runID, err)
			continue
		}
		work = append(work, pending{product: product, raw: raw})
	}
	sort.SliceStable(work, func(i, j int) bool {
		if !work[i].product.WriteDate.Equal(work[j].product.WriteDate) {
			return work[i].product.WriteDate.Before(work[j].product.WriteDate)
		}
		return work[i].product.FulfilID < work[j].product.FulfilID
	})

	for _, item := range work {
		if err := ctx.Err(); err != nil {
			return s.failRun(ctx, runID, err)
		}
		s.processRecord(ctx, runID, item.product, item.raw, &counters)
		if err := s.store.UpdateRunCounters(ctx, runID, counters); err != nil {
			s.logger.Printf("Run %d: failed to update counters: %v", runID, err)
		}
	}

	status := store.StatusSuccess
	if counters.Errors > 0 {
		status = store.StatusPartial
	}
	if err := s.store.UpdateRunCounters(ctx, runID, counters); err != nil {
		s.logger.Printf("Run %d: failed to update counters: %v", runID, err)
	}
	if err := s.store.FinishRun(ctx, runID, status, ""); err != nil {
		return nil, err
	}

	s.events.RunFinished(runID, status, counters)
	s.logger.Printf("Run %d finished: status=%s polled=%d upserts=%d pushes=%d skipped=%d errors=%d",
		runID, status, counters.Polled, counters.Upserts, counters.Pushes, counters.Skipped, counters.Errors)
	return s.store.Run(ctx, runID)
}

// processRecord handles one upstream record. Failures are recorded and the
// cursor is left where it was, so the next run retries this record.
func (s *Syncer) processRecord(ctx context.Context, runID int64, product *fulfil.Product, raw json.RawMessage, counters *store.Counters) {
	stored, err := s.store.UpsertProduct(ctx, mirrorRow(s.mode, product))
	if err != nil {
		counters.Errors++
		_ = s.store.AddError(ctx, runID, s.mode, product.SKU, product.FulfilID, StageSync, err.Error(), string(raw))
		s.logger.Printf("Run %d: mirror upsert failed for %s: %v", runID, product.SKU, err)
		return
	}
	counters.Upserts++

	payload := downstreamPayload(product)
	hash := fingerprint.Hash(payload)

	if stored.PayloadHash != nil && *stored.PayloadHash == hash {
		// Count the skip only once the cursor is safely past the record;
		// a failed advance makes this an error, not a skip.
		if err := s.advance(ctx, product); err != nil {
			counters.Errors++
			_ = s.store.AddError(ctx, runID, s.mode, product.SKU, product.FulfilID, StageSync, err.Error(), "")
			return
		}
		counters.Skipped++
		s.events.RecordProcessed(runID, product.SKU, "skipped")
		return
	}

	action, node, err := s.push(ctx, stored, payload)
	if err != nil {
		counters.Errors++
		_ = s.store.AddError(ctx, runID, s.mode, product.SKU, product.FulfilID, StageSync, err.Error(), string(raw))
		s.logger.Printf("Run %d: push failed for %s: %v", runID, product.SKU, err)
		return
	}

	var shipheroID string
	var legacyID int64
	if node != nil {
		shipheroID = node.ID
		legacyID = node.LegacyID
	}
	if err := s.store.SetPushResult(ctx, s.mode, product.FulfilID, shipheroID, legacyID, hash); err != nil {
		counters.Errors++
		_ = s.store.AddError(ctx, runID, s.mode, product.SKU, product.FulfilID, StageSync, err.Error(), "")
		return
	}

	if err := s.advance(ctx, product); err != nil {
		counters.Errors++
		_ = s.store.AddError(ctx, runID, s.mode, product.SKU, product.FulfilID, StageSync, err.Error(), "")
		return
	}
	counters.Pushes++
	s.events.RecordProcessed(runID, product.SKU, action)
}

// push sends one product downstream, choosing create or update based on the
// tracking state and, when the mirror has no downstream id yet, a lookup by
// SKU so re-creates of known products become updates.
func (s *Syncer) push(ctx context.Context, stored *store.Product, payload shiphero.Payload) (string, *shiphero.ProductNode, error) {
	ref := shiphero.ProductRef{SKU: stored.SKU}
	if stored.ShipHeroProductID != nil {
		ref.ID = *stored.ShipHeroProductID
	}
	if stored.ShipHeroLegacyID != nil {
		ref.LegacyID = *stored.ShipHeroLegacyID
	}

	if ref.ID == "" && ref.LegacyID == 0 {
		node, err := s.downstream.ProductBySKU(ctx, stored.SKU)
		if err != nil {
			return "", nil, err
		}
		if node == nil {
			created, err := s.downstream.Create(ctx, payload)
			if err != nil {
				return "", nil, err
			}
			return "created", created, nil
		}
		ref.ID = node.ID
		ref.LegacyID = node.LegacyID
	}

	updated, err := s.downstream.Update(ctx, ref, payload)
	if err != nil {
		return "", nil, err
	}
	if updated == nil {
		// Tenant returned no product node; keep the identifiers we had.
		updated = &shiphero.ProductNode{ID: ref.ID, LegacyID: ref.LegacyID, SKU: ref.SKU}
	}
	return "updated", updated, nil
}

// rawRecordID pulls the upstream id out of a record that failed to
// normalize, so the error log still identifies it when possible.
func rawRecordID(raw json.RawMessage) int64 {
	var rec struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(raw, &rec)
	return rec.ID
}

func (s *Syncer) advance(ctx context.Context, product *fulfil.Product) error {
	return s.store.AdvanceCursor(ctx, s.mode, product.WriteDate, product.FulfilID)
}

func (s *Syncer) failRun(ctx context.Context, runID int64, cause error) (*store.Run, error) {
	if err := s.store.FinishRun(ctx, runID, store.StatusFailed, cause.Error()); err != nil {
		s.logger.Printf("Run %d: failed to record failure: %v", runID, err)
	}
	s.events.RunFinished(runID, store.StatusFailed, store.Counters{})
	s.logger.Printf("Run %d failed: %v", runID, cause)
	run, err := s.store.Run(ctx, runID)
	if err != nil {
		return nil, cause
	}
	return run, cause
}

// mirrorRow converts a normalized upstream product into its mirror row.
func mirrorRow(mode string, p *fulfil.Product) *store.Product {
	return &store.Product{
		Mode:               mode,
		FulfilProductID:    p.FulfilID,
		SKU:                p.SKU,
		Name:               p.Name,
		UPC:                p.UPC,
		ASIN:               p.ASIN,
		BuyerSKU:           p.BuyerSKU,
		HSCode:             p.HSCode,
		CountryOfOrigin:    p.CountryOfOrigin,
		CustomsDescription: p.CustomsDescription,
		WeightKg:           p.WeightKg,
		LengthCm:           p.LengthCm,
		WidthCm:            p.WidthCm,
		HeightCm:           p.HeightCm,
		WriteDate:          p.WriteDate,
	}
}

// downstreamPayload builds the WMS-facing payload. The WMS speaks imperial
// units, so metric attributes are converted; absent attributes are sent as
// explicit nulls so a cleared upstream field clears downstream too.
func downstreamPayload(p *fulfil.Product) shiphero.Payload {
	payload := shiphero.Payload{
		"sku":                    p.SKU,
		"name":                   p.Name,
		"barcode":                anyOrNil(p.UPC),
		"tariff_code":            anyOrNil(p.HSCode),
		"country_of_manufacture": anyOrNil(p.CountryOfOrigin),
		"customs_description":    anyOrNil(p.CustomsDescription),
		"weight":                 floatOrNil(units.KgToLb(p.WeightKg)),
		"length":                 floatOrNil(units.CmToIn(p.LengthCm)),
		"width":                  floatOrNil(units.CmToIn(p.WidthCm)),
		"height":                 floatOrNil(units.CmToIn(p.HeightCm)),
	}
	return payload
}

func anyOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
