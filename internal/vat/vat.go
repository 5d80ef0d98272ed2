// Package vat generates draft VAT returns from the aggregated period totals.
// A draft is a working document, not a filing: it is regenerated whenever the
// underlying ledger changes and carries the ledger version it was built from.
package vat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/helderboek/helderboek/internal/ledger"
	"github.com/helderboek/helderboek/internal/snapshot"
	"github.com/helderboek/helderboek/internal/validation"
)

// Draft is one stored VAT draft for a period.
type Draft struct {
	ID               int64             `json:"id"`
	AdministrationID int64             `json:"administration_id"`
	PeriodID         int64             `json:"period_id"`
	LedgerVersion    int64             `json:"ledger_version"`
	Boxes            []snapshot.VATBox `json:"boxes"`
	TotalPayable     decimal.Decimal   `json:"total_payable"`
	GeneratedBy      int64             `json:"generated_by"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// ErrDraftNotFound indicates no draft exists for the period.
var ErrDraftNotFound = errors.New("vat: draft not found")

// Totals provides the aggregated VAT amounts, satisfied by ledger.Repository.
type Totals interface {
	VATTotals(ctx context.Context, administrationID int64, start, end time.Time) ([]ledger.VATTotal, error)
}

// VersionSource fingerprints the ledger window, satisfied by
// validation.Repository.
type VersionSource interface {
	LedgerVersion(ctx context.Context, administrationID int64, start, end time.Time) (int64, error)
}

// Generator builds and stores VAT drafts.
type Generator struct {
	pool     *pgxpool.Pool
	totals   Totals
	versions VersionSource
	periods  validation.PeriodSource
}

// NewGenerator constructs a Generator.
func NewGenerator(pool *pgxpool.Pool, totals Totals, versions VersionSource, periods validation.PeriodSource) *Generator {
	return &Generator{pool: pool, totals: totals, versions: versions, periods: periods}
}

// Generate builds the draft for the period. When a draft already exists for
// the same ledger version and force is false, the stored draft is returned
// unchanged and regenerated is false.
func (g *Generator) Generate(ctx context.Context, administrationID, periodID int64, force bool, actorID int64) (Draft, bool, error) {
	owner, start, end, err := g.periods.PeriodWindow(ctx, periodID)
	if err != nil {
		return Draft{}, false, err
	}
	if owner != administrationID {
		return Draft{}, false, fmt.Errorf("%w: period %d does not belong to administration %d", validation.ErrPeriodUnknown, periodID, administrationID)
	}

	version, err := g.versions.LedgerVersion(ctx, administrationID, start, end)
	if err != nil {
		return Draft{}, false, err
	}
	if !force {
		existing, err := g.GetByPeriod(ctx, periodID)
		switch {
		case err == nil && existing.LedgerVersion == version:
			return existing, false, nil
		case err != nil && !errors.Is(err, ErrDraftNotFound):
			return Draft{}, false, err
		}
	}

	totals, err := g.totals.VATTotals(ctx, administrationID, start, end)
	if err != nil {
		return Draft{}, false, err
	}
	boxes := ledger.SummariseVAT(totals)
	draft := Draft{
		AdministrationID: administrationID,
		PeriodID:         periodID,
		LedgerVersion:    version,
		Boxes:            boxes,
		TotalPayable:     TotalPayable(boxes),
		GeneratedBy:      actorID,
	}
	if err := g.upsert(ctx, &draft); err != nil {
		return Draft{}, false, err
	}
	return draft, true, nil
}

// GetByPeriod reads the stored draft for a period.
func (g *Generator) GetByPeriod(ctx context.Context, periodID int64) (Draft, error) {
	var (
		d     Draft
		boxes []byte
		total string
	)
	err := g.pool.QueryRow(ctx, `SELECT id, administration_id, period_id, ledger_version, boxes, total_payable::text, generated_by, generated_at
FROM vat_drafts WHERE period_id = $1`, periodID).
		Scan(&d.ID, &d.AdministrationID, &d.PeriodID, &d.LedgerVersion, &boxes, &total, &d.GeneratedBy, &d.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return Draft{}, err
	}
	if err := json.Unmarshal(boxes, &d.Boxes); err != nil {
		return Draft{}, fmt.Errorf("vat: unmarshal boxes: %w", err)
	}
	if d.TotalPayable, err = decimal.NewFromString(total); err != nil {
		return Draft{}, fmt.Errorf("vat: parse total: %w", err)
	}
	return d, nil
}

func (g *Generator) upsert(ctx context.Context, d *Draft) error {
	boxes, err := json.Marshal(d.Boxes)
	if err != nil {
		return fmt.Errorf("vat: marshal boxes: %w", err)
	}
	return g.pool.QueryRow(ctx, `INSERT INTO vat_drafts (administration_id, period_id, ledger_version, boxes, total_payable, generated_by, generated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (period_id) DO UPDATE SET
    ledger_version = EXCLUDED.ledger_version,
    boxes = EXCLUDED.boxes,
    total_payable = EXCLUDED.total_payable,
    generated_by = EXCLUDED.generated_by,
    generated_at = NOW()
RETURNING id, generated_at`,
		d.AdministrationID, d.PeriodID, d.LedgerVersion, boxes, d.TotalPayable, d.GeneratedBy).
		Scan(&d.ID, &d.GeneratedAt)
}

// TotalPayable computes the net amount due: output VAT (rubrics 1-4) minus
// deductible input VAT (5b).
func TotalPayable(boxes []snapshot.VATBox) decimal.Decimal {
	total := decimal.Zero
	for _, box := range boxes {
		if box.Box == "5b" {
			total = total.Sub(box.Tax)
			continue
		}
		total = total.Add(box.Tax)
	}
	return total
}
