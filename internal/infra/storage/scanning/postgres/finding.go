package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/db"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/internal/infra/storage"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

var _ scanning.FindingRepository = (*findingStore)(nil)

// findingStore persists finding sets as a JSONB array in discovery order.
type findingStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewFindingStore creates a PostgreSQL-backed finding repository.
func NewFindingStore(pool *pgxpool.Pool, tracer trace.Tracer) *findingStore {
	return &findingStore{q: db.New(pool), tracer: tracer}
}

type findingRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	FilePath    string `json:"file_path,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
}

// SaveFindingSet inserts a finding set.
func (s *findingStore) SaveFindingSet(ctx context.Context, set *scanning.FindingSet) error {
	dbAttrs := dbAttributes(
		attribute.String("finding_set_id", set.ID().String()),
		attribute.String("job_id", set.JobID().String()),
		attribute.Int("total", set.Total()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_finding_set", dbAttrs, func(ctx context.Context) error {
		findings := set.Vulnerabilities()
		records := make([]findingRecord, len(findings))
		for i, f := range findings {
			records[i] = findingRecord{
				Name:        f.Name(),
				Description: f.Description(),
				Category:    f.Category(),
				Severity:    f.Severity().String(),
				FilePath:    f.FilePath(),
				LineNumber:  f.LineNumber(),
			}
		}

		payload, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("failed to marshal findings: %w", err)
		}

		err = s.q.CreateFindingSet(ctx, db.CreateFindingSetParams{
			FindingSetID: pgtype.UUID{Bytes: set.ID(), Valid: true},
			JobID:        pgtype.UUID{Bytes: set.JobID(), Valid: true},
			Findings:     payload,
			CreatedAt:    pgtype.Timestamptz{Time: set.CreatedAt(), Valid: true},
		})
		if err != nil {
			return fmt.Errorf("CreateFindingSet insert error: %w", err)
		}
		return nil
	})
}

// GetFindingSet loads a finding set, returning scanning.ErrResultNotReady
// when none exists.
func (s *findingStore) GetFindingSet(ctx context.Context, id uuid.UUID) (*scanning.FindingSet, error) {
	dbAttrs := dbAttributes(attribute.String("finding_set_id", id.String()))

	var set *scanning.FindingSet
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_finding_set", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetFindingSet(ctx, pgtype.UUID{Bytes: id, Valid: true})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrResultNotReady
			}
			return fmt.Errorf("get finding set query error: %w", err)
		}

		var records []findingRecord
		if err := json.Unmarshal(row.Findings, &records); err != nil {
			return fmt.Errorf("failed to unmarshal findings: %w", err)
		}

		findings := make([]scanning.Finding, len(records))
		for i, rec := range records {
			findings[i] = scanning.ReconstructFinding(
				rec.Name,
				rec.Description,
				rec.Category,
				scanning.Severity(rec.Severity),
				rec.FilePath,
				rec.LineNumber,
			)
		}
		set = scanning.ReconstructFindingSet(row.FindingSetID.Bytes, row.JobID.Bytes, findings, row.CreatedAt.Time.UTC())
		return nil
	})
	return set, err
}

// DeleteFindingSet removes a finding set. Unknown ids are not an error.
func (s *findingStore) DeleteFindingSet(ctx context.Context, id uuid.UUID) error {
	dbAttrs := dbAttributes(attribute.String("finding_set_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_finding_set", dbAttrs, func(ctx context.Context) error {
		if err := s.q.DeleteFindingSet(ctx, pgtype.UUID{Bytes: id, Valid: true}); err != nil {
			return fmt.Errorf("delete finding set query error: %w", err)
		}
		return nil
	})
}
