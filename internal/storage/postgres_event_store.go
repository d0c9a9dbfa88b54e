package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
	"github.com/geoevents/geoevents/internal/ingestion"
)

func (s *PostgresStore) FindByUniqueIDs(ctx context.Context, datasetID string, uniqueIDs []string) (map[string]identity.Existing, error) {
	return s.findExisting(ctx, "unique_id", datasetID, uniqueIDs, func(e identity.Existing) string { return e.UniqueID })
}

func (s *PostgresStore) FindByContentHashes(ctx context.Context, datasetID string, hashes []string) (map[string]identity.Existing, error) {
	return s.findExisting(ctx, "content_hash", datasetID, hashes, func(e identity.Existing) string { return e.ContentHash })
}

// findExisting looks up live events of a dataset whose column is in values.
// column is one of two constants above, never user input.
func (s *PostgresStore) findExisting(
	ctx context.Context,
	column, datasetID string,
	values []string,
	key func(identity.Existing) string,
) (map[string]identity.Existing, error) {
	out := make(map[string]identity.Existing, len(values))
	if len(values) == 0 {
		return out, nil
	}

	query := `SELECT id, unique_id, content_hash FROM events
		WHERE dataset_id = $1 AND deleted_at IS NULL AND ` + column + ` = ANY($2)
		ORDER BY created_at, id`

	rows, err := s.conn.QueryContext(ctx, query, datasetID, stringArray(values))
	if err != nil {
		return nil, s.queryError("find existing events", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var e identity.Existing
		if err := rows.Scan(&e.EventID, &e.UniqueID, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan existing event: %w", err)
		}

		// The oldest event wins when several share a content hash.
		if _, seen := out[key(e)]; !seen {
			out[key(e)] = e
		}
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError("iterate existing events", err)
	}

	return out, nil
}

// InsertEvents writes events in one transaction. Rows whose unique_id already
// exists are skipped.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []*ingestion.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	written := 0

	err := s.conn.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (id, dataset_id, import_job_id, unique_id, source_id, content_hash, data, title,
			                    event_timestamp, latitude, longitude, coordinate_source, coordinate_confidence,
			                    validation_status, needs_review, geocoding_provider, original_address,
			                    formatted_address, geocoding_confidence, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (unique_id) DO NOTHING`)
		if err != nil {
			return s.queryError("prepare event insert", err)
		}

		defer func() {
			_ = stmt.Close()
		}()

		for _, e := range events {
			data, err := jsonValue(e.Data)
			if err != nil {
				return err
			}

			res, err := stmt.ExecContext(ctx,
				e.ID, e.DatasetID, nullString(e.ImportJobID), e.UniqueID, e.SourceID, e.ContentHash, data, e.Title,
				nullTime(e.EventTimestamp), e.Latitude, e.Longitude, string(e.CoordinateSource),
				e.CoordinateConfidence, string(e.ValidationStatus), e.NeedsReview, e.GeocodingProvider,
				e.OriginalAddress, e.FormattedAddress, e.GeocodingConfidence, e.CreatedAt, e.UpdatedAt)
			if err != nil {
				return s.queryError("insert event", err)
			}

			n, err := rowsAffected(res)
			if err != nil {
				return err
			}

			written += int(n)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// UpdateEvents replaces payload and location of live events matched by id.
// unique_id and created_at are never rewritten.
func (s *PostgresStore) UpdateEvents(ctx context.Context, events []*ingestion.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	updated := 0

	err := s.conn.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE events
			SET import_job_id = $2, source_id = $3, content_hash = $4, data = $5, title = $6, event_timestamp = $7,
			    latitude = $8, longitude = $9, coordinate_source = $10, coordinate_confidence = $11,
			    validation_status = $12, needs_review = $13, geocoding_provider = $14, original_address = $15,
			    formatted_address = $16, geocoding_confidence = $17, updated_at = $18
			WHERE id = $1 AND deleted_at IS NULL`)
		if err != nil {
			return s.queryError("prepare event update", err)
		}

		defer func() {
			_ = stmt.Close()
		}()

		for _, e := range events {
			data, err := jsonValue(e.Data)
			if err != nil {
				return err
			}

			res, err := stmt.ExecContext(ctx,
				e.ID, nullString(e.ImportJobID), e.SourceID, e.ContentHash, data, e.Title, nullTime(e.EventTimestamp),
				e.Latitude, e.Longitude, string(e.CoordinateSource), e.CoordinateConfidence,
				string(e.ValidationStatus), e.NeedsReview, e.GeocodingProvider, e.OriginalAddress,
				e.FormattedAddress, e.GeocodingConfidence, e.UpdatedAt)
			if err != nil {
				return s.queryError("update event", err)
			}

			n, err := rowsAffected(res)
			if err != nil {
				return err
			}

			updated += int(n)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return updated, nil
}

// ListEvents returns the live events of a dataset ordered by unique id.
func (s *PostgresStore) ListEvents(ctx context.Context, datasetID string) ([]*ingestion.Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, dataset_id, import_job_id, unique_id, source_id, content_hash, data, title, event_timestamp,
		       latitude, longitude, coordinate_source, coordinate_confidence, validation_status, needs_review,
		       geocoding_provider, original_address, formatted_address, geocoding_confidence, created_at, updated_at
		FROM events
		WHERE dataset_id = $1 AND deleted_at IS NULL
		ORDER BY unique_id`, datasetID)
	if err != nil {
		return nil, s.queryError("list events", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*ingestion.Event

	for rows.Next() {
		var (
			e                         ingestion.Event
			jobID                     sql.NullString
			data                      []byte
			ts                        sql.NullTime
			lat, lng                  sql.NullFloat64
			source, validationStatus string
		)

		if err := rows.Scan(&e.ID, &e.DatasetID, &jobID, &e.UniqueID, &e.SourceID, &e.ContentHash, &data, &e.Title,
			&ts, &lat, &lng, &source, &e.CoordinateConfidence, &validationStatus, &e.NeedsReview,
			&e.GeocodingProvider, &e.OriginalAddress, &e.FormattedAddress, &e.GeocodingConfidence,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", e.ID, err)
		}

		e.ImportJobID = jobID.String
		e.EventTimestamp = timePtr(ts)
		e.Latitude = floatPtr(lat)
		e.Longitude = floatPtr(lng)
		e.CoordinateSource = geocoding.Provenance(source)
		e.ValidationStatus = geocoding.ValidationStatus(validationStatus)

		out = append(out, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError("iterate events", err)
	}

	return out, nil
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}

	v := f.Float64

	return &v
}
