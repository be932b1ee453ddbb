package storage

import (
	"context"
	"encoding/json"
	"fmt"

	errwrap "github.com/pkg/errors"

	"github.com/workload-advisor/controller/types"
)

const insertQueryLogSQL = `
	INSERT INTO query_logs (
		query_hash, query_text, normalized_query, calls,
		total_exec_time_ms, mean_exec_time_ms, min_exec_time_ms, max_exec_time_ms, stddev_exec_time_ms,
		rows_affected,
		shared_blks_hit, shared_blks_read, shared_blks_dirtied, shared_blks_written,
		local_blks_hit, local_blks_read, local_blks_dirtied, local_blks_written,
		temp_blks_read, temp_blks_written, blk_read_time_ms, blk_write_time_ms,
		query_plan, extracted_features, source, collected_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
	)`

const selectQueryLogColumns = `SELECT id, query_hash, query_text, normalized_query, calls,
		total_exec_time_ms, mean_exec_time_ms, min_exec_time_ms, max_exec_time_ms, stddev_exec_time_ms,
		rows_affected,
		shared_blks_hit, shared_blks_read, shared_blks_dirtied, shared_blks_written,
		local_blks_hit, local_blks_read, local_blks_dirtied, local_blks_written,
		temp_blks_read, temp_blks_written, blk_read_time_ms, blk_write_time_ms,
		query_plan, extracted_features, source, collected_at
	FROM query_logs`

// InsertQueryLogs appends a batch of records in one transaction.
// Either the whole batch is stored or none of it is.
func (d *Database) InsertQueryLogs(ctx context.Context, records []*types.QueryLogRecord) (int, error) {
	funcName := "Database.InsertQueryLogs"
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errwrap.Wrap(err, funcName)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertQueryLogSQL)
	if err != nil {
		return 0, errwrap.Wrap(err, funcName)
	}
	defer stmt.Close()

	for _, rec := range records {
		b := rec.Buffers
		_, err := stmt.ExecContext(ctx,
			rec.QueryHash, rec.QueryText, rec.NormalizedQuery, rec.Calls,
			rec.TotalExecTimeMs, rec.MeanExecTimeMs, rec.MinExecTimeMs, rec.MaxExecTimeMs, rec.StddevExecTime,
			rec.RowsAffected,
			b.SharedBlksHit, b.SharedBlksRead, b.SharedBlksDirtied, b.SharedBlksWritten,
			b.LocalBlksHit, b.LocalBlksRead, b.LocalBlksDirtied, b.LocalBlksWritten,
			b.TempBlksRead, b.TempBlksWritten, b.BlkReadTimeMs, b.BlkWriteTimeMs,
			jsonText(rec.QueryPlan), rec.Features, rec.Source, rec.CollectedAt,
		)
		if err != nil {
			return 0, errwrap.Wrapf(err, "%s: query %s", funcName, rec.QueryHash)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errwrap.Wrap(err, funcName)
	}

	d.log.WithField("count", len(records)).Debug("Inserted query logs")
	return len(records), nil
}

// ListQueryLogs reads a log window
func (d *Database) ListQueryLogs(ctx context.Context, filter types.QueryLogFilter) ([]*types.QueryLogRecord, error) {
	funcName := "Database.ListQueryLogs"

	query := selectQueryLogColumns + " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND collected_at >= $%d", argCount)
		args = append(args, filter.Since)
		argCount++
	}

	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND collected_at < $%d", argCount)
		args = append(args, filter.Until)
		argCount++
	}

	if filter.MinCalls > 0 {
		query += fmt.Sprintf(" AND calls > $%d", argCount)
		args = append(args, filter.MinCalls)
		argCount++
	}

	if filter.QueryHash != "" {
		query += fmt.Sprintf(" AND query_hash = $%d", argCount)
		args = append(args, filter.QueryHash)
		argCount++
	}

	if filter.TextLike != "" {
		query += fmt.Sprintf(" AND query_text ILIKE $%d", argCount)
		args = append(args, filter.TextLike)
		argCount++
	}

	if filter.OrderByCalls {
		query += " ORDER BY calls DESC, mean_exec_time_ms DESC"
	} else {
		query += " ORDER BY collected_at DESC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	var records []*types.QueryLogRecord
	for rows.Next() {
		rec := &types.QueryLogRecord{}
		b := &rec.Buffers
		var planJSON, featuresJSON []byte

		err := rows.Scan(
			&rec.ID, &rec.QueryHash, &rec.QueryText, &rec.NormalizedQuery, &rec.Calls,
			&rec.TotalExecTimeMs, &rec.MeanExecTimeMs, &rec.MinExecTimeMs, &rec.MaxExecTimeMs, &rec.StddevExecTime,
			&rec.RowsAffected,
			&b.SharedBlksHit, &b.SharedBlksRead, &b.SharedBlksDirtied, &b.SharedBlksWritten,
			&b.LocalBlksHit, &b.LocalBlksRead, &b.LocalBlksDirtied, &b.LocalBlksWritten,
			&b.TempBlksRead, &b.TempBlksWritten, &b.BlkReadTimeMs, &b.BlkWriteTimeMs,
			&planJSON, &featuresJSON, &rec.Source, &rec.CollectedAt,
		)
		if err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}

		if len(planJSON) > 0 {
			rec.QueryPlan = json.RawMessage(planJSON)
		}
		if len(featuresJSON) > 0 {
			var features types.ExtractedFeatureVector
			if err := json.Unmarshal(featuresJSON, &features); err != nil {
				d.log.WithError(err).WithField("query_hash", rec.QueryHash).Warn("Skipping unreadable feature blob")
			} else {
				rec.Features = &features
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return records, nil
}

// jsonText converts a JSON blob to the text form lib/pq can bind to a JSONB column
func jsonText(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
