package queue

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const itemColumns = "id, case_id, modality, source_path, status, stage, attempts, error_message, archive_path, created_at, updated_at, started_at, finished_at, last_heartbeat"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		item         Item
		status       string
		modality     sql.NullString
		stage        sql.NullString
		errorMessage sql.NullString
		archivePath  sql.NullString
		createdRaw   string
		updatedRaw   string
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
		heartbeatRaw sql.NullString
	)
	if err := scanner.Scan(
		&item.ID,
		&item.CaseID,
		&modality,
		&item.SourcePath,
		&status,
		&stage,
		&item.Attempts,
		&errorMessage,
		&archivePath,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.Modality = modality.String
	item.Stage = stage.String
	item.ErrorMessage = errorMessage.String
	item.ArchivePath = archivePath.String
	item.CreatedAt, _ = parseTimeString(createdRaw)
	item.UpdatedAt, _ = parseTimeString(updatedRaw)
	item.StartedAt = parseNullableTime(startedRaw)
	item.FinishedAt = parseNullableTime(finishedRaw)
	item.LastHeartbeat = parseNullableTime(heartbeatRaw)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.Repeat("?,", count-1) + "?"
}
