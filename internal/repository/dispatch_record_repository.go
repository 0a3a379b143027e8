package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"featherpost/internal/models"
)

type DispatchRecordRepository interface {
	Create(ctx context.Context, dr *models.DispatchRecord) (int64, error)
	GetByUserID(ctx context.Context, userID int64) ([]*models.DispatchRecord, error)
}

type dispatchRecordRepository struct {
	db *sql.DB
}

func NewDispatchRecordRepository(db *sql.DB) DispatchRecordRepository {
	return &dispatchRecordRepository{db: db}
}

func (r *dispatchRecordRepository) Create(ctx context.Context, dr *models.DispatchRecord) (int64, error) {
	query := `
		INSERT INTO dispatch_records (user_id, post_id, error_message)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query, dr.UserID, dr.PostID, dr.ErrorMessage).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

func (r *dispatchRecordRepository) GetByUserID(ctx context.Context, userID int64) ([]*models.DispatchRecord, error) {
	query := `SELECT id, user_id, post_id, error_message, created_at FROM dispatch_records WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var records []*models.DispatchRecord
	for rows.Next() {
		var dr models.DispatchRecord
		err := rows.Scan(&dr.ID, &dr.UserID, &dr.PostID, &dr.ErrorMessage, &dr.CreatedAt)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		records = append(records, &dr)
	}
	return records, rows.Err()
}
