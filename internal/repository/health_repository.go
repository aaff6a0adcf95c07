package repository

import (
	"database/sql"
	"time"

	"tradebridge/internal/models"
)

// HealthRepository - работа с таблицей health_records
// (append-only журнал проверок здоровья)
type HealthRepository struct {
	db *sql.DB
}

// NewHealthRepository создает новый экземпляр репозитория
func NewHealthRepository(db *sql.DB) *HealthRepository {
	return &HealthRepository{db: db}
}

// Create создает запись о проверке здоровья
func (r *HealthRepository) Create(record *models.HealthRecord) error {
	query := `
		INSERT INTO health_records (bot_id, old_status, new_status, health_status, reason, trade_count, last_trade_at, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if record.CheckedAt.IsZero() {
		record.CheckedAt = time.Now()
	}

	return r.db.QueryRow(
		query,
		record.BotID,
		record.OldStatus,
		record.NewStatus,
		record.HealthStatus,
		record.Reason,
		record.TradeCount,
		record.LastTradeAt,
		record.CheckedAt,
	).Scan(&record.ID)
}

// GetByBotID возвращает последние проверки бота
func (r *HealthRepository) GetByBotID(botID int64, limit int) ([]*models.HealthRecord, error) {
	query := `
		SELECT id, bot_id, old_status, new_status, health_status, reason, trade_count, last_trade_at, checked_at
		FROM health_records
		WHERE bot_id = $1
		ORDER BY checked_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.HealthRecord
	for rows.Next() {
		record := &models.HealthRecord{}
		err := rows.Scan(
			&record.ID,
			&record.BotID,
			&record.OldStatus,
			&record.NewStatus,
			&record.HealthStatus,
			&record.Reason,
			&record.TradeCount,
			&record.LastTradeAt,
			&record.CheckedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// DeleteOlderThan удаляет записи проверок старше указанной даты
func (r *HealthRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM health_records WHERE checked_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
