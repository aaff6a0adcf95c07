package repository

import (
	"database/sql"
	"time"

	"tradebridge/internal/models"
)

// TradeRepository - работа с таблицей trades (append-only журнал сделок)
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create создает запись о сделке
func (r *TradeRepository) Create(trade *models.Trade) error {
	query := `
		INSERT INTO trades (bot_id, side, amount, price, cost, exchange_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}

	return r.db.QueryRow(
		query,
		trade.BotID,
		trade.Side,
		trade.Amount,
		trade.Price,
		trade.Cost,
		trade.ExchangeOrderID,
		trade.CreatedAt,
	).Scan(&trade.ID)
}

// GetByBotID возвращает последние сделки бота
func (r *TradeRepository) GetByBotID(botID int64, limit int) ([]*models.Trade, error) {
	query := `
		SELECT id, bot_id, side, amount, price, cost, exchange_order_id, created_at
		FROM trades
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		trade := &models.Trade{}
		err := rows.Scan(
			&trade.ID,
			&trade.BotID,
			&trade.Side,
			&trade.Amount,
			&trade.Price,
			&trade.Cost,
			&trade.ExchangeOrderID,
			&trade.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}

// GetSince возвращает сделки бота начиная с указанного момента
// (используется Health Monitor для окна lookback)
func (r *TradeRepository) GetSince(botID int64, since time.Time) ([]*models.Trade, error) {
	query := `
		SELECT id, bot_id, side, amount, price, cost, exchange_order_id, created_at
		FROM trades
		WHERE bot_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`

	rows, err := r.db.Query(query, botID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		trade := &models.Trade{}
		err := rows.Scan(
			&trade.ID,
			&trade.BotID,
			&trade.Side,
			&trade.Amount,
			&trade.Price,
			&trade.Cost,
			&trade.ExchangeOrderID,
			&trade.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}

// CountSince возвращает количество сделок бота с указанного момента
func (r *TradeRepository) CountSince(botID int64, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM trades WHERE bot_id = $1 AND created_at >= $2`

	var count int
	err := r.db.QueryRow(query, botID, since).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// DeleteOlderThan удаляет сделки старше указанной даты
func (r *TradeRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM trades WHERE created_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
