package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradebridge/internal/models"
)

// Ошибки репозитория ботов
var (
	ErrBotNotFound = errors.New("bot not found")
)

// Колонки таблицы bots в порядке сканирования
const botColumns = `id, account_id, exchange, symbol, strategy, status, health_status, health_message,
		last_trade_at, last_heartbeat, total_volume, total_trades,
		trade_min, trade_max, daily_target, spread_pct, order_notional, drift_pct, breaker_pct, interval_sec,
		created_at, updated_at`

// BotRepository - работа с таблицей bots
type BotRepository struct {
	db *sql.DB
}

// NewBotRepository создает новый экземпляр репозитория
func NewBotRepository(db *sql.DB) *BotRepository {
	return &BotRepository{db: db}
}

// scanBot сканирует одну строку таблицы bots
func scanBot(scanner interface{ Scan(...interface{}) error }) (*models.Bot, error) {
	bot := &models.Bot{}
	err := scanner.Scan(
		&bot.ID,
		&bot.AccountID,
		&bot.Exchange,
		&bot.Symbol,
		&bot.Strategy,
		&bot.Status,
		&bot.HealthStatus,
		&bot.HealthMessage,
		&bot.LastTradeAt,
		&bot.LastHeartbeat,
		&bot.TotalVolume,
		&bot.TotalTrades,
		&bot.TradeMin,
		&bot.TradeMax,
		&bot.DailyTarget,
		&bot.SpreadPct,
		&bot.OrderNotional,
		&bot.DriftPct,
		&bot.BreakerPct,
		&bot.IntervalSec,
		&bot.CreatedAt,
		&bot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// GetByID возвращает бота по ID
func (r *BotRepository) GetByID(id int64) (*models.Bot, error) {
	query := `
		SELECT ` + botColumns + `
		FROM bots
		WHERE id = $1`

	bot, err := scanBot(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}

	return bot, nil
}

// GetRunning возвращает ботов с желаемым статусом running и
// CEX стратегией (volume или spread)
func (r *BotRepository) GetRunning() ([]*models.Bot, error) {
	query := `
		SELECT ` + botColumns + `
		FROM bots
		WHERE status = $1 AND strategy IN ($2, $3)
		ORDER BY id`

	rows, err := r.db.Query(query, models.BotStatusRunning, models.StrategyVolume, models.StrategySpread)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return bots, nil
}

// GetByAccountID возвращает всех ботов аккаунта
func (r *BotRepository) GetByAccountID(accountID string) ([]*models.Bot, error) {
	query := `
		SELECT ` + botColumns + `
		FROM bots
		WHERE account_id = $1
		ORDER BY id`

	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return bots, nil
}

// UpdateStatus обновляет желаемый статус бота
func (r *BotRepository) UpdateStatus(id int64, status string) error {
	query := `
		UPDATE bots
		SET status = $1, updated_at = $2
		WHERE id = $3`

	result, err := r.db.Exec(query, status, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrBotNotFound
	}

	return nil
}

// UpdateHealth обновляет статус здоровья и причину вердикта
func (r *BotRepository) UpdateHealth(id int64, healthStatus, healthMessage string) error {
	query := `
		UPDATE bots
		SET health_status = $1, health_message = $2, updated_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(query, healthStatus, healthMessage, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrBotNotFound
	}

	return nil
}

// UpdateHeartbeat фиксирует внешний heartbeat бота и помечает его здоровым
func (r *BotRepository) UpdateHeartbeat(id int64, at time.Time) error {
	query := `
		UPDATE bots
		SET last_heartbeat = $1, health_status = $2, updated_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(query, at, models.HealthHealthy, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrBotNotFound
	}

	return nil
}

// ApplyTrade обновляет аккумуляторы бота после исполненной сделки
func (r *BotRepository) ApplyTrade(id int64, notional float64, tradedAt time.Time) error {
	query := `
		UPDATE bots
		SET total_volume = total_volume + $1,
		    total_trades = total_trades + 1,
		    last_trade_at = $2,
		    updated_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(query, notional, tradedAt, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrBotNotFound
	}

	return nil
}
