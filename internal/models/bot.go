package models

import "time"

// Bot представляет торгового бота одного аккаунта (тенанта)
//
// Status отражает намерение оператора, HealthStatus - наблюдаемую
// реальность. Они могут расходиться до тех пор, пока Health Monitor
// не сверит их на очередном цикле проверки.
type Bot struct {
	ID            int64     `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`         // ключ тенанта
	Exchange      string    `json:"exchange" db:"exchange"`             // bitmart, coinstore
	Symbol        string    `json:"symbol" db:"symbol"`                 // BTC_USDT
	Strategy      string    `json:"strategy" db:"strategy"`             // volume, spread
	Status        string    `json:"status" db:"status"`                 // running, stopped
	HealthStatus  string    `json:"health_status" db:"health_status"`   // healthy, stale, stopped, error, unknown
	HealthMessage string    `json:"health_message" db:"health_message"` // человекочитаемая причина вердикта
	LastTradeAt   *time.Time `json:"last_trade_at,omitempty" db:"last_trade_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`

	// Накопленная статистика
	TotalVolume float64 `json:"total_volume" db:"total_volume"` // суммарный notional в quote-валюте
	TotalTrades int     `json:"total_trades" db:"total_trades"`

	// Параметры стратегии (плоские колонки; трактовка зависит от Strategy)
	TradeMin      float64 `json:"trade_min" db:"trade_min"`           // volume: мин. notional сделки
	TradeMax      float64 `json:"trade_max" db:"trade_max"`           // volume: макс. notional сделки
	DailyTarget   float64 `json:"daily_target" db:"daily_target"`     // volume: дневная цель notional
	SpreadPct     float64 `json:"spread_pct" db:"spread_pct"`         // spread: базовый спред в долях (0.02 = 2%)
	OrderNotional float64 `json:"order_notional" db:"order_notional"` // spread: notional каждой котировки
	DriftPct      float64 `json:"drift_pct" db:"drift_pct"`           // spread: порог дрейфа для переквотирования
	BreakerPct    float64 `json:"breaker_pct" db:"breaker_pct"`       // spread: порог circuit breaker'а
	IntervalSec   int     `json:"interval_sec" db:"interval_sec"`     // период цикла стратегии

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Типы стратегий
const (
	StrategyVolume = "volume"
	StrategySpread = "spread"
)

// Статусы бота (намерение оператора)
const (
	BotStatusRunning = "running"
	BotStatusStopped = "stopped"
)

// Статусы здоровья (наблюдаемая реальность)
const (
	HealthHealthy = "healthy"
	HealthStale   = "stale"
	HealthStopped = "stopped"
	HealthError   = "error"
	HealthUnknown = "unknown"
)

// IsCEXStrategy возвращает true для стратегий, торгующих на CEX
func (b *Bot) IsCEXStrategy() bool {
	return b.Strategy == StrategyVolume || b.Strategy == StrategySpread
}

// CycleInterval возвращает период цикла стратегии с дефолтом
func (b *Bot) CycleInterval() time.Duration {
	if b.IntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.IntervalSec) * time.Second
}
