package models

import "time"

// HealthRecord представляет результат одной проверки здоровья бота
//
// Append-only журнал: одна строка на каждый цикл проверки,
// записи никогда не изменяются.
type HealthRecord struct {
	ID           int64      `json:"id" db:"id"`
	BotID        int64      `json:"bot_id" db:"bot_id"`
	OldStatus    string     `json:"old_status" db:"old_status"`       // status бота до проверки
	NewStatus    string     `json:"new_status" db:"new_status"`       // status после (может совпадать)
	HealthStatus string     `json:"health_status" db:"health_status"` // вердикт: healthy, stale, stopped, error
	Reason       string     `json:"reason" db:"reason"`               // человекочитаемое объяснение
	TradeCount   int        `json:"trade_count" db:"trade_count"`     // сделок в окне проверки
	LastTradeAt  *time.Time `json:"last_trade_at,omitempty" db:"last_trade_at"`
	CheckedAt    time.Time  `json:"checked_at" db:"checked_at"`
}
