package models

import "time"

// Trade представляет исполненную сделку бота
//
// Записи append-only: одна строка на каждый исполненный ордер.
// Служат "доказательством активности" для Health Monitor'а.
type Trade struct {
	ID              int64     `json:"id" db:"id"`
	BotID           int64     `json:"bot_id" db:"bot_id"`
	Side            string    `json:"side" db:"side"`             // buy, sell
	Amount          float64   `json:"amount" db:"amount"`         // объём в base-валюте
	Price           float64   `json:"price" db:"price"`           // цена исполнения
	Cost            float64   `json:"cost" db:"cost"`             // notional в quote-валюте
	ExchangeOrderID string    `json:"exchange_order_id" db:"exchange_order_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Стороны сделки
const (
	TradeSideBuy  = "buy"
	TradeSideSell = "sell"
)
