// Package exchange предоставляет унифицированный интерфейс для работы
// с биржами: подписывающие клиенты строят и подписывают REST запросы по
// рецепту конкретной биржи и нормализуют ответы в общие типы.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Exchange определяет унифицированный торговый интерфейс
//
// Один экземпляр владеет ровно одной HTTP сессией для пары
// (account, exchange); сессия переиспользуется между вызовами и
// явно закрывается через Close.
type Exchange interface {
	// Connect сохраняет учётные данные и проверяет их тестовым запросом
	Connect(apiKey, secret, memo string) error

	// GetName возвращает имя биржи (lower-case)
	GetName() string

	// FetchTicker получает текущие цены по символу
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	// FetchBalance получает балансы по всем активам аккаунта
	FetchBalance(ctx context.Context) (map[string]Balance, error)

	// PlaceMarketOrder размещает рыночный ордер.
	// refPrice используется биржами, которые принимают market buy
	// в notional (qty * refPrice), а не в base-объёме.
	PlaceMarketOrder(ctx context.Context, symbol, side string, qty, refPrice float64) (*Order, error)

	// PlaceLimitOrder размещает GTC лимитный ордер
	PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64) (*Order, error)

	// CancelOrder отменяет ордер по id
	CancelOrder(ctx context.Context, orderID, symbol string) error

	// FetchOpenOrders возвращает активные ордера по символу
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// FetchOrder возвращает состояние ордера.
	// Биржи, сообщающие liveness только списком активных ордеров,
	// обязаны инкапсулировать это здесь: id отсутствует в списке =>
	// ордер считается исполненным (StatusClosed).
	FetchOrder(ctx context.Context, orderID, symbol string) (*Order, error)

	// GetLimits возвращает торговые ограничения символа
	GetLimits(ctx context.Context, symbol string) (*Limits, error)

	// Close закрывает сессию с биржей
	Close() error
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`  // лучшая цена покупки
	AskPrice  float64   `json:"ask_price"`  // лучшая цена продажи
	LastPrice float64   `json:"last_price"` // последняя сделка
	Timestamp time.Time `json:"timestamp"`
}

// Balance представляет баланс одного актива
type Balance struct {
	Free  float64 `json:"free"`  // доступно для торговли
	Used  float64 `json:"used"`  // заморожено в ордерах
	Total float64 `json:"total"` // free + used
}

// Order представляет ордер
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // "buy" или "sell"
	Type         string    `json:"type"` // "market" или "limit"
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"` // лимитная цена (0 для market)
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Status       string    `json:"status"` // open, closed, canceled, unknown
	CreatedAt    time.Time `json:"created_at"`
}

// Limits содержит торговые ограничения биржи для символа
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinQty      float64 `json:"min_qty"`      // минимальный объём в base
	QtyStep     float64 `json:"qty_step"`     // шаг объёма (lot size)
	MinNotional float64 `json:"min_notional"` // минимальная сумма сделки в quote
	PriceStep   float64 `json:"price_step"`   // шаг цены (tick size)
}

// Side constants
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order type constants
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Нормализованные статусы ордеров
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusCanceled = "canceled"
	StatusUnknown  = "unknown"
)

// ============================================================
// Таксономия ошибок
// ============================================================
//
// AuthError         - невалидный ключ/подпись/просроченный timestamp;
//                     фатально для бота, НЕ ретраится автоматически
// ExchangeError     - HTTP 200, но биржевой код != success;
//                     проверяется явно на каждом ответе
// NetworkError      - транспорт/таймаут; транзиентно, ретраится только
//                     на следующем естественном цикле
// ErrInsufficientFunds - мягкий отказ; вызывает fallback-сайзинг
// ErrMalformedResponse - ответ не парсится; трактуется как отсутствие
//                     данных, не как крэш

// Sentinel ошибки
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMalformedResponse = errors.New("malformed exchange response")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPermissionDenied  = errors.New("permission denied")
)

// AuthError - ошибка аутентификации (ключ, подпись, timestamp)
type AuthError struct {
	Exchange string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth error: %s", e.Exchange, e.Message)
}

// ExchangeError - биржа отклонила запрос кодом ошибки
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error // sentinel для errors.Is (ErrInsufficientFunds и др.)
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: [%s] %s", e.Exchange, e.Code, e.Message)
}

// Unwrap поддерживает errors.Is/As для вложенных sentinel ошибок
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// NetworkError - сбой транспорта или таймаут
type NetworkError struct {
	Exchange string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Exchange, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary помечает ошибку транзиентной
func (e *NetworkError) Temporary() bool {
	return true
}

// IsAuthError возвращает true для фатальных ошибок аутентификации
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNetworkError возвращает true для транзиентных сетевых ошибок
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsExchangeRejected возвращает true если биржа отклонила запрос
// (параметры, лимиты) - не фатально, цикл пропускается
func IsExchangeRejected(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr)
}
