// Package strategy содержит торговые движки ботов: volume (генерация
// объёма рыночными ордерами) и spread (двустороннее котирование).
//
// Каждый движок обслуживает ровно одного бота. Циклы движка строго
// последовательны: новый цикл не начинается до завершения предыдущего
// со всеми его сетевыми вызовами.
package strategy

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/models"
)

// TradeRecorder сохраняет исполненную сделку и обновляет аккумуляторы
// бота (total_volume, total_trades, last_trade_at)
type TradeRecorder interface {
	RecordTrade(ctx context.Context, trade *models.Trade) error
}

// Engine - один экземпляр стратегии, привязанный к боту
type Engine interface {
	// Name возвращает имя стратегии (volume или spread)
	Name() string

	// RunCycle выполняет один торговый цикл
	RunCycle(ctx context.Context) error

	// Teardown освобождает ресурсы при остановке бота:
	// spread снимает выставленные котировки, volume - no-op
	Teardown(ctx context.Context)
}

// teardownTimeout - лимит на снятие котировок при остановке бота
const teardownTimeout = 15 * time.Second

// Run крутит циклы движка до отмены контекста.
//
// Возвращает nil при штатной остановке. AuthError фатальна для бота:
// задача завершается и ошибка возвращается супервизору (health=error).
// Транзиентные ошибки (сеть, reject биржи) логируются, следующая
// попытка - на следующем естественном цикле, без tight loop.
func Run(ctx context.Context, e Engine, interval time.Duration, logger *zap.Logger) error {
	defer func() {
		// Teardown на собственном контексте: родительский уже отменён
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		e.Teardown(tctx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if exchange.IsAuthError(err) {
				logger.Error("fatal auth error, stopping bot task", zap.Error(err))
				CyclesTotal.WithLabelValues(e.Name(), "error").Inc()
				return err
			}

			logger.Warn("strategy cycle failed", zap.Error(err))
			CyclesTotal.WithLabelValues(e.Name(), "error").Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SplitSymbol разбивает символ BASE_QUOTE на валюты (BTC_USDT -> BTC, USDT)
func SplitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}
