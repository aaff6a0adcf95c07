// Package health периодически сверяет желаемый статус ботов с
// наблюдаемой реальностью: heartbeat, свежесть сделок, балансы.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"tradebridge/internal/models"
	"tradebridge/internal/registry"
	"tradebridge/internal/repository"
	"tradebridge/internal/ws"
)

// SQLSTATE 42P01: таблица ещё не создана миграциями
const pqUndefinedTable = "42P01"

// Verdict - результат одной проверки здоровья бота
type Verdict struct {
	BotID        int64  `json:"bot_id"`
	HealthStatus string `json:"health_status"`
	Reason       string `json:"reason"`
	ForceStopped bool   `json:"force_stopped"`
}

// Config - пороги проверок здоровья
type Config struct {
	Interval         time.Duration // период цикла монитора
	HeartbeatTimeout time.Duration // свежий heartbeat => healthy без остальных проверок
	TradeLookback    time.Duration // окно выборки сделок
	StaleThreshold   time.Duration // сделка старше => stale
	StoppedThreshold time.Duration // сделка старше => stopped
}

// Monitor - независимый цикл проверок здоровья ботов.
// Не разделяет блокировок с супервизором; каждая запись HealthRecord
// самодостаточна.
type Monitor struct {
	bots     *repository.BotRepository
	trades   *repository.TradeRepository
	records  *repository.HealthRepository
	registry *registry.Registry
	hub      *ws.Hub
	cfg      Config
	logger   *zap.Logger
}

// NewMonitor создаёт монитор здоровья
func NewMonitor(
	bots *repository.BotRepository,
	trades *repository.TradeRepository,
	records *repository.HealthRepository,
	reg *registry.Registry,
	hub *ws.Hub,
	cfg Config,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		bots:     bots,
		trades:   trades,
		records:  records,
		registry: reg,
		hub:      hub,
		cfg:      cfg,
		logger:   logger.Named("health"),
	}
}

// Start запускает цикл монитора до отмены контекста
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// runChecks проверяет всех ботов с желаемым статусом running.
// Деградирует мягко: отсутствующие таблицы логируются и пропускаются,
// ошибка одного бота не мешает проверке остальных.
func (m *Monitor) runChecks(ctx context.Context) {
	bots, err := m.bots.GetRunning()
	if err != nil {
		if isUndefinedTable(err) {
			m.logger.Warn("bots table not provisioned yet, skipping health checks")
			return
		}
		m.logger.Error("failed to load bots for health check", zap.Error(err))
		return
	}

	for _, bot := range bots {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.checkBot(ctx, bot); err != nil {
			m.logger.Error("health check failed",
				zap.Int64("bot_id", bot.ID),
				zap.Error(err))
		}
	}
}

// CheckBotNow выполняет одну проверку по требованию и возвращает вердикт
func (m *Monitor) CheckBotNow(ctx context.Context, botID int64) (*Verdict, error) {
	bot, err := m.bots.GetByID(botID)
	if err != nil {
		return nil, err
	}
	return m.checkBot(ctx, bot)
}

// checkBot вычисляет вердикт, пишет HealthRecord и применяет переходы
func (m *Monitor) checkBot(ctx context.Context, bot *models.Bot) (*Verdict, error) {
	now := time.Now()
	verdict, tradeCount, lastTradeAt := m.evaluate(ctx, bot, now)
	ChecksTotal.WithLabelValues(verdict.HealthStatus).Inc()

	// Одна запись журнала на каждую проверку
	newStatus := bot.Status
	if verdict.ForceStopped {
		newStatus = models.BotStatusStopped
	}
	record := &models.HealthRecord{
		BotID:        bot.ID,
		OldStatus:    bot.Status,
		NewStatus:    newStatus,
		HealthStatus: verdict.HealthStatus,
		Reason:       verdict.Reason,
		TradeCount:   tradeCount,
		LastTradeAt:  lastTradeAt,
		CheckedAt:    now,
	}
	if err := m.records.Create(record); err != nil {
		if isUndefinedTable(err) {
			m.logger.Warn("health_records table not provisioned yet, skipping write")
		} else {
			m.logger.Error("failed to append health record", zap.Error(err))
		}
	}

	// health_status обновляется всегда
	if err := m.bots.UpdateHealth(bot.ID, verdict.HealthStatus, verdict.Reason); err != nil {
		return nil, fmt.Errorf("update health: %w", err)
	}
	m.hub.BroadcastHealth(bot.ID, verdict.HealthStatus, verdict.Reason)

	// status - только при фактическом переходе, с отдельным логом
	if verdict.ForceStopped && bot.Status != models.BotStatusStopped {
		if err := m.bots.UpdateStatus(bot.ID, models.BotStatusStopped); err != nil {
			return nil, fmt.Errorf("force stop: %w", err)
		}
		ForcedStops.Inc()
		m.hub.BroadcastBotStatus(bot.ID, bot.Status, models.BotStatusStopped)
		m.logger.Warn("bot status transition",
			zap.Int64("bot_id", bot.ID),
			zap.String("old_status", bot.Status),
			zap.String("new_status", models.BotStatusStopped),
			zap.String("reason", verdict.Reason))
	}

	return verdict, nil
}

// evaluate строит вердикт для бота.
// Порядок: свежий heartbeat => healthy без дальнейших проверок; иначе
// окно сделок и баланс через адаптер бота.
func (m *Monitor) evaluate(ctx context.Context, bot *models.Bot, now time.Time) (*Verdict, int, *time.Time) {
	verdict := &Verdict{BotID: bot.ID}

	if bot.LastHeartbeat != nil {
		age := now.Sub(*bot.LastHeartbeat)
		if age <= m.cfg.HeartbeatTimeout {
			verdict.HealthStatus = models.HealthHealthy
			verdict.Reason = fmt.Sprintf("heartbeat received %s ago", age.Round(time.Second))
			return verdict, 0, bot.LastTradeAt
		}
	}

	since := now.Add(-m.cfg.TradeLookback)
	trades, err := m.trades.GetSince(bot.ID, since)
	if err != nil {
		if isUndefinedTable(err) {
			m.logger.Warn("trades table not provisioned yet",
				zap.Int64("bot_id", bot.ID))
			verdict.HealthStatus = models.HealthUnknown
			verdict.Reason = "trade history unavailable"
			return verdict, 0, bot.LastTradeAt
		}
		verdict.HealthStatus = models.HealthUnknown
		verdict.Reason = fmt.Sprintf("failed to load trade history: %v", err)
		return verdict, 0, bot.LastTradeAt
	}

	hasBase, hasQuote, fundsKnown := m.fetchFunds(ctx, bot)
	hasFunds := hasBase || hasQuote
	lowBalance := fundsKnown && (!hasBase || !hasQuote)

	tradeCount := len(trades)

	if tradeCount == 0 {
		verdict.HealthStatus = models.HealthStopped
		verdict.ForceStopped = true
		if fundsKnown && !hasFunds {
			verdict.Reason = fmt.Sprintf("no trades in %s and no funds on either side", m.cfg.TradeLookback)
		} else {
			verdict.Reason = fmt.Sprintf("no trades in %s", m.cfg.TradeLookback)
		}
		return verdict, 0, bot.LastTradeAt
	}

	lastTrade := trades[0].CreatedAt
	age := now.Sub(lastTrade)

	switch {
	case age <= m.cfg.StaleThreshold:
		verdict.HealthStatus = models.HealthHealthy
		verdict.Reason = fmt.Sprintf("last trade %s ago", age.Round(time.Minute))
		if lowBalance {
			verdict.Reason += "; low balance on one side"
		}

	case age <= m.cfg.StoppedThreshold:
		if fundsKnown && !hasFunds {
			verdict.HealthStatus = models.HealthStopped
			verdict.ForceStopped = true
			verdict.Reason = fmt.Sprintf("last trade %s ago and no funds", age.Round(time.Minute))
		} else {
			verdict.HealthStatus = models.HealthStale
			verdict.Reason = fmt.Sprintf("last trade %s ago", age.Round(time.Minute))
		}

	default:
		verdict.HealthStatus = models.HealthStopped
		verdict.ForceStopped = true
		if fundsKnown && !hasFunds {
			verdict.Reason = fmt.Sprintf("last trade %s ago, likely out of funds", age.Round(time.Minute))
		} else {
			verdict.Reason = fmt.Sprintf("last trade %s ago", age.Round(time.Minute))
		}
	}

	return verdict, tradeCount, &lastTrade
}

// fetchFunds возвращает наличие средств по обе стороны пары.
// Баланс недоступен (нет адаптера, сетевая ошибка) - funds считаются
// неизвестными и вердикт строится только по времени сделок.
func (m *Monitor) fetchFunds(ctx context.Context, bot *models.Bot) (hasBase, hasQuote, known bool) {
	acc, ok := m.registry.Get(bot.AccountID)
	if !ok {
		return false, false, false
	}
	adapter := acc.Adapter(bot.Exchange)
	if adapter == nil {
		return false, false, false
	}

	balances, err := adapter.FetchBalance(ctx)
	if err != nil {
		m.logger.Warn("balance fetch failed during health check",
			zap.Int64("bot_id", bot.ID),
			zap.Error(err))
		return false, false, false
	}

	base, quote := splitSymbol(bot.Symbol)
	return balances[base].Free > 0, balances[quote].Free > 0, true
}

func splitSymbol(symbol string) (string, string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '_' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, ""
}

// isUndefinedTable распознаёт отсутствующую таблицу Postgres
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable
}
