// Package service - прикладные операции над ботами и учётными данными.
// Это единственные точки входа, которые внешний API слой должен звать.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/health"
	"tradebridge/internal/models"
	"tradebridge/internal/registry"
	"tradebridge/internal/repository"
)

// BotService - операции запуска/остановки ботов, heartbeat и
// read-доступ к балансам, сделкам и ордерам аккаунтов
type BotService struct {
	bots     *repository.BotRepository
	trades   *repository.TradeRepository
	registry *registry.Registry
	monitor  *health.Monitor
	hub      broadcaster
	logger   *zap.Logger
}

// broadcaster - срез Hub, нужный сервису
type broadcaster interface {
	BroadcastTrade(botID int64, trade interface{})
	BroadcastBotStatus(botID int64, oldStatus, newStatus string)
}

// NewBotService создаёт сервис ботов
func NewBotService(
	bots *repository.BotRepository,
	trades *repository.TradeRepository,
	reg *registry.Registry,
	monitor *health.Monitor,
	hub broadcaster,
	logger *zap.Logger,
) *BotService {
	return &BotService{
		bots:     bots,
		trades:   trades,
		registry: reg,
		monitor:  monitor,
		hub:      hub,
		logger:   logger.Named("bots"),
	}
}

// StartBot помечает бота как желаемо запущенного.
// Фактический запуск задачи выполнит супервизор на ближайшем цикле.
func (s *BotService) StartBot(id int64) error {
	bot, err := s.bots.GetByID(id)
	if err != nil {
		return err
	}
	if bot.Status == models.BotStatusRunning {
		return nil
	}

	if err := s.bots.UpdateStatus(id, models.BotStatusRunning); err != nil {
		return err
	}

	s.hub.BroadcastBotStatus(id, bot.Status, models.BotStatusRunning)
	s.logger.Info("bot start requested", zap.Int64("bot_id", id))
	return nil
}

// StopBot помечает бота как желаемо остановленного.
// Супервизор отменит задачу и выполнит teardown стратегии.
func (s *BotService) StopBot(id int64) error {
	bot, err := s.bots.GetByID(id)
	if err != nil {
		return err
	}
	if bot.Status == models.BotStatusStopped {
		return nil
	}

	if err := s.bots.UpdateStatus(id, models.BotStatusStopped); err != nil {
		return err
	}

	s.hub.BroadcastBotStatus(id, bot.Status, models.BotStatusStopped)
	s.logger.Info("bot stop requested", zap.Int64("bot_id", id))
	return nil
}

// CheckBotNow выполняет внеочередную проверку здоровья бота
func (s *BotService) CheckBotNow(ctx context.Context, id int64) (*health.Verdict, error) {
	return s.monitor.CheckBotNow(ctx, id)
}

// OnHeartbeat фиксирует внешний heartbeat самоотчитывающегося бота:
// обновляет last_heartbeat и немедленно помечает бота здоровым
func (s *BotService) OnHeartbeat(id int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.bots.UpdateHeartbeat(id, at); err != nil {
		return err
	}
	s.logger.Debug("heartbeat received", zap.Int64("bot_id", id))
	return nil
}

// RecordTrade сохраняет исполненную сделку, обновляет аккумуляторы
// бота и рассылает событие подписчикам.
// Реализует strategy.TradeRecorder.
func (s *BotService) RecordTrade(ctx context.Context, trade *models.Trade) error {
	if err := s.trades.Create(trade); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}
	if err := s.bots.ApplyTrade(trade.BotID, trade.Cost, trade.CreatedAt); err != nil {
		return fmt.Errorf("apply trade accumulators: %w", err)
	}

	s.hub.BroadcastTrade(trade.BotID, trade)
	return nil
}

// GetBalances возвращает балансы аккаунта на бирже через его адаптер
func (s *BotService) GetBalances(ctx context.Context, accountID, exchangeName string) (map[string]exchange.Balance, error) {
	acc, ok := s.registry.Get(accountID)
	if !ok {
		return nil, fmt.Errorf("account %s has no active connectors", accountID)
	}
	adapter := acc.Adapter(exchangeName)
	if adapter == nil {
		return nil, fmt.Errorf("account %s has no %s connector", accountID, exchangeName)
	}
	return adapter.FetchBalance(ctx)
}

// GetTrades возвращает последние сделки бота
func (s *BotService) GetTrades(botID int64, limit int) ([]*models.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.trades.GetByBotID(botID, limit)
}

// GetOpenOrders возвращает открытые ордера бота на его бирже
func (s *BotService) GetOpenOrders(ctx context.Context, botID int64) ([]*exchange.Order, error) {
	bot, err := s.bots.GetByID(botID)
	if err != nil {
		return nil, err
	}

	acc, ok := s.registry.Get(bot.AccountID)
	if !ok {
		return nil, fmt.Errorf("account %s has no active connectors", bot.AccountID)
	}
	adapter := acc.Adapter(bot.Exchange)
	if adapter == nil {
		return nil, fmt.Errorf("account %s has no %s connector", bot.AccountID, bot.Exchange)
	}

	return adapter.FetchOpenOrders(ctx, bot.Symbol)
}
