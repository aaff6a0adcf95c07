// Package supervisor сверяет желаемое состояние ботов (таблица bots)
// с фактически запущенными задачами стратегий.
//
// Супервизор - единственное место, где стратегии запускаются и
// останавливаются. API лишь меняет желаемый статус в базе; на ближайшем
// цикле reconcile супервизор заметит расхождение и запустит либо
// отменит задачу. Такой контур переживает рестарт процесса: после
// подъёма супервизор восстановит все running-боты из базы.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/internal/service"
	"tradebridge/internal/strategy"
	"tradebridge/pkg/retry"
)

// ============ Зависимости ============

// credentialResolver разрешает учётные данные биржи для аккаунта
type credentialResolver interface {
	GetCredential(accountID, exchangeName string) (*models.Credential, error)
}

// adapterProvider управляет авторизованными биржевыми клиентами
type adapterProvider interface {
	AddConnector(accountID, exchangeName, apiKey, secret, memo string) error
	Adapter(accountID, exchangeName string) (exchange.Exchange, bool)
}

// engineBuilder строит движок стратегии для бота.
// Вынесен в поле, чтобы тесты подменяли движки фейками.
type engineBuilder func(bot *models.Bot, ex exchange.Exchange, recorder strategy.TradeRecorder, logger *zap.Logger) (strategy.Engine, error)

// ============ Супервизор ============

// task - одна запущенная задача стратегии
type task struct {
	bot    *models.Bot
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor запускает и останавливает стратегии по желаемому статусу
type Supervisor struct {
	bots      *repository.BotRepository
	creds     credentialResolver
	registry  adapterProvider
	recorder  strategy.TradeRecorder
	interval  time.Duration
	newEngine engineBuilder
	logger    *zap.Logger

	mu    sync.Mutex
	tasks map[int64]*task
}

// New создаёт супервизор с периодом reconcile interval
func New(
	bots *repository.BotRepository,
	creds credentialResolver,
	reg adapterProvider,
	recorder strategy.TradeRecorder,
	interval time.Duration,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		bots:      bots,
		creds:     creds,
		registry:  reg,
		recorder:  recorder,
		interval:  interval,
		newEngine: buildEngine,
		logger:    logger.Named("supervisor"),
		tasks:     make(map[int64]*task),
	}
}

// buildEngine выбирает движок по стратегии бота
func buildEngine(bot *models.Bot, ex exchange.Exchange, recorder strategy.TradeRecorder, logger *zap.Logger) (strategy.Engine, error) {
	switch bot.Strategy {
	case models.StrategyVolume:
		return strategy.NewVolumeEngine(bot, ex, recorder, logger), nil
	case models.StrategySpread:
		return strategy.NewSpreadEngine(bot, ex, recorder, logger), nil
	default:
		return nil, fmt.Errorf("unsupported strategy: %s", bot.Strategy)
	}
}

// Run выполняет контур reconcile до отмены контекста.
// При остановке отменяет все задачи и дожидается их teardown'а.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("supervisor started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping, cancelling bot tasks")
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile сверяет желаемое состояние с запущенными задачами.
// Ошибка одного бота никогда не блокирует остальных.
func (s *Supervisor) reconcile(ctx context.Context) {
	desired, err := s.bots.GetRunning()
	if err != nil {
		s.logger.Error("failed to load running bots", zap.Error(err))
		return
	}

	s.reapFinished()

	desiredIDs := make(map[int64]bool, len(desired))
	for _, bot := range desired {
		desiredIDs[bot.ID] = true
	}

	// Останавливаем задачи, которых больше нет в желаемом состоянии
	s.mu.Lock()
	var stale []*task
	for id, t := range s.tasks {
		if !desiredIDs[id] {
			stale = append(stale, t)
			delete(s.tasks, id)
		}
	}
	running := make(map[int64]bool, len(s.tasks))
	for id := range s.tasks {
		running[id] = true
	}
	s.mu.Unlock()

	for _, t := range stale {
		s.logger.Info("stopping bot task",
			zap.Int64("bot_id", t.bot.ID),
			zap.String("strategy", t.bot.Strategy))
		t.cancel()
		<-t.done
	}

	// Запускаем недостающие
	for _, bot := range desired {
		if running[bot.ID] {
			continue
		}
		if err := s.startBot(ctx, bot); err != nil {
			s.logger.Error("failed to start bot",
				zap.Int64("bot_id", bot.ID),
				zap.String("exchange", bot.Exchange),
				zap.Error(err))
		}
	}
}

// reapFinished убирает задачи, чьи горутины уже завершились сами
// (например после фатальной ошибки авторизации)
func (s *Supervisor) reapFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		select {
		case <-t.done:
			delete(s.tasks, id)
		default:
		}
	}
}

// startBot разрешает учётные данные, подключает коннектор и запускает
// задачу стратегии. Проблемы конфигурации (нет ключей, неизвестная
// биржа) записываются в health бота как error, без остановки reconcile.
func (s *Supervisor) startBot(ctx context.Context, bot *models.Bot) error {
	cred, err := s.creds.GetCredential(bot.AccountID, bot.Exchange)
	if err != nil {
		if errors.Is(err, service.ErrMissingCredential) {
			s.setHealthError(bot.ID, fmt.Sprintf("no API credentials configured for %s", bot.Exchange))
			return err
		}
		return fmt.Errorf("resolve credentials: %w", err)
	}

	// Подключение ретраится: сетевые сбои при авторизации транзиентны,
	// а ошибки ключей ретраить бессмысленно
	cfg := retry.ConservativeConfig()
	cfg.RetryIf = func(err error) bool {
		return retry.NotContext(err) && !exchange.IsAuthError(err)
	}
	err = retry.Do(ctx, func() error {
		return s.registry.AddConnector(bot.AccountID, bot.Exchange, cred.APIKey, cred.APISecret, cred.Memo)
	}, cfg)
	if err != nil {
		if exchange.IsAuthError(err) || strings.Contains(err.Error(), "unsupported exchange") {
			s.setHealthError(bot.ID, fmt.Sprintf("cannot connect to %s: %v", bot.Exchange, err))
		}
		return fmt.Errorf("add connector: %w", err)
	}

	ex, ok := s.registry.Adapter(bot.AccountID, bot.Exchange)
	if !ok {
		return fmt.Errorf("no adapter for account %s on %s", bot.AccountID, bot.Exchange)
	}

	engine, err := s.newEngine(bot, ex, s.recorder, s.logger)
	if err != nil {
		s.setHealthError(bot.ID, err.Error())
		return err
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &task{
		bot:    bot,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.tasks[bot.ID]; exists {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.tasks[bot.ID] = t
	s.mu.Unlock()

	s.logger.Info("starting bot task",
		zap.Int64("bot_id", bot.ID),
		zap.String("exchange", bot.Exchange),
		zap.String("strategy", bot.Strategy),
		zap.String("symbol", bot.Symbol))

	go s.runTask(tctx, t, engine)
	return nil
}

// runTask выполняет цикл стратегии до отмены или фатальной ошибки
func (s *Supervisor) runTask(ctx context.Context, t *task, engine strategy.Engine) {
	defer close(t.done)

	strategy.ActiveBots.WithLabelValues(t.bot.Strategy).Inc()
	defer strategy.ActiveBots.WithLabelValues(t.bot.Strategy).Dec()

	err := strategy.Run(ctx, engine, t.bot.CycleInterval(), s.logger)
	if err == nil {
		return
	}

	// Фатальная ошибка авторизации: бот останавливается насовсем,
	// иначе reconcile перезапускал бы его с теми же битыми ключами
	if exchange.IsAuthError(err) {
		s.logger.Error("bot stopped on authentication failure",
			zap.Int64("bot_id", t.bot.ID),
			zap.String("exchange", t.bot.Exchange),
			zap.Error(err))
		s.setHealthError(t.bot.ID, fmt.Sprintf("authentication rejected by %s", t.bot.Exchange))
		if uerr := s.bots.UpdateStatus(t.bot.ID, models.BotStatusStopped); uerr != nil {
			s.logger.Error("failed to stop bot after auth failure",
				zap.Int64("bot_id", t.bot.ID), zap.Error(uerr))
		}
		return
	}

	s.logger.Error("bot task exited",
		zap.Int64("bot_id", t.bot.ID),
		zap.Error(err))
}

// setHealthError записывает вердикт error с человекочитаемой причиной
func (s *Supervisor) setHealthError(botID int64, reason string) {
	if err := s.bots.UpdateHealth(botID, models.HealthError, reason); err != nil {
		s.logger.Error("failed to record bot health",
			zap.Int64("bot_id", botID), zap.Error(err))
	}
}

// stopAll отменяет все задачи и дожидается их завершения
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for id, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// TaskCount возвращает число запущенных задач
func (s *Supervisor) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
