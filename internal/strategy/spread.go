package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// Параметры котирования
const (
	// Размер скользящего окна mid цен для оценки волатильности
	spreadVolatilityWindow = 20

	// Максимальный множитель расширения спреда
	spreadMaxWidening = 3.0

	// Circuit breaker перепроверяет восстановление цены каждый N-й цикл
	spreadBreakerRecheckEvery = 5
)

// spreadState - состояние машины котирования
type spreadState int

const (
	stateNoQuote spreadState = iota // котировок нет, можно выставлять
	stateQuoted                     // обе стороны выставлены
	stateBroken                     // circuit breaker, котирование приостановлено
)

// SpreadEngine котирует обе стороны книги вокруг mid цены.
//
// Машина состояний: NoQuote -> QuotedBothSides -> (fill | drift) ->
// NoQuote; CircuitBroken при падении цены ниже порога от начала сессии.
// Инвариант: у бота никогда не бывает больше одного открытого buy
// и одного открытого sell одновременно.
type SpreadEngine struct {
	bot      *models.Bot
	ex       exchange.Exchange
	recorder TradeRecorder
	logger   *zap.Logger

	limits *exchange.Limits

	state        spreadState
	buyOrder     *exchange.Order
	sellOrder    *exchange.Order
	lastQuoteMid float64

	// Волатильность: скользящее окно последних mid цен
	midWindow []float64

	// Circuit breaker
	sessionStartMid float64
	brokenCycles    int
}

// NewSpreadEngine создаёт движок котирования для бота
func NewSpreadEngine(bot *models.Bot, ex exchange.Exchange, recorder TradeRecorder, logger *zap.Logger) *SpreadEngine {
	return &SpreadEngine{
		bot:      bot,
		ex:       ex,
		recorder: recorder,
		logger: logger.With(
			zap.Int64("bot_id", bot.ID),
			zap.String("strategy", models.StrategySpread),
			zap.String("symbol", bot.Symbol),
		),
		midWindow: make([]float64, 0, spreadVolatilityWindow),
	}
}

func (s *SpreadEngine) Name() string {
	return models.StrategySpread
}

func (s *SpreadEngine) RunCycle(ctx context.Context) error {
	ticker, err := s.ex.FetchTicker(ctx, s.bot.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}

	mid := utils.MidPrice(ticker.BidPrice, ticker.AskPrice, ticker.LastPrice)
	if mid <= 0 {
		return fmt.Errorf("%w: no usable mid price for %s", exchange.ErrMalformedResponse, s.bot.Symbol)
	}

	s.pushMid(mid)

	// Начало сессии: запоминаем опорную цену для circuit breaker
	if s.sessionStartMid == 0 {
		s.sessionStartMid = mid
	}

	if s.state == stateBroken {
		return s.checkRecovery(ctx, mid)
	}

	// Circuit breaker: цена упала ниже порога от начала сессии
	if mid < s.sessionStartMid*(1-s.bot.BreakerPct) {
		s.logger.Warn("circuit breaker triggered",
			zap.Float64("mid", mid),
			zap.Float64("session_start", s.sessionStartMid))
		s.cancelQuotes(ctx)
		s.state = stateBroken
		s.brokenCycles = 0
		CircuitBreakerTriggered.WithLabelValues(s.ex.GetName(), s.bot.Symbol).Inc()
		return nil
	}

	if s.state == stateQuoted {
		requote, err := s.pollQuotes(ctx, mid)
		if err != nil {
			return err
		}
		if !requote {
			// Обе котировки стоят, дрейф в норме: ничего не делаем
			CyclesTotal.WithLabelValues(s.Name(), "skip").Inc()
			return nil
		}
	}

	return s.placeQuotes(ctx, mid)
}

// Teardown безусловно снимает выставленные котировки
func (s *SpreadEngine) Teardown(ctx context.Context) {
	s.cancelQuotes(ctx)
}

// pushMid добавляет mid в скользящее окно волатильности
func (s *SpreadEngine) pushMid(mid float64) {
	if len(s.midWindow) == spreadVolatilityWindow {
		s.midWindow = append(s.midWindow[:0], s.midWindow[1:]...)
	}
	s.midWindow = append(s.midWindow, mid)
}

// effectiveSpread возвращает спред с учётом volatility widening.
// Если средний tick-to-tick сдвиг mid превышает половину базового
// спреда, спред расширяется пропорционально, с потолком в
// spreadMaxWidening базовых спредов.
func (s *SpreadEngine) effectiveSpread() float64 {
	base := s.bot.SpreadPct
	if len(s.midWindow) < 2 {
		return base
	}

	var sum float64
	for i := 1; i < len(s.midWindow); i++ {
		sum += utils.RelativeChange(s.midWindow[i-1], s.midWindow[i])
	}
	avgTick := sum / float64(len(s.midWindow)-1)

	if avgTick <= base/2 {
		return base
	}

	widened := base * (avgTick / (base / 2))
	return utils.Clamp(widened, base, base*spreadMaxWidening)
}

// checkRecovery перепроверяет восстановление цены после circuit breaker.
// Проверка выполняется не каждый цикл, а каждый spreadBreakerRecheckEvery-й.
// Цена восстановилась до половины порога - сессия начинается заново.
func (s *SpreadEngine) checkRecovery(ctx context.Context, mid float64) error {
	s.brokenCycles++
	if s.brokenCycles%spreadBreakerRecheckEvery != 0 {
		return nil
	}

	if mid >= s.sessionStartMid*(1-s.bot.BreakerPct/2) {
		s.logger.Info("price recovered, resuming quoting",
			zap.Float64("mid", mid))
		s.sessionStartMid = mid
		s.state = stateNoQuote
		return s.placeQuotes(ctx, mid)
	}

	return nil
}

// pollQuotes опрашивает состояние обеих котировок.
// Возвращает requote=true если состояние очищено и можно котировать
// заново в этом же цикле.
func (s *SpreadEngine) pollQuotes(ctx context.Context, mid float64) (bool, error) {
	buy, err := s.ex.FetchOrder(ctx, s.buyOrder.ID, s.bot.Symbol)
	if err != nil {
		return false, fmt.Errorf("fetch buy order: %w", err)
	}
	sell, err := s.ex.FetchOrder(ctx, s.sellOrder.ID, s.bot.Symbol)
	if err != nil {
		return false, fmt.Errorf("fetch sell order: %w", err)
	}

	buyFilled := buy.Status == exchange.StatusClosed
	sellFilled := sell.Status == exchange.StatusClosed

	switch {
	case buyFilled && sellFilled:
		// Редкий случай: исполнились обе стороны
		s.recordFill(ctx, s.buyOrder, buy)
		s.recordFill(ctx, s.sellOrder, sell)
		s.clearQuotes()
		return true, nil

	case buyFilled:
		s.recordFill(ctx, s.buyOrder, buy)
		s.cancelOrderTolerant(ctx, s.sellOrder)
		s.clearQuotes()
		return true, nil

	case sellFilled:
		s.recordFill(ctx, s.sellOrder, sell)
		s.cancelOrderTolerant(ctx, s.buyOrder)
		s.clearQuotes()
		return true, nil
	}

	// Обе стоят: проверяем дрейф mid от момента котирования
	if utils.RelativeChange(s.lastQuoteMid, mid) >= s.bot.DriftPct {
		s.logger.Info("mid price drifted, requoting",
			zap.Float64("quoted_mid", s.lastQuoteMid),
			zap.Float64("mid", mid))
		s.cancelQuotes(ctx)
		return true, nil
	}

	return false, nil
}

// placeQuotes выставляет GTC лимитки по обе стороны mid
func (s *SpreadEngine) placeQuotes(ctx context.Context, mid float64) error {
	if s.limits == nil {
		limits, err := s.ex.GetLimits(ctx, s.bot.Symbol)
		if err != nil {
			return fmt.Errorf("fetch limits: %w", err)
		}
		s.limits = limits
	}

	spread := s.effectiveSpread()
	EffectiveSpread.WithLabelValues(s.ex.GetName(), s.bot.Symbol).Observe(spread * 100)

	buyPrice := utils.RoundToStep(mid*(1-spread/2), s.limits.PriceStep)
	sellPrice := utils.RoundToStepUp(mid*(1+spread/2), s.limits.PriceStep)

	buyQty := utils.RoundToStep(s.bot.OrderNotional/buyPrice, s.limits.QtyStep)
	sellQty := utils.RoundToStep(s.bot.OrderNotional/sellPrice, s.limits.QtyStep)

	if buyQty < s.limits.MinQty || sellQty < s.limits.MinQty {
		s.logger.Warn("quote size below exchange minimum, skipping cycle",
			zap.Float64("buy_qty", buyQty),
			zap.Float64("sell_qty", sellQty))
		CyclesTotal.WithLabelValues(s.Name(), "skip").Inc()
		return nil
	}

	buyOrder, err := s.ex.PlaceLimitOrder(ctx, s.bot.Symbol, exchange.SideBuy, buyQty, buyPrice)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientFunds) || exchange.IsExchangeRejected(err) {
			s.logger.Warn("buy quote rejected, skipping cycle", zap.Error(err))
			CyclesTotal.WithLabelValues(s.Name(), "skip").Inc()
			return nil
		}
		return fmt.Errorf("place buy quote: %w", err)
	}

	sellOrder, err := s.ex.PlaceLimitOrder(ctx, s.bot.Symbol, exchange.SideSell, sellQty, sellPrice)
	if err != nil {
		// Вторая сторона не встала: снимаем первую, чтобы не висеть
		// однобокой котировкой до следующего цикла
		s.cancelOrderTolerant(ctx, buyOrder)
		if errors.Is(err, exchange.ErrInsufficientFunds) || exchange.IsExchangeRejected(err) {
			s.logger.Warn("sell quote rejected, skipping cycle", zap.Error(err))
			CyclesTotal.WithLabelValues(s.Name(), "skip").Inc()
			return nil
		}
		return fmt.Errorf("place sell quote: %w", err)
	}

	s.buyOrder = buyOrder
	s.sellOrder = sellOrder
	s.lastQuoteMid = mid
	s.state = stateQuoted

	QuotesPlaced.WithLabelValues(s.ex.GetName(), exchange.SideBuy).Inc()
	QuotesPlaced.WithLabelValues(s.ex.GetName(), exchange.SideSell).Inc()
	CyclesTotal.WithLabelValues(s.Name(), "quote").Inc()

	s.logger.Info("quotes placed",
		zap.Float64("mid", mid),
		zap.Float64("spread", spread),
		zap.Float64("buy_price", buyPrice),
		zap.Float64("sell_price", sellPrice))
	return nil
}

// recordFill записывает исполненную котировку как сделку.
// Биржа может не отдавать цену/объём для завершённого ордера
// (coinstore active-list quirk), тогда берутся котировочные значения.
func (s *SpreadEngine) recordFill(ctx context.Context, quoted, fetched *exchange.Order) {
	qty := fetched.FilledQty
	if qty == 0 {
		qty = quoted.Quantity
	}
	price := fetched.AvgFillPrice
	if price == 0 {
		price = quoted.Price
	}

	trade := &models.Trade{
		BotID:           s.bot.ID,
		Side:            quoted.Side,
		Amount:          qty,
		Price:           price,
		Cost:            qty * price,
		ExchangeOrderID: quoted.ID,
		CreatedAt:       time.Now(),
	}
	if err := s.recorder.RecordTrade(ctx, trade); err != nil {
		s.logger.Error("failed to record fill", zap.Error(err))
	}

	TradesExecuted.WithLabelValues(s.ex.GetName(), s.Name(), quoted.Side).Inc()
	TradeVolume.WithLabelValues(s.ex.GetName(), s.Name()).Add(qty * price)

	s.logger.Info("quote filled",
		zap.String("side", quoted.Side),
		zap.Float64("qty", qty),
		zap.Float64("price", price))
}

// cancelQuotes снимает обе котировки, если они выставлены
func (s *SpreadEngine) cancelQuotes(ctx context.Context) {
	if s.buyOrder != nil {
		s.cancelOrderTolerant(ctx, s.buyOrder)
	}
	if s.sellOrder != nil {
		s.cancelOrderTolerant(ctx, s.sellOrder)
	}
	s.clearQuotes()
}

// cancelOrderTolerant снимает ордер, терпимо к "already gone":
// ордер мог исполниться или быть снят между опросом и отменой
func (s *SpreadEngine) cancelOrderTolerant(ctx context.Context, order *exchange.Order) {
	if order == nil {
		return
	}
	if err := s.ex.CancelOrder(ctx, order.ID, s.bot.Symbol); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return
		}
		s.logger.Warn("failed to cancel quote",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (s *SpreadEngine) clearQuotes() {
	s.buyOrder = nil
	s.sellOrder = nil
	s.state = stateNoQuote
}
