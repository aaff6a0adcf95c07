package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// Параметры выбора стороны и клампа баланса
const (
	// Вероятность смены стороны относительно предыдущей сделки
	volumeAlternateProb = 0.8

	// Доля доступного баланса, которую разрешено тратить за сделку
	volumeBalanceClamp = 0.95

	// Порог дисбаланса позиции, при котором сторона форсируется
	volumeImbalanceThreshold = 0.1
)

// VolumeEngine генерирует торговый объём рыночными ордерами.
//
// Состояние цикла: накопленный дневной объём (сброс в полночь UTC),
// последняя сторона, оценка дисбаланса позиции. Дисбаланс растёт на
// notional/dailyTarget при покупке и убывает при продаже; когда |он|
// превышает порог, сторона форсируется в сторону нейтрализации.
type VolumeEngine struct {
	bot      *models.Bot
	ex       exchange.Exchange
	recorder TradeRecorder
	logger   *zap.Logger
	rng      *rand.Rand

	limits *exchange.Limits

	dailyVolume float64
	utcDay      time.Time
	lastSide    string
	imbalance   float64
}

// NewVolumeEngine создаёт движок объёма для бота
func NewVolumeEngine(bot *models.Bot, ex exchange.Exchange, recorder TradeRecorder, logger *zap.Logger) *VolumeEngine {
	return &VolumeEngine{
		bot:      bot,
		ex:       ex,
		recorder: recorder,
		logger: logger.With(
			zap.Int64("bot_id", bot.ID),
			zap.String("strategy", models.StrategyVolume),
			zap.String("symbol", bot.Symbol),
		),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		utcDay: utils.DayStartUTC(time.Now()),
	}
}

func (v *VolumeEngine) Name() string {
	return models.StrategyVolume
}

// Teardown у volume стратегии пустой: resting ордеров нет,
// остановка - просто прекращение планирования циклов
func (v *VolumeEngine) Teardown(ctx context.Context) {}

func (v *VolumeEngine) RunCycle(ctx context.Context) error {
	now := time.Now()

	// Сброс аккумуляторов на границе UTC дня
	if !utils.SameDayUTC(now, v.utcDay) {
		v.logger.Info("daily volume reset",
			zap.Float64("previous_volume", v.dailyVolume))
		v.dailyVolume = 0
		v.imbalance = 0
		v.utcDay = utils.DayStartUTC(now)
	}

	// Дневная цель достигнута: торговля до следующего UTC дня не ведётся
	if v.dailyVolume >= v.bot.DailyTarget {
		CyclesTotal.WithLabelValues(v.Name(), "skip").Inc()
		return nil
	}

	ticker, err := v.ex.FetchTicker(ctx, v.bot.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}

	price := utils.MidPrice(ticker.BidPrice, ticker.AskPrice, ticker.LastPrice)
	if price <= 0 {
		return fmt.Errorf("%w: no usable price for %s", exchange.ErrMalformedResponse, v.bot.Symbol)
	}

	if v.limits == nil {
		limits, err := v.ex.GetLimits(ctx, v.bot.Symbol)
		if err != nil {
			return fmt.Errorf("fetch limits: %w", err)
		}
		v.limits = limits
	}

	// Балансы best-effort: при ошибке считаем их неизвестными и
	// торгуем минимальным размером без клампа
	balances, balErr := v.ex.FetchBalance(ctx)
	balancesKnown := balErr == nil
	if balErr != nil {
		v.logger.Warn("balance fetch failed, falling back to minimum sizing", zap.Error(balErr))
	}

	side := v.chooseSide()

	qty, ok := v.sizeTrade(side, price, balances, balancesKnown)
	if !ok {
		CyclesTotal.WithLabelValues(v.Name(), "skip").Inc()
		return nil
	}

	started := time.Now()
	order, err := v.ex.PlaceMarketOrder(ctx, v.bot.Symbol, side, qty, price)
	OrderLatency.WithLabelValues(v.ex.GetName(), side).Observe(float64(time.Since(started).Milliseconds()))

	if err != nil {
		// Reject и нехватка средств - мягкие отказы: цикл пропущен
		if errors.Is(err, exchange.ErrInsufficientFunds) || exchange.IsExchangeRejected(err) {
			v.logger.Warn("order rejected, skipping cycle", zap.Error(err))
			CyclesTotal.WithLabelValues(v.Name(), "skip").Inc()
			return nil
		}
		return fmt.Errorf("place market order: %w", err)
	}

	notional := qty * price
	v.dailyVolume += notional
	v.lastSide = side
	if side == exchange.SideBuy {
		v.imbalance += notional / v.bot.DailyTarget
	} else {
		v.imbalance -= notional / v.bot.DailyTarget
	}

	trade := &models.Trade{
		BotID:           v.bot.ID,
		Side:            side,
		Amount:          qty,
		Price:           price,
		Cost:            notional,
		ExchangeOrderID: order.ID,
		CreatedAt:       time.Now(),
	}
	if err := v.recorder.RecordTrade(ctx, trade); err != nil {
		v.logger.Error("failed to record trade", zap.Error(err))
	}

	TradesExecuted.WithLabelValues(v.ex.GetName(), v.Name(), side).Inc()
	TradeVolume.WithLabelValues(v.ex.GetName(), v.Name()).Add(notional)
	CyclesTotal.WithLabelValues(v.Name(), "trade").Inc()

	v.logger.Info("volume trade executed",
		zap.String("side", side),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("daily_volume", v.dailyVolume))
	return nil
}

// chooseSide выбирает сторону сделки.
// Дисбаланс выше порога форсирует нейтрализующую сторону, иначе
// сторона чередуется с предыдущей с вероятностью 80%.
func (v *VolumeEngine) chooseSide() string {
	if v.imbalance > volumeImbalanceThreshold {
		return exchange.SideSell
	}
	if v.imbalance < -volumeImbalanceThreshold {
		return exchange.SideBuy
	}

	if v.lastSide == "" {
		if v.rng.Float64() < 0.5 {
			return exchange.SideBuy
		}
		return exchange.SideSell
	}

	alternate := v.rng.Float64() < volumeAlternateProb
	if (v.lastSide == exchange.SideBuy) == alternate {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// sizeTrade вычисляет количество базовой валюты для сделки.
// Возвращает ok=false если сделка в этом цикле невозможна.
func (v *VolumeEngine) sizeTrade(side string, price float64, balances map[string]exchange.Balance, balancesKnown bool) (float64, bool) {
	base, quote := SplitSymbol(v.bot.Symbol)

	// Равномерный случайный notional в [min, max]
	notional := v.bot.TradeMin + v.rng.Float64()*(v.bot.TradeMax-v.bot.TradeMin)
	qty := notional / price

	if balancesKnown {
		// Кламп к 95% доступного баланса ограничивающей стороны
		var budget float64
		if side == exchange.SideBuy {
			budget = balances[quote].Free * volumeBalanceClamp / price
		} else {
			budget = balances[base].Free * volumeBalanceClamp
		}
		if qty > budget {
			qty = budget
		}
	} else {
		// Балансы неизвестны: минимальный размер сделки
		qty = v.bot.TradeMin / price
	}

	// Ниже биржевого минимума notional - откат к минимальному размеру,
	// либо пропуск если и он не проходит
	if qty*price < v.limits.MinNotional {
		fallback := utils.RoundToStepUp(v.limits.MinNotional/price, v.limits.QtyStep)
		if balancesKnown {
			var budget float64
			if side == exchange.SideBuy {
				budget = balances[quote].Free * volumeBalanceClamp / price
			} else {
				budget = balances[base].Free * volumeBalanceClamp
			}
			if fallback > budget {
				v.logger.Warn("insufficient balance for minimum order, skipping cycle",
					zap.String("side", side))
				return 0, false
			}
		}
		qty = fallback
	}

	qty = utils.RoundToStep(qty, v.limits.QtyStep)
	if qty < v.limits.MinQty || qty <= 0 {
		v.logger.Warn("trade size below exchange minimum, skipping cycle",
			zap.Float64("qty", qty),
			zap.Float64("min_qty", v.limits.MinQty))
		return 0, false
	}

	return qty, true
}
