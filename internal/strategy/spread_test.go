package strategy

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/models"
)

func newSpreadBot() *models.Bot {
	return &models.Bot{
		ID:            2,
		AccountID:     "tenant-1",
		Exchange:      "fake",
		Symbol:        "BTC_USDT",
		Strategy:      models.StrategySpread,
		SpreadPct:     0.02,
		OrderNotional: 10,
		DriftPct:      0.01,
		BreakerPct:    0.05,
	}
}

func newTestSpreadEngine(bot *models.Bot, ex *fakeExchange, rec *fakeRecorder) *SpreadEngine {
	return NewSpreadEngine(bot, ex, rec, zap.NewNop())
}

// TestSpreadQuotePrices проверяет сценарий: mid 1.000, спред 2%,
// notional $10 -> buy 0.990 на 10.101, sell 1.010 на 9.901
func TestSpreadQuotePrices(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	ex.ticker = exchange.Ticker{BidPrice: 0.999, AskPrice: 1.001, LastPrice: 1.0}
	ex.limits = exchange.Limits{MinQty: 0.0001, QtyStep: 0.000001, MinNotional: 1, PriceStep: 0.0001}
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if s.state != stateQuoted {
		t.Fatal("engine should be in quoted state after first cycle")
	}

	if math.Abs(s.buyOrder.Price-0.990) > 1e-9 {
		t.Errorf("buy price = %.6f, want 0.990", s.buyOrder.Price)
	}
	if math.Abs(s.sellOrder.Price-1.010) > 1e-9 {
		t.Errorf("sell price = %.6f, want 1.010", s.sellOrder.Price)
	}

	// qty = notional / price: 10/0.990 = 10.1010..., 10/1.010 = 9.9009...
	if math.Abs(s.buyOrder.Quantity-10.10101) > 1e-4 {
		t.Errorf("buy qty = %.6f, want 10.101", s.buyOrder.Quantity)
	}
	if math.Abs(s.sellOrder.Quantity-9.90099) > 1e-4 {
		t.Errorf("sell qty = %.6f, want 9.901", s.sellOrder.Quantity)
	}
}

// TestSpreadNeverMoreThanOnePerSide проверяет инвариант: не больше
// одного открытого buy и одного sell в любой момент
func TestSpreadNeverMoreThanOnePerSide(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := s.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		buys, sells := ex.openOrderCount()
		if buys > 1 || sells > 1 {
			t.Fatalf("cycle %d: %d buys, %d sells open simultaneously", i, buys, sells)
		}
		// Периодически исполняем одну из сторон
		if i%3 == 0 && s.buyOrder != nil {
			ex.fill(s.buyOrder.ID)
		}
	}
}

// TestSpreadOneSideFilled проверяет: fill одной стороны записывается,
// вторая снимается, следует немедленное переквотирование
func TestSpreadOneSideFilled(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	rec := &fakeRecorder{}
	s := newTestSpreadEngine(bot, ex, rec)

	ctx := context.Background()
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	sellID := s.sellOrder.ID
	ex.fill(s.buyOrder.ID)

	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected one recorded fill, got %d", rec.count())
	}
	if rec.trades[0].Side != exchange.SideBuy {
		t.Errorf("recorded side = %s, want buy", rec.trades[0].Side)
	}

	found := false
	for _, id := range ex.canceled {
		if id == sellID {
			found = true
		}
	}
	if !found {
		t.Error("unfilled sibling order should be canceled")
	}

	// Немедленное переквотирование в том же цикле
	if s.state != stateQuoted {
		t.Error("engine should requote immediately after a fill")
	}
}

// TestSpreadCancelTolerantToGoneOrders проверяет терпимость к
// "already gone" при снятии ордера
func TestSpreadCancelTolerantToGoneOrders(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	ctx := context.Background()
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	ex.fill(s.buyOrder.ID)
	ex.cancelErr = &exchange.ExchangeError{
		Exchange: "fake",
		Code:     "404",
		Message:  "order not exist",
		Original: exchange.ErrOrderNotFound,
	}

	if err := s.RunCycle(ctx); err != nil {
		t.Errorf("gone sibling should not fail the cycle: %v", err)
	}
}

// TestSpreadDriftRequotes проверяет переквотирование при дрейфе mid
func TestSpreadDriftRequotes(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	ctx := context.Background()
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	firstBuy := s.buyOrder.ID

	// Дрейф 2% > порога 1%, но выше breaker порога падения
	ex.ticker = exchange.Ticker{BidPrice: 1.019, AskPrice: 1.021, LastPrice: 1.02}

	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("drift cycle failed: %v", err)
	}

	if s.buyOrder == nil || s.buyOrder.ID == firstBuy {
		t.Error("drift should cancel old quotes and place new ones")
	}

	// Малый дрейф: котировки остаются на месте
	current := s.buyOrder.ID
	ex.ticker = exchange.Ticker{BidPrice: 1.0195, AskPrice: 1.0215, LastPrice: 1.0205}
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("quiet cycle failed: %v", err)
	}
	if s.buyOrder.ID != current {
		t.Error("small drift should leave quotes untouched")
	}
}

// TestSpreadCircuitBreaker проверяет срабатывание и восстановление
// circuit breaker
func TestSpreadCircuitBreaker(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	ctx := context.Background()
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// Падение на 10% ниже порога 5%
	ex.ticker = exchange.Ticker{BidPrice: 0.899, AskPrice: 0.901, LastPrice: 0.9}
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("breaker cycle failed: %v", err)
	}

	if s.state != stateBroken {
		t.Fatal("engine should enter broken state")
	}
	if buys, sells := ex.openOrderCount(); buys != 0 || sells != 0 {
		t.Error("circuit breaker should cancel all quotes")
	}

	// Пока цена не восстановилась, котировки не выставляются
	for i := 0; i < 12; i++ {
		if err := s.RunCycle(ctx); err != nil {
			t.Fatalf("broken cycle failed: %v", err)
		}
	}
	if buys, sells := ex.openOrderCount(); buys != 0 || sells != 0 {
		t.Error("no quotes should be placed while circuit is broken")
	}

	// Восстановление до половины порога: 1.0*(1-0.025) = 0.975
	ex.ticker = exchange.Ticker{BidPrice: 0.979, AskPrice: 0.981, LastPrice: 0.98}
	for i := 0; i < spreadBreakerRecheckEvery; i++ {
		if err := s.RunCycle(ctx); err != nil {
			t.Fatalf("recovery cycle failed: %v", err)
		}
	}

	if s.state != stateQuoted {
		t.Error("engine should resume quoting after price recovery")
	}
	if math.Abs(s.sessionStartMid-0.98) > 1e-9 {
		t.Errorf("session start should reset to recovery mid, got %v", s.sessionStartMid)
	}
}

// TestSpreadVolatilityWidening проверяет расширение спреда при
// волатильности и его потолок
func TestSpreadVolatilityWidening(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	// Спокойный рынок: средний tick сдвиг < spread/2
	for i := 0; i < spreadVolatilityWindow; i++ {
		s.pushMid(1.0)
	}
	if got := s.effectiveSpread(); got != bot.SpreadPct {
		t.Errorf("calm market spread = %v, want base %v", got, bot.SpreadPct)
	}

	// Волатильный рынок: сдвиги ~4% за тик при базовом спреде 2%
	s.midWindow = s.midWindow[:0]
	price := 1.0
	for i := 0; i < spreadVolatilityWindow; i++ {
		s.pushMid(price)
		if i%2 == 0 {
			price *= 1.04
		} else {
			price /= 1.04
		}
	}

	got := s.effectiveSpread()
	if got <= bot.SpreadPct {
		t.Errorf("volatile market should widen spread, got %v", got)
	}
	if got > bot.SpreadPct*spreadMaxWidening+1e-12 {
		t.Errorf("widened spread %v exceeds cap %v", got, bot.SpreadPct*spreadMaxWidening)
	}
}

// TestSpreadSiblingPlacementFailure проверяет что при отказе второй
// стороны первая снимается
func TestSpreadSiblingPlacementFailure(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	ex.limitErr = &exchange.ExchangeError{
		Exchange: "fake",
		Code:     "50020",
		Message:  "balance not enough",
		Original: exchange.ErrInsufficientFunds,
	}
	ex.limitErrFor = exchange.SideSell
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle should treat insufficient funds as a skip: %v", err)
	}

	if buys, sells := ex.openOrderCount(); buys != 0 || sells != 0 {
		t.Errorf("lone quote must be canceled, have %d buys %d sells", buys, sells)
	}
	if s.state != stateNoQuote {
		t.Error("engine should remain unquoted after sibling failure")
	}
}

// TestSpreadTeardown проверяет безусловное снятие котировок при остановке
func TestSpreadTeardown(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	ctx := context.Background()
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	s.Teardown(ctx)

	if buys, sells := ex.openOrderCount(); buys != 0 || sells != 0 {
		t.Error("teardown should cancel all outstanding quotes")
	}
	if s.state != stateNoQuote {
		t.Error("teardown should clear quote state")
	}
}

// TestSpreadNetworkErrorPropagates проверяет что ошибка тикера отдаётся
// наверх без изменения состояния котировок
func TestSpreadNetworkErrorPropagates(t *testing.T) {
	bot := newSpreadBot()
	ex := newFakeExchange()
	s := newTestSpreadEngine(bot, ex, &fakeRecorder{})

	ctx := context.Background()
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	ex.tickerErr = &exchange.NetworkError{Exchange: "fake", Err: errors.New("timeout")}
	if err := s.RunCycle(ctx); err == nil {
		t.Error("ticker failure should propagate")
	}

	if buys, sells := ex.openOrderCount(); buys != 1 || sells != 1 {
		t.Error("existing quotes should survive a transient ticker failure")
	}
}
