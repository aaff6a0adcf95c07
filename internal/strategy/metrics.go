package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торговых стратегий
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации объёмов и котирования
// - Alertmanager для уведомлений о сработавших circuit breaker

// ============ Счётчики сделок ============

// TradesExecuted - количество исполненных сделок
var TradesExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "trades_total",
		Help:      "Total number of executed trades",
	},
	[]string{"exchange", "strategy", "side"},
)

// TradeVolume - суммарный объём сделок в quote валюте
var TradeVolume = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "trade_volume_quote_total",
		Help:      "Total traded notional in quote currency",
	},
	[]string{"exchange", "strategy"},
)

// CyclesTotal - количество циклов стратегий по результату
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "cycles_total",
		Help:      "Total number of strategy cycles by outcome",
	},
	[]string{"strategy", "outcome"}, // outcome: trade, quote, skip, error
)

// ============ Метрики котирования ============

// QuotesPlaced - количество выставленных котировок
var QuotesPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "quotes_placed_total",
		Help:      "Total number of placed quote orders",
	},
	[]string{"exchange", "side"},
)

// CircuitBreakerTriggered - срабатывания circuit breaker
var CircuitBreakerTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "circuit_breaker_triggered_total",
		Help:      "Number of circuit breaker activations",
	},
	[]string{"exchange", "symbol"},
)

// EffectiveSpread - эффективный спред после volatility widening
var EffectiveSpread = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "effective_spread_percent",
		Help:      "Effective spread after volatility widening in percent",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	},
	[]string{"exchange", "symbol"},
)

// ============ Метрики латентности ============

// OrderLatency - время исполнения ордера на бирже
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "order_latency_ms",
		Help:      "Time to submit order to exchange in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

// ActiveBots - количество запущенных ботов по стратегиям
var ActiveBots = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradebridge",
		Subsystem: "strategy",
		Name:      "active_bots",
		Help:      "Current number of running bot tasks",
	},
	[]string{"strategy"},
)
