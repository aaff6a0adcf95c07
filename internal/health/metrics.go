package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChecksTotal - количество проверок здоровья по вердиктам
var ChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Количество проверок здоровья ботов по вердиктам",
	},
	[]string{"health_status"},
)

// ForcedStops - количество принудительных остановок ботов монитором
var ForcedStops = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "health",
		Name:      "forced_stops_total",
		Help:      "Количество принудительных остановок ботов по вердикту монитора",
	},
)
