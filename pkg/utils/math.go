package utils

import (
	"math"
)

// math.go - математические утилиты для торговых стратегий
//
// Все функции чистые (pure), без побочных эффектов.

// RoundToStep округляет значение ВНИЗ до ближайшего кратного step.
//
// Используется для приведения объёма ордера к шагу лота биржи.
// Округление вниз гарантирует, что мы не превысим доступные средства.
//
// Примеры:
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(1.999, 0.01) = 1.99
//   - RoundToStep(100.5, 1.0) = 100.0
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step) * step
}

// RoundToStepUp округляет значение ВВЕРХ до ближайшего кратного step.
//
// Используется когда нужно гарантировать минимальный объём (minQty).
func RoundToStepUp(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Ceil(value/step) * step
}

// MidPrice возвращает среднюю цену между лучшим bid и ask.
//
// Если одна из сторон стакана пуста (0), возвращает fallback
// (обычно цену последней сделки).
func MidPrice(bid, ask, fallback float64) float64 {
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	return fallback
}

// RelativeChange возвращает относительное изменение |b - a| / a.
//
// Используется для расчёта дрейфа цены и волатильности.
// Если a <= 0, возвращает 0.
func RelativeChange(a, b float64) float64 {
	if a <= 0 {
		return 0
	}
	return math.Abs(b-a) / a
}

// Clamp ограничивает value диапазоном [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
