package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Граница суток везде считается по UTC: дневные счётчики объёма
// стратегий сбрасываются ровно в полночь UTC, независимо от
// часового пояса сервера.

// DayStartUTC возвращает начало суток (00:00:00 UTC) для указанного времени
func DayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDayUTC возвращает true если a и b попадают в одни сутки UTC
func SameDayUTC(a, b time.Time) bool {
	return DayStartUTC(a).Equal(DayStartUTC(b))
}

// NextDayStartUTC возвращает начало следующих суток UTC
func NextDayStartUTC(t time.Time) time.Time {
	return DayStartUTC(t).Add(24 * time.Hour)
}
