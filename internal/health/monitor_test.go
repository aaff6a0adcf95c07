package health

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"tradebridge/internal/exchange"
	"tradebridge/internal/models"
	"tradebridge/internal/registry"
	"tradebridge/internal/repository"
	"tradebridge/internal/ws"
)

func testConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		HeartbeatTimeout: 15 * time.Minute,
		TradeLookback:    3 * time.Hour,
		StaleThreshold:   90 * time.Minute,
		StoppedThreshold: 3 * time.Hour,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	hub := ws.NewHub(logger)
	go hub.Run()

	m := NewMonitor(
		repository.NewBotRepository(db),
		repository.NewTradeRepository(db),
		repository.NewHealthRepository(db),
		registry.NewRegistry(exchange.NetworkOptions{}, logger),
		hub,
		testConfig(),
		logger,
	)
	return m, mock
}

var botCols = []string{
	"id", "account_id", "exchange", "symbol", "strategy", "status", "health_status", "health_message",
	"last_trade_at", "last_heartbeat", "total_volume", "total_trades",
	"trade_min", "trade_max", "daily_target", "spread_pct", "order_notional", "drift_pct", "breaker_pct", "interval_sec",
	"created_at", "updated_at",
}

func botRow(id int64, lastTrade, lastHeartbeat *time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(botCols).AddRow(
		id, "tenant-1", "bitmart", "BTC_USDT", models.StrategyVolume, models.BotStatusRunning, models.HealthUnknown, "",
		lastTrade, lastHeartbeat, 0.0, 0,
		10.0, 25.0, 5000.0, 0.02, 10.0, 0.01, 0.05, 30,
		now, now,
	)
}

var tradeCols = []string{"id", "bot_id", "side", "amount", "price", "cost", "exchange_order_id", "created_at"}

// TestHeartbeatShortCircuit проверяет что свежий heartbeat даёт healthy
// без обращения к истории сделок и балансам
func TestHeartbeatShortCircuit(t *testing.T) {
	m, mock := newTestMonitor(t)

	hb := time.Now().Add(-2 * time.Minute)
	mock.ExpectQuery(`SELECT (.+) FROM bots`).
		WithArgs(int64(1)).
		WillReturnRows(botRow(1, nil, &hb))
	// Запись журнала + обновление health_status; таблица trades не трогается
	mock.ExpectQuery(`INSERT INTO health_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE bots`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	verdict, err := m.CheckBotNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckBotNow failed: %v", err)
	}

	if verdict.HealthStatus != models.HealthHealthy {
		t.Errorf("verdict = %s, want healthy", verdict.HealthStatus)
	}
	if verdict.ForceStopped {
		t.Error("fresh heartbeat must not force stop")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestNoTradesForcesStopped проверяет вердикт stopped при пустом окне
// сделок: статус принудительно переводится в stopped
func TestNoTradesForcesStopped(t *testing.T) {
	m, mock := newTestMonitor(t)

	mock.ExpectQuery(`SELECT (.+) FROM bots`).
		WithArgs(int64(1)).
		WillReturnRows(botRow(1, nil, nil))
	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WillReturnRows(sqlmock.NewRows(tradeCols))
	mock.ExpectQuery(`INSERT INTO health_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	// Первый UPDATE - health_status, второй - принудительный stop
	mock.ExpectExec(`UPDATE bots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bots`).WillReturnResult(sqlmock.NewResult(0, 1))

	verdict, err := m.CheckBotNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckBotNow failed: %v", err)
	}

	if verdict.HealthStatus != models.HealthStopped {
		t.Errorf("verdict = %s, want stopped", verdict.HealthStatus)
	}
	if !verdict.ForceStopped {
		t.Error("empty trade window should force stop")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestRecentTradeIsHealthy проверяет вердикт healthy при свежей сделке
func TestRecentTradeIsHealthy(t *testing.T) {
	m, mock := newTestMonitor(t)

	mock.ExpectQuery(`SELECT (.+) FROM bots`).
		WithArgs(int64(1)).
		WillReturnRows(botRow(1, nil, nil))
	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WillReturnRows(sqlmock.NewRows(tradeCols).
			AddRow(1, 1, "buy", 10.0, 1.0, 10.0, "123", time.Now().Add(-10*time.Minute)))
	mock.ExpectQuery(`INSERT INTO health_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE bots`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	verdict, err := m.CheckBotNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckBotNow failed: %v", err)
	}

	if verdict.HealthStatus != models.HealthHealthy {
		t.Errorf("verdict = %s, want healthy", verdict.HealthStatus)
	}
	if verdict.ForceStopped {
		t.Error("recent trade must not force stop")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestOldTradeIsStale проверяет вердикт stale для сделки старше порога
// stale, но внутри порога stopped
func TestOldTradeIsStale(t *testing.T) {
	m, mock := newTestMonitor(t)

	mock.ExpectQuery(`SELECT (.+) FROM bots`).
		WithArgs(int64(1)).
		WillReturnRows(botRow(1, nil, nil))
	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WillReturnRows(sqlmock.NewRows(tradeCols).
			AddRow(1, 1, "sell", 10.0, 1.0, 10.0, "124", time.Now().Add(-2*time.Hour)))
	mock.ExpectQuery(`INSERT INTO health_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE bots`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	verdict, err := m.CheckBotNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckBotNow failed: %v", err)
	}

	if verdict.HealthStatus != models.HealthStale {
		t.Errorf("verdict = %s, want stale", verdict.HealthStatus)
	}
	if verdict.ForceStopped {
		t.Error("stale bot with unknown funds must not be force stopped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestStaleHeartbeatFallsThrough проверяет что устаревший heartbeat
// не даёт healthy и проверка идёт по сделкам
func TestStaleHeartbeatFallsThrough(t *testing.T) {
	m, mock := newTestMonitor(t)

	hb := time.Now().Add(-30 * time.Minute) // старше таймаута 15m
	mock.ExpectQuery(`SELECT (.+) FROM bots`).
		WithArgs(int64(1)).
		WillReturnRows(botRow(1, nil, &hb))
	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WillReturnRows(sqlmock.NewRows(tradeCols).
			AddRow(1, 1, "buy", 10.0, 1.0, 10.0, "125", time.Now().Add(-5*time.Minute)))
	mock.ExpectQuery(`INSERT INTO health_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE bots`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	verdict, err := m.CheckBotNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckBotNow failed: %v", err)
	}

	if verdict.HealthStatus != models.HealthHealthy {
		t.Errorf("verdict = %s, want healthy from recent trade", verdict.HealthStatus)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestUndefinedTableDegradesGracefully проверяет что отсутствующая
// таблица trades не роняет проверку
func TestUndefinedTableDegradesGracefully(t *testing.T) {
	m, mock := newTestMonitor(t)

	mock.ExpectQuery(`SELECT (.+) FROM bots`).
		WithArgs(int64(1)).
		WillReturnRows(botRow(1, nil, nil))
	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WillReturnError(&pq.Error{Code: pqUndefinedTable, Message: "relation \"trades\" does not exist"})
	mock.ExpectQuery(`INSERT INTO health_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE bots`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	verdict, err := m.CheckBotNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("missing table should not fail the check: %v", err)
	}

	if verdict.HealthStatus != models.HealthUnknown {
		t.Errorf("verdict = %s, want unknown", verdict.HealthStatus)
	}
	if verdict.ForceStopped {
		t.Error("unknown verdict must not force stop")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestIsUndefinedTable проверяет распознавание SQLSTATE 42P01
func TestIsUndefinedTable(t *testing.T) {
	if !isUndefinedTable(&pq.Error{Code: pqUndefinedTable}) {
		t.Error("42P01 should be recognized as undefined table")
	}
	if isUndefinedTable(&pq.Error{Code: "23505"}) {
		t.Error("other sqlstates should not match")
	}
	if isUndefinedTable(nil) {
		t.Error("nil should not match")
	}
}
