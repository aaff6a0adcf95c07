package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradebridge/internal/models"
)

// ============================================================
// TradeRepository Tests
// ============================================================

func TestTradeRepositoryCreate(t *testing.T) {
	tests := []struct {
		name        string
		trade       *models.Trade
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success",
			trade: &models.Trade{
				BotID:           1,
				Side:            "buy",
				Amount:          10.101,
				Price:           0.99,
				Cost:            9.99999,
				ExchangeOrderID: "12345",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO trades`).
					WithArgs(int64(1), "buy", 10.101, 0.99, 9.99999, "12345", sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
		},
		{
			name:  "database error",
			trade: &models.Trade{BotID: 1, Side: "sell"},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO trades`).
					WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewTradeRepository(db)
			err = repo.Create(tt.trade)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.trade.ID != 1 {
					t.Errorf("expected ID=1, got %d", tt.trade.ID)
				}
				if tt.trade.CreatedAt.IsZero() {
					t.Error("CreatedAt should be set on insert")
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTradeRepositoryGetSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Now().Add(-3 * time.Hour)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "bot_id", "side", "amount", "price", "cost", "exchange_order_id", "created_at"}).
		AddRow(2, 1, "sell", 9.901, 1.01, 10.0, "67890", now).
		AddRow(1, 1, "buy", 10.101, 0.99, 10.0, "12345", now.Add(-time.Hour))

	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WithArgs(int64(1), since).
		WillReturnRows(rows)

	repo := NewTradeRepository(db)
	trades, err := repo.GetSince(1, since)
	if err != nil {
		t.Fatalf("GetSince failed: %v", err)
	}

	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Side != "sell" || trades[1].Side != "buy" {
		t.Error("trades should be ordered most recent first")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTradeRepositoryCountSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Now().Add(-3 * time.Hour)
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(int64(1), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	repo := NewTradeRepository(db)
	count, err := repo.CountSince(1, since)
	if err != nil {
		t.Fatalf("CountSince failed: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5, got %d", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
