package service

import (
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/pkg/crypto"
)

const (
	testSecret = "test-encryption-secret"
	testSalt   = "test-salt"
)

var connectorCols = []string{"id", "account_id", "exchange", "api_key", "api_secret", "memo", "encrypted", "created_at", "updated_at"}

func newCredentialService(t *testing.T) (*CredentialService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := NewCredentialService(repository.NewConnectorRepository(db), testSecret, testSalt, zap.NewNop())
	return svc, mock
}

// TestGetCredentialPlaintext проверяет чтение плоской (нешифрованной)
// строки коннектора
func TestGetCredentialPlaintext(t *testing.T) {
	svc, mock := newCredentialService(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM connectors`).
		WithArgs("tenant-1", "bitmart").
		WillReturnRows(sqlmock.NewRows(connectorCols).
			AddRow(1, "tenant-1", "bitmart", "plain-key", "plain-secret", "plain-memo", false, now, now))

	cred, err := svc.GetCredential("tenant-1", "bitmart")
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}

	if cred.APIKey != "plain-key" || cred.APISecret != "plain-secret" || cred.Memo != "plain-memo" {
		t.Errorf("unexpected credential: %+v", cred)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestGetCredentialEncrypted проверяет расшифровку secret и memo
func TestGetCredentialEncrypted(t *testing.T) {
	svc, mock := newCredentialService(t)

	key := crypto.DeriveKey(testSecret, testSalt)
	encSecret, err := crypto.Encrypt("real-secret", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	encMemo, err := crypto.Encrypt("real-memo", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM connectors`).
		WithArgs("tenant-1", "coinstore").
		WillReturnRows(sqlmock.NewRows(connectorCols).
			AddRow(2, "tenant-1", "coinstore", "api-key", encSecret, encMemo, true, now, now))

	cred, err := svc.GetCredential("tenant-1", "coinstore")
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}

	if cred.APISecret != "real-secret" {
		t.Error("api secret was not decrypted correctly")
	}
	if cred.Memo != "real-memo" {
		t.Error("memo was not decrypted correctly")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestGetCredentialMissing проверяет ErrMissingCredential
func TestGetCredentialMissing(t *testing.T) {
	svc, mock := newCredentialService(t)

	mock.ExpectQuery(`SELECT (.+) FROM connectors`).
		WithArgs("tenant-1", "bitmart").
		WillReturnRows(sqlmock.NewRows(connectorCols))

	_, err := svc.GetCredential("tenant-1", "bitmart")
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestGetCredentialWrongKey проверяет что чужой ключ шифрования
// даёт ошибку, а не мусорные данные
func TestGetCredentialWrongKey(t *testing.T) {
	svc, mock := newCredentialService(t)

	otherKey := crypto.DeriveKey("other-secret", testSalt)
	encSecret, err := crypto.Encrypt("real-secret", otherKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM connectors`).
		WithArgs("tenant-1", "bitmart").
		WillReturnRows(sqlmock.NewRows(connectorCols).
			AddRow(3, "tenant-1", "bitmart", "api-key", encSecret, "", true, now, now))

	if _, err := svc.GetCredential("tenant-1", "bitmart"); err == nil {
		t.Error("decryption with a different key must fail")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// notPlaintext - sqlmock матчер: аргумент не должен совпадать
// с исходным плоским текстом
type notPlaintext struct {
	plaintext string
}

func (m notPlaintext) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && s != m.plaintext && s != ""
}

// TestStoreCredentialEncrypts проверяет что секрет уходит в базу
// шифротекстом, а не плоским текстом
func TestStoreCredentialEncrypts(t *testing.T) {
	svc, mock := newCredentialService(t)

	mock.ExpectQuery(`INSERT INTO connectors`).
		WithArgs("tenant-1", "bitmart", "api-key",
			notPlaintext{"real-secret"}, notPlaintext{"real-memo"}, true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	cred := &models.Credential{APIKey: "api-key", APISecret: "real-secret", Memo: "real-memo"}
	if err := svc.StoreCredential("tenant-1", "bitmart", cred); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
