package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"tradebridge/internal/models"
)

// Ошибки репозитория коннекторов
var (
	ErrConnectorNotFound = errors.New("connector not found")
)

// ConnectorRepository - работа с таблицей connectors.
//
// Колонки api_key/api_secret/memo могут хранить либо плоский текст
// (encrypted = false, наследие ранних установок), либо шифротекст
// AES-256-GCM (encrypted = true). Расшифровкой занимается
// CredentialService; репозиторий отдаёт строки как есть.
type ConnectorRepository struct {
	db *sql.DB
}

// NewConnectorRepository создает новый экземпляр репозитория
func NewConnectorRepository(db *sql.DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

// GetByAccountAndExchange возвращает коннектор аккаунта для биржи
func (r *ConnectorRepository) GetByAccountAndExchange(accountID, exchange string) (*models.Connector, error) {
	query := `
		SELECT id, account_id, exchange, api_key, api_secret, memo, encrypted, created_at, updated_at
		FROM connectors
		WHERE account_id = $1 AND exchange = $2`

	connector := &models.Connector{}
	err := r.db.QueryRow(query, accountID, strings.ToLower(exchange)).Scan(
		&connector.ID,
		&connector.AccountID,
		&connector.Exchange,
		&connector.APIKey,
		&connector.APISecret,
		&connector.Memo,
		&connector.Encrypted,
		&connector.CreatedAt,
		&connector.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectorNotFound
		}
		return nil, err
	}

	return connector, nil
}

// GetByAccountID возвращает все коннекторы аккаунта
func (r *ConnectorRepository) GetByAccountID(accountID string) ([]*models.Connector, error) {
	query := `
		SELECT id, account_id, exchange, api_key, api_secret, memo, encrypted, created_at, updated_at
		FROM connectors
		WHERE account_id = $1
		ORDER BY exchange`

	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connectors []*models.Connector
	for rows.Next() {
		connector := &models.Connector{}
		err := rows.Scan(
			&connector.ID,
			&connector.AccountID,
			&connector.Exchange,
			&connector.APIKey,
			&connector.APISecret,
			&connector.Memo,
			&connector.Encrypted,
			&connector.CreatedAt,
			&connector.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, connector)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return connectors, nil
}

// Upsert создает или обновляет коннектор аккаунта для биржи
func (r *ConnectorRepository) Upsert(connector *models.Connector) error {
	query := `
		INSERT INTO connectors (account_id, exchange, api_key, api_secret, memo, encrypted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (account_id, exchange)
		DO UPDATE SET api_key = $3, api_secret = $4, memo = $5, encrypted = $6, updated_at = $7
		RETURNING id`

	now := time.Now()
	return r.db.QueryRow(
		query,
		connector.AccountID,
		strings.ToLower(connector.Exchange),
		connector.APIKey,
		connector.APISecret,
		connector.Memo,
		connector.Encrypted,
		now,
	).Scan(&connector.ID)
}

// Delete удаляет коннектор аккаунта для биржи
func (r *ConnectorRepository) Delete(accountID, exchange string) error {
	query := `DELETE FROM connectors WHERE account_id = $1 AND exchange = $2`

	result, err := r.db.Exec(query, accountID, strings.ToLower(exchange))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConnectorNotFound
	}

	return nil
}
