package service

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/pkg/crypto"
)

// Ошибки разрешения учётных данных
var (
	ErrMissingCredential = errors.New("missing credential")
)

// CredentialService разрешает учётные данные бирж для аккаунтов.
//
// Строки connectors хранятся либо плоским текстом (encrypted = false,
// наследие ранних установок), либо шифротекстом AES-256-GCM. Ключ
// шифрования выводится из секрета окружения через PBKDF2 один раз при
// старте. Расшифрованные значения живут только в памяти вызывающей
// стороны и никогда не логируются и не сериализуются.
type CredentialService struct {
	connectors *repository.ConnectorRepository
	key        []byte
	logger     *zap.Logger
}

// NewCredentialService создаёт сервис учётных данных.
// secret и salt берутся из конфигурации (ENCRYPTION_SECRET/ENCRYPTION_SALT).
func NewCredentialService(connectors *repository.ConnectorRepository, secret, salt string, logger *zap.Logger) *CredentialService {
	return &CredentialService{
		connectors: connectors,
		key:        crypto.DeriveKey(secret, salt),
		logger:     logger.Named("credentials"),
	}
}

// GetCredential возвращает расшифрованные учётные данные аккаунта
// для биржи. Отсутствие строки connectors - ErrMissingCredential.
func (s *CredentialService) GetCredential(accountID, exchangeName string) (*models.Credential, error) {
	connector, err := s.connectors.GetByAccountAndExchange(accountID, exchangeName)
	if err != nil {
		if errors.Is(err, repository.ErrConnectorNotFound) {
			return nil, fmt.Errorf("%w: account %s, exchange %s", ErrMissingCredential, accountID, exchangeName)
		}
		return nil, err
	}

	if !connector.Encrypted {
		return &models.Credential{
			APIKey:    connector.APIKey,
			APISecret: connector.APISecret,
			Memo:      connector.Memo,
		}, nil
	}

	return s.decrypt(connector)
}

// decrypt расшифровывает секретные поля коннектора.
// API ключ хранится открыто (нужен для поиска и отображения),
// secret и memo - шифротекстом.
func (s *CredentialService) decrypt(connector *models.Connector) (*models.Credential, error) {
	secret, err := crypto.Decrypt(connector.APISecret, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api secret for account %s: %w", connector.AccountID, err)
	}

	memo := ""
	if connector.Memo != "" {
		memo, err = crypto.Decrypt(connector.Memo, s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt memo for account %s: %w", connector.AccountID, err)
		}
	}

	return &models.Credential{
		APIKey:    connector.APIKey,
		APISecret: secret,
		Memo:      memo,
	}, nil
}

// StoreCredential шифрует и сохраняет учётные данные аккаунта
func (s *CredentialService) StoreCredential(accountID, exchangeName string, cred *models.Credential) error {
	secret, err := crypto.Encrypt(cred.APISecret, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt api secret: %w", err)
	}

	memo := ""
	if cred.Memo != "" {
		memo, err = crypto.Encrypt(cred.Memo, s.key)
		if err != nil {
			return fmt.Errorf("failed to encrypt memo: %w", err)
		}
	}

	connector := &models.Connector{
		AccountID: accountID,
		Exchange:  exchangeName,
		APIKey:    cred.APIKey,
		APISecret: secret,
		Memo:      memo,
		Encrypted: true,
	}
	if err := s.connectors.Upsert(connector); err != nil {
		return err
	}

	s.logger.Info("credential stored",
		zap.String("account_id", accountID),
		zap.String("exchange", exchangeName))
	return nil
}
