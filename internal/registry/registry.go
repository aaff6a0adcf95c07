// Package registry управляет аккаунтами и их биржевыми подключениями.
//
// Один аккаунт (tenant) может иметь по одному подключению на биржу.
// Подключение живёт столько, сколько живёт аккаунт в реестре: все боты
// аккаунта делят один авторизованный клиент на биржу.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tradebridge/internal/exchange"
)

// Account - аккаунт с набором авторизованных биржевых клиентов
type Account struct {
	ID       string
	adapters map[string]exchange.Exchange // ключ - имя биржи в нижнем регистре

	mu sync.RWMutex
}

// Adapter возвращает авторизованный клиент биржи или nil
func (a *Account) Adapter(exchangeName string) exchange.Exchange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adapters[strings.ToLower(exchangeName)]
}

// Adapters возвращает снимок всех подключений аккаунта
func (a *Account) Adapters() map[string]exchange.Exchange {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snapshot := make(map[string]exchange.Exchange, len(a.adapters))
	for name, ex := range a.adapters {
		snapshot[name] = ex
	}
	return snapshot
}

// Registry - потокобезопасный реестр аккаунтов
type Registry struct {
	accounts map[string]*Account
	network  exchange.NetworkOptions
	logger   *zap.Logger

	mu sync.RWMutex
}

// NewRegistry создаёт пустой реестр аккаунтов
func NewRegistry(network exchange.NetworkOptions, logger *zap.Logger) *Registry {
	return &Registry{
		accounts: make(map[string]*Account),
		network:  network,
		logger:   logger,
	}
}

// GetOrCreate возвращает аккаунт, создавая его при первом обращении
func (r *Registry) GetOrCreate(accountID string) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acc, ok := r.accounts[accountID]; ok {
		return acc
	}

	acc := &Account{
		ID:       accountID,
		adapters: make(map[string]exchange.Exchange),
	}
	r.accounts[accountID] = acc
	return acc
}

// Get возвращает аккаунт без создания
func (r *Registry) Get(accountID string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[accountID]
	return acc, ok
}

// Adapter возвращает авторизованный клиент биржи для аккаунта
func (r *Registry) Adapter(accountID, exchangeName string) (exchange.Exchange, bool) {
	acc, ok := r.Get(accountID)
	if !ok {
		return nil, false
	}

	ex := acc.Adapter(exchangeName)
	return ex, ex != nil
}

// AddConnector создаёт и авторизует биржевой клиент для аккаунта.
// Повторный вызов для той же пары account+exchange - no-op: существующее
// подключение сохраняется, новые учётные данные НЕ применяются до
// удаления старого подключения.
func (r *Registry) AddConnector(accountID, exchangeName, apiKey, secret, memo string) error {
	exchangeName = strings.ToLower(exchangeName)

	if !exchange.IsSupported(exchangeName) {
		return fmt.Errorf("unsupported exchange: %s", exchangeName)
	}

	acc := r.GetOrCreate(accountID)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if _, exists := acc.adapters[exchangeName]; exists {
		r.logger.Debug("connector already registered, skipping",
			zap.String("account_id", accountID),
			zap.String("exchange", exchangeName))
		return nil
	}

	ex, err := exchange.NewExchange(exchangeName, r.network)
	if err != nil {
		return err
	}

	if err := ex.Connect(apiKey, secret, memo); err != nil {
		ex.Close()
		return fmt.Errorf("failed to authorize %s connector: %w", exchangeName, err)
	}

	acc.adapters[exchangeName] = ex

	// Учётные данные в лог не попадают, только идентификаторы
	r.logger.Info("exchange connector registered",
		zap.String("account_id", accountID),
		zap.String("exchange", exchangeName))
	return nil
}

// RemoveConnector закрывает и удаляет подключение аккаунта к бирже
func (r *Registry) RemoveConnector(accountID, exchangeName string) {
	exchangeName = strings.ToLower(exchangeName)

	acc, ok := r.Get(accountID)
	if !ok {
		return
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if ex, exists := acc.adapters[exchangeName]; exists {
		if err := ex.Close(); err != nil {
			r.logger.Warn("failed to close connector",
				zap.String("account_id", accountID),
				zap.String("exchange", exchangeName),
				zap.Error(err))
		}
		delete(acc.adapters, exchangeName)
	}
}

// GetPrice возвращает тикер символа на бирже.
// Предпочитает любой уже авторизованный клиент этой биржи; если такого
// нет - создаёт короткоживущий публичный клиент и закрывает его после
// запроса. Публичные endpoints не требуют авторизации.
func (r *Registry) GetPrice(ctx context.Context, exchangeName, symbol string) (*exchange.Ticker, error) {
	exchangeName = strings.ToLower(exchangeName)

	if ex := r.findAdapter(exchangeName); ex != nil {
		return ex.FetchTicker(ctx, symbol)
	}

	ex, err := exchange.NewExchange(exchangeName, r.network)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	return ex.FetchTicker(ctx, symbol)
}

// findAdapter ищет любой авторизованный клиент заданной биржи
func (r *Registry) findAdapter(exchangeName string) exchange.Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, acc := range r.accounts {
		if ex := acc.Adapter(exchangeName); ex != nil {
			return ex
		}
	}
	return nil
}

// CloseAll закрывает все подключения всех аккаунтов
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for accountID, acc := range r.accounts {
		acc.mu.Lock()
		for name, ex := range acc.adapters {
			if err := ex.Close(); err != nil {
				r.logger.Warn("failed to close connector",
					zap.String("account_id", accountID),
					zap.String("exchange", name),
					zap.Error(err))
			}
		}
		acc.adapters = make(map[string]exchange.Exchange)
		acc.mu.Unlock()
	}
}
