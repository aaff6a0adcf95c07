package models

import "time"

// Connector представляет сконфигурированное подключение аккаунта к бирже
//
// Ключи могут храниться открытым текстом (настроенный оператором
// коннектор) либо зашифрованными AES-256-GCM (резервное хранилище) -
// различается флагом Encrypted. Расшифровка выполняется только внутри
// CredentialService, открытые ключи никогда не логируются и не
// сериализуются наружу.
type Connector struct {
	ID        int64     `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Exchange  string    `json:"exchange" db:"exchange"` // lower-case имя биржи
	APIKey    string    `json:"-" db:"api_key"`
	APISecret string    `json:"-" db:"api_secret"`
	Memo      string    `json:"-" db:"memo"` // passphrase / sub-account tag (BitMart)
	Encrypted bool      `json:"encrypted" db:"encrypted"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Credential - расшифрованные учётные данные, передаваемые подписывающему
// клиенту. Существует только в памяти процесса.
type Credential struct {
	APIKey    string
	APISecret string
	Memo      string // опциональный passphrase / memo
}
