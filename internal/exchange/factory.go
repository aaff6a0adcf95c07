package exchange

import (
	"fmt"
	"strings"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{"bitmart", "coinstore"}

// NewExchange создаёт клиент биржи по имени.
// Имя нечувствительно к регистру. Каждый клиент получает собственный
// HTTP клиент с применёнными сетевыми опциями (прокси, IPv4).
func NewExchange(name string, network NetworkOptions) (Exchange, error) {
	switch strings.ToLower(name) {
	case "bitmart":
		return NewBitmart(network)
	case "coinstore":
		return NewCoinstore(network)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, ex := range SupportedExchanges {
		if ex == name {
			return true
		}
	}
	return false
}
