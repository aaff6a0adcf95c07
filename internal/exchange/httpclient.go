package exchange

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// NetworkOptions - сетевые настройки, применяемые единообразно ко всем
// подписывающим клиентам.
//
// Биржи с IP allow-list'ами привязывают доступ к одному адресу, поэтому
// на dual-stack хостах исходящий трафик принудительно идёт по IPv4
// (иначе часть запросов уходит с IPv6-адреса и отклоняется), а при
// необходимости - через явный форвард-прокси. Это операционные
// требования, а не опции.
type NetworkOptions struct {
	ProxyURL  string // "" = без прокси
	ForceIPv4 bool
}

// HTTPClientConfig содержит настройки HTTP клиента для бирж
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // таймаут установки TCP соединения
	ReadTimeout    time.Duration // таймаут чтения заголовков ответа
	TotalTimeout   time.Duration // общий таймаут запроса

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration

	Network NetworkOptions
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig(network NetworkOptions) HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,

		Network: network,
	}
}

// NewHTTPClient создаёт HTTP клиент с connection pooling.
//
// Каждый биржевой клиент владеет СОБСТВЕННЫМ http.Client - одна
// сессия на пару (account, exchange), без глобального кэша сессий.
func NewHTTPClient(config HTTPClientConfig) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	// Принудительный IPv4: подменяем сеть tcp -> tcp4
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if config.Network.ForceIPv4 && network == "tcp" {
			network = "tcp4"
		}
		return dialer.DialContext(ctx, network, addr)
	}

	transport := &http.Transport{
		DialContext: dialContext,

		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	if config.Network.ProxyURL != "" {
		proxyURL, err := url.Parse(config.Network.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout,
	}, nil
}

// CloseHTTPClient закрывает idle соединения клиента
// Вызывается из Close() биржевых клиентов
func CloseHTTPClient(client *http.Client) {
	if client == nil {
		return
	}
	if transport, ok := client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
