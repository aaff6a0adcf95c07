package exchange

import (
	"errors"
	"testing"
)

// TestBitmartSign проверяет подпись против заранее вычисленных векторов
func TestBitmartSign(t *testing.T) {
	b := &Bitmart{
		secretKey: "test-secret-key",
		memo:      "test-memo",
	}

	tests := []struct {
		name      string
		timestamp string
		payload   string
		want      string
	}{
		{
			name:      "POST body payload",
			timestamp: "1622552340000",
			payload:   `{"symbol":"BTC_USDT","side":"buy"}`,
			want:      "a77430af31a903cb735193d08749ba1aa6eb5f85462065ce8c54417ad0c268b5",
		},
		{
			name:      "GET query payload",
			timestamp: "1622552340000",
			payload:   "symbol=BTC_USDT",
			want:      "3a68ec08dd3d2379ddfeac9a1e508a94845b9035bfedc5e221458375d0a306c3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.sign(tt.timestamp, tt.payload)
			if got != tt.want {
				t.Errorf("sign() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestBitmartSignMemoChangesSignature проверяет что memo входит в подпись
func TestBitmartSignMemoChangesSignature(t *testing.T) {
	b1 := &Bitmart{secretKey: "test-secret-key", memo: "memo-a"}
	b2 := &Bitmart{secretKey: "test-secret-key", memo: "memo-b"}

	if b1.sign("1622552340000", "payload") == b2.sign("1622552340000", "payload") {
		t.Error("signatures with different memo should differ")
	}
}

// TestBitmartClassifyError проверяет маппинг биржевых кодов на нашу таксономию
func TestBitmartClassifyError(t *testing.T) {
	b := &Bitmart{}

	tests := []struct {
		name     string
		code     int
		message  string
		wantAuth bool
		wantIs   error
	}{
		{"auth code low bound", 30000, "Not found", true, nil},
		{"auth code signature", 30013, "Signature invalid", true, nil},
		{"auth code high bound", 30014, "IP forbidden", true, nil},
		{"insufficient funds code", 50020, "Balance not enough", false, ErrInsufficientFunds},
		{"insufficient funds text", 51000, "insufficient balance", false, ErrInsufficientFunds},
		{"permission denied", 51001, "Permission denied for this API", false, ErrPermissionDenied},
		{"order not found", 51002, "Order does not exist", false, ErrOrderNotFound},
		{"generic error", 52000, "Something else", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.classifyError(tt.code, tt.message)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var authErr *AuthError
			if gotAuth := errors.As(err, &authErr); gotAuth != tt.wantAuth {
				t.Errorf("AuthError = %v, want %v", gotAuth, tt.wantAuth)
			}

			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantIs)
			}
		})
	}
}

// TestBitmartOrderStatus проверяет нормализацию статусов ордеров
func TestBitmartOrderStatus(t *testing.T) {
	tests := []struct {
		state string
		want  string
	}{
		{"new", StatusOpen},
		{"partially_filled", StatusOpen},
		{"filled", StatusClosed},
		{"canceled", StatusCanceled},
		{"partially_canceled", StatusCanceled},
		{"something_else", StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := bitmartOrderStatus(tt.state); got != tt.want {
				t.Errorf("bitmartOrderStatus(%q) = %s, want %s", tt.state, got, tt.want)
			}
		})
	}
}
