package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradebridge/pkg/ratelimit"
)

const bitmartBaseURL = "https://api-cloud.bitmart.com"

// Уровни аутентификации BitMart API
type bitmartAuth int

const (
	bitmartAuthNone   bitmartAuth = iota // публичный endpoint, без заголовков
	bitmartAuthKeyed                     // только X-BM-KEY
	bitmartAuthSigned                    // X-BM-KEY + X-BM-SIGN + X-BM-TIMESTAMP
)

// Bitmart реализует интерфейс Exchange для биржи BitMart (spot)
//
// Подпись: HMAC-SHA256(secret, "{timestamp}#{memo}#{payload}"),
// где payload - query string для GET и JSON тело для POST.
// memo - обязательное поле учётных данных BitMart (sub-account tag).
type Bitmart struct {
	apiKey    string
	secretKey string
	memo      string

	httpClient *http.Client
	limiter    *ratelimit.Limiter

	connected bool
}

var bitmartJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// NewBitmart создаёт новый экземпляр клиента BitMart
// Клиент владеет собственной HTTP сессией (одна на account+exchange)
func NewBitmart(network NetworkOptions) (*Bitmart, error) {
	client, err := NewHTTPClient(DefaultHTTPClientConfig(network))
	if err != nil {
		return nil, err
	}

	return &Bitmart{
		httpClient: client,
		limiter:    ratelimit.NewLimiter(10, 20),
	}, nil
}

// parseFloat парсит строку в float64 с логированием ошибок
func (b *Bitmart) parseFloat(value, field string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil && value != "" {
		log.Printf("[bitmart] failed to parse %s %q: %v", field, value, err)
	}
	return result
}

// sign создаёт подпись BitMart: HMAC-SHA256(secret, timestamp#memo#payload)
func (b *Bitmart) sign(timestamp, payload string) string {
	message := timestamp + "#" + b.memo + "#" + payload
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к BitMart API
//
// Тело POST запроса сериализуется РОВНО ОДИН РАЗ и используется
// и для подписи, и для передачи - повторная сериализация могла бы
// изменить порядок ключей и сломать подпись.
func (b *Bitmart) doRequest(ctx context.Context, method, endpoint string, query url.Values, body interface{}, auth bitmartAuth) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Exchange: "bitmart", Err: err}
	}

	reqURL := bitmartBaseURL + endpoint
	queryStr := ""
	if len(query) > 0 {
		queryStr = query.Encode()
		reqURL += "?" + queryStr
	}

	// Замораживаем тело один раз
	var frozenBody []byte
	if body != nil {
		var err error
		frozenBody, err = bitmartJSON.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(string(frozenBody)))
	if err != nil {
		return nil, err
	}

	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	// Публичные endpoints никогда не получают auth заголовки
	switch auth {
	case bitmartAuthKeyed:
		req.Header.Set("X-BM-KEY", b.apiKey)
	case bitmartAuthSigned:
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		payload := queryStr
		if method == http.MethodPost {
			payload = string(frozenBody)
		}
		req.Header.Set("X-BM-KEY", b.apiKey)
		req.Header.Set("X-BM-SIGN", b.sign(timestamp, payload))
		req.Header.Set("X-BM-TIMESTAMP", timestamp)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Exchange: "bitmart", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Exchange: "bitmart", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Exchange: "bitmart", Message: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &NetworkError{Exchange: "bitmart", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	// Биржевой код проверяется явно даже при HTTP 200
	var baseResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := bitmartJSON.Unmarshal(respBody, &baseResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if baseResp.Code != 1000 {
		return nil, b.classifyError(baseResp.Code, baseResp.Message)
	}

	return respBody, nil
}

// classifyError переводит биржевой код в нашу таксономию ошибок
func (b *Bitmart) classifyError(code int, message string) error {
	// 30000-30014: ошибки ключа, подписи и timestamp
	if code >= 30000 && code <= 30014 {
		return &AuthError{Exchange: "bitmart", Message: fmt.Sprintf("[%d] %s", code, message)}
	}

	exErr := &ExchangeError{
		Exchange: "bitmart",
		Code:     strconv.Itoa(code),
		Message:  message,
	}

	lower := strings.ToLower(message)
	switch {
	case code == 50020 || strings.Contains(lower, "balance not enough") || strings.Contains(lower, "insufficient"):
		exErr.Original = ErrInsufficientFunds
	case strings.Contains(lower, "permission"):
		exErr.Original = ErrPermissionDenied
	case strings.Contains(lower, "order not found") || strings.Contains(lower, "not exist"):
		exErr.Original = ErrOrderNotFound
	}

	return exErr
}

func (b *Bitmart) Connect(apiKey, secret, memo string) error {
	b.apiKey = apiKey
	b.secretKey = secret
	b.memo = memo

	// Проверяем учётные данные запросом баланса
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.FetchBalance(ctx); err != nil {
		return fmt.Errorf("failed to connect to BitMart: %w", err)
	}

	b.connected = true
	return nil
}

func (b *Bitmart) GetName() string {
	return "bitmart"
}

func (b *Bitmart) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	query := url.Values{}
	query.Set("symbol", symbol)

	body, err := b.doRequest(ctx, http.MethodGet, "/spot/quotation/v3/ticker", query, nil, bitmartAuthNone)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Symbol string `json:"symbol"`
			Last   string `json:"last"`
			BidPx  string `json:"bid_px"`
			AskPx  string `json:"ask_px"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &Ticker{
		Symbol:    symbol,
		BidPrice:  b.parseFloat(resp.Data.BidPx, "bid_px"),
		AskPrice:  b.parseFloat(resp.Data.AskPx, "ask_px"),
		LastPrice: b.parseFloat(resp.Data.Last, "last"),
		Timestamp: time.Now(),
	}, nil
}

func (b *Bitmart) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/account/v1/wallet", nil, nil, bitmartAuthKeyed)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Wallet []struct {
				Currency  string `json:"currency"`
				Available string `json:"available"`
				Frozen    string `json:"frozen"`
			} `json:"wallet"`
		} `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	balances := make(map[string]Balance, len(resp.Data.Wallet))
	for _, w := range resp.Data.Wallet {
		free := b.parseFloat(w.Available, "available")
		used := b.parseFloat(w.Frozen, "frozen")
		balances[strings.ToUpper(w.Currency)] = Balance{
			Free:  free,
			Used:  used,
			Total: free + used,
		}
	}

	return balances, nil
}

func (b *Bitmart) PlaceMarketOrder(ctx context.Context, symbol, side string, qty, refPrice float64) (*Order, error) {
	params := map[string]interface{}{
		"symbol": symbol,
		"side":   side,
		"type":   "market",
	}

	// BitMart принимает market buy в notional (quote), market sell в size (base)
	if side == SideBuy {
		notional := qty * refPrice
		params["notional"] = strconv.FormatFloat(notional, 'f', -1, 64)
	} else {
		params["size"] = strconv.FormatFloat(qty, 'f', -1, 64)
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/spot/v2/submit_order", nil, params, bitmartAuthSigned)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &Order{
		ID:        resp.Data.OrderID,
		Symbol:    symbol,
		Side:      side,
		Type:      TypeMarket,
		Quantity:  qty,
		Status:    StatusClosed, // market ордер исполняется немедленно
		CreatedAt: time.Now(),
	}, nil
}

func (b *Bitmart) PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64) (*Order, error) {
	params := map[string]interface{}{
		"symbol": symbol,
		"side":   side,
		"type":   "limit",
		"size":   strconv.FormatFloat(qty, 'f', -1, 64),
		"price":  strconv.FormatFloat(price, 'f', -1, 64),
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/spot/v2/submit_order", nil, params, bitmartAuthSigned)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &Order{
		ID:        resp.Data.OrderID,
		Symbol:    symbol,
		Side:      side,
		Type:      TypeLimit,
		Quantity:  qty,
		Price:     price,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}, nil
}

func (b *Bitmart) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := map[string]interface{}{
		"symbol":   symbol,
		"order_id": orderID,
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/spot/v3/cancel_order", nil, params, bitmartAuthSigned)
	return err
}

func (b *Bitmart) FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	params := map[string]interface{}{
		"symbol": symbol,
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/spot/v4/query/open-orders", nil, params, bitmartAuthSigned)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []bitmartOrderData `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	orders := make([]*Order, 0, len(resp.Data))
	for i := range resp.Data {
		orders = append(orders, b.toOrder(&resp.Data[i]))
	}

	return orders, nil
}

func (b *Bitmart) FetchOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	params := map[string]interface{}{
		"orderId": orderID,
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/spot/v4/query/order", nil, params, bitmartAuthSigned)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data bitmartOrderData `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return b.toOrder(&resp.Data), nil
}

func (b *Bitmart) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/spot/v1/symbols/details", nil, nil, bitmartAuthNone)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Symbols []struct {
				Symbol            string `json:"symbol"`
				BaseMinSize       string `json:"base_min_size"`
				QuoteIncrement    string `json:"quote_increment"`
				PriceMaxPrecision int    `json:"price_max_precision"`
				MinBuyAmount      string `json:"min_buy_amount"`
			} `json:"symbols"`
		} `json:"data"`
	}
	if err := bitmartJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for _, s := range resp.Data.Symbols {
		if s.Symbol != symbol {
			continue
		}

		minQty := b.parseFloat(s.BaseMinSize, "base_min_size")
		return &Limits{
			Symbol:      symbol,
			MinQty:      minQty,
			QtyStep:     minQty,
			MinNotional: b.parseFloat(s.MinBuyAmount, "min_buy_amount"),
			PriceStep:   math.Pow(10, -float64(s.PriceMaxPrecision)),
		}, nil
	}

	return nil, fmt.Errorf("symbol details not found for %s", symbol)
}

func (b *Bitmart) Close() error {
	CloseHTTPClient(b.httpClient)
	b.connected = false
	return nil
}

// bitmartOrderData - сырой ордер из v4 query endpoints
type bitmartOrderData struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	PriceAvg   string `json:"priceAvg"`
	State      string `json:"state"`
	CreateTime int64  `json:"createTime"`
}

// toOrder нормализует сырой ордер BitMart в общий тип
func (b *Bitmart) toOrder(d *bitmartOrderData) *Order {
	return &Order{
		ID:           d.OrderID,
		Symbol:       d.Symbol,
		Side:         strings.ToLower(d.Side),
		Type:         strings.ToLower(d.Type),
		Quantity:     b.parseFloat(d.Size, "size"),
		Price:        b.parseFloat(d.Price, "price"),
		FilledQty:    b.parseFloat(d.FilledSize, "filledSize"),
		AvgFillPrice: b.parseFloat(d.PriceAvg, "priceAvg"),
		Status:       bitmartOrderStatus(d.State),
		CreatedAt:    time.UnixMilli(d.CreateTime),
	}
}

// bitmartOrderStatus нормализует статус ордера BitMart
func bitmartOrderStatus(state string) string {
	switch state {
	case "new", "partially_filled":
		return StatusOpen
	case "filled":
		return StatusClosed
	case "canceled", "partially_canceled":
		return StatusCanceled
	default:
		return StatusUnknown
	}
}
