package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradebridge/pkg/ratelimit"
)

const (
	coinstoreBaseURL = "https://api.coinstore.com/api"

	// Окно деривации ключа подписи: 30 секунд
	coinstoreKeyBucketMs = 30000
)

// Coinstore реализует интерфейс Exchange для биржи Coinstore (spot)
//
// Двухступенчатая подпись:
//
//	bucket      = floor(expires_ms / 30000)
//	derived_key = hex(HMAC-SHA256(secret, str(bucket)))
//	signature   = hex(HMAC-SHA256(derived_key, payload))
//
// payload - это РОВНО те байты, что уходят на биржу: query string для
// GET, замороженное JSON тело для POST. Любая повторная сериализация
// (порядок ключей, пробелы, число-vs-строка) ломает подпись, поэтому
// тело маршалится один раз и дальше не трогается. Подписанный запрос
// без параметров использует литеральное тело "{}", НЕ пустую строку.
//
// Quirk: Coinstore сообщает liveness ордера только списком активных
// ордеров - per-order статуса нет. FetchOrder инкапсулирует это:
// id отсутствует в списке => ордер считается исполненным.
type Coinstore struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.Limiter

	connected bool
}

var coinstoreJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// NewCoinstore создаёт новый экземпляр клиента Coinstore
func NewCoinstore(network NetworkOptions) (*Coinstore, error) {
	client, err := NewHTTPClient(DefaultHTTPClientConfig(network))
	if err != nil {
		return nil, err
	}

	return &Coinstore{
		httpClient: client,
		limiter:    ratelimit.NewLimiter(10, 20),
	}, nil
}

// parseFloat парсит строку в float64 с логированием ошибок
func (c *Coinstore) parseFloat(value, field string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil && value != "" {
		log.Printf("[coinstore] failed to parse %s %q: %v", field, value, err)
	}
	return result
}

// sign вычисляет двухступенчатую подпись Coinstore для payload
func (c *Coinstore) sign(expiresMs int64, payload string) string {
	bucket := strconv.FormatInt(expiresMs/coinstoreKeyBucketMs, 10)

	inner := hmac.New(sha256.New, []byte(c.secretKey))
	inner.Write([]byte(bucket))
	derivedKey := hex.EncodeToString(inner.Sum(nil))

	outer := hmac.New(sha256.New, []byte(derivedKey))
	outer.Write([]byte(payload))
	return hex.EncodeToString(outer.Sum(nil))
}

// doRequest выполняет HTTP запрос к Coinstore API
func (c *Coinstore) doRequest(ctx context.Context, method, endpoint string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Exchange: "coinstore", Err: err}
	}

	reqURL := coinstoreBaseURL + endpoint
	queryStr := ""
	if len(query) > 0 {
		queryStr = query.Encode()
		reqURL += "?" + queryStr
	}

	// Замораживаем тело один раз: эти же байты подписываются и передаются
	var frozenBody []byte
	if body != nil {
		var err error
		frozenBody, err = coinstoreJSON.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	} else if signed && method == http.MethodPost {
		// Подписанный POST без параметров: литеральное "{}"
		frozenBody = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(string(frozenBody)))
	if err != nil {
		return nil, err
	}

	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	// Публичные endpoints никогда не получают auth заголовки
	if signed {
		expires := time.Now().UnixMilli()

		payload := queryStr
		if method == http.MethodPost {
			payload = string(frozenBody)
		}
		if payload == "" {
			payload = "{}"
		}

		req.Header.Set("X-CS-APIKEY", c.apiKey)
		req.Header.Set("X-CS-SIGN", c.sign(expires, payload))
		req.Header.Set("X-CS-EXPIRES", strconv.FormatInt(expires, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Exchange: "coinstore", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Exchange: "coinstore", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Exchange: "coinstore", Message: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &NetworkError{Exchange: "coinstore", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	// Код биржи проверяется явно даже на HTTP 200
	var baseResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := coinstoreJSON.Unmarshal(respBody, &baseResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if baseResp.Code != 0 {
		return nil, c.classifyError(baseResp.Code, baseResp.Message)
	}

	return respBody, nil
}

// classifyError переводит биржевой код в нашу таксономию ошибок
func (c *Coinstore) classifyError(code int, message string) error {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "signature") || strings.Contains(lower, "apikey") ||
		strings.Contains(lower, "api key") || strings.Contains(lower, "expire") {
		return &AuthError{Exchange: "coinstore", Message: fmt.Sprintf("[%d] %s", code, message)}
	}

	exErr := &ExchangeError{
		Exchange: "coinstore",
		Code:     strconv.Itoa(code),
		Message:  message,
	}

	switch {
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "not enough"):
		exErr.Original = ErrInsufficientFunds
	case strings.Contains(lower, "permission") || strings.Contains(lower, "forbidden"):
		exErr.Original = ErrPermissionDenied
	case strings.Contains(lower, "order not"):
		exErr.Original = ErrOrderNotFound
	}

	return exErr
}

func (c *Coinstore) Connect(apiKey, secret, memo string) error {
	c.apiKey = apiKey
	c.secretKey = secret
	// memo не используется Coinstore

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.FetchBalance(ctx); err != nil {
		return fmt.Errorf("failed to connect to Coinstore: %w", err)
	}

	c.connected = true
	return nil
}

func (c *Coinstore) GetName() string {
	return "coinstore"
}

func (c *Coinstore) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	csSymbol := c.toCoinstoreSymbol(symbol)

	// Лучшие bid/ask берутся из стакана: тикерный endpoint отдаёт
	// только цену последней сделки
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/market/depth/"+csSymbol, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var depthResp struct {
		Data struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
		} `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &depthResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	ticker := &Ticker{
		Symbol:    symbol,
		Timestamp: time.Now(),
	}
	if len(depthResp.Data.Bids) > 0 && len(depthResp.Data.Bids[0]) >= 2 {
		ticker.BidPrice = c.parseFloat(depthResp.Data.Bids[0][0], "bid")
	}
	if len(depthResp.Data.Asks) > 0 && len(depthResp.Data.Asks[0]) >= 2 {
		ticker.AskPrice = c.parseFloat(depthResp.Data.Asks[0][0], "ask")
	}

	query := url.Values{}
	query.Set("symbol", csSymbol)
	body, err = c.doRequest(ctx, http.MethodGet, "/v1/ticker/price", query, nil, false)
	if err != nil {
		return nil, err
	}

	var priceResp struct {
		Data []struct {
			Symbol string `json:"symbol"`
			Price  string `json:"price"`
		} `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &priceResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for _, p := range priceResp.Data {
		if p.Symbol == csSymbol {
			ticker.LastPrice = c.parseFloat(p.Price, "price")
			break
		}
	}

	return ticker, nil
}

func (c *Coinstore) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	// POST без параметров: уходит литеральное тело "{}"
	body, err := c.doRequest(ctx, http.MethodPost, "/spot/accountList", nil, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Currency string `json:"currency"`
			TypeName string `json:"typeName"` // AVAILABLE или FROZEN
			Balance  string `json:"balance"`
		} `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	// Одна валюта приходит двумя строками: AVAILABLE и FROZEN
	balances := make(map[string]Balance)
	for _, row := range resp.Data {
		cur := strings.ToUpper(row.Currency)
		bal := balances[cur]
		amount := c.parseFloat(row.Balance, "balance")

		switch row.TypeName {
		case "AVAILABLE":
			bal.Free += amount
		case "FROZEN":
			bal.Used += amount
		}
		bal.Total = bal.Free + bal.Used
		balances[cur] = bal
	}

	return balances, nil
}

func (c *Coinstore) PlaceMarketOrder(ctx context.Context, symbol, side string, qty, refPrice float64) (*Order, error) {
	params := map[string]interface{}{
		"symbol":  c.toCoinstoreSymbol(symbol),
		"side":    strings.ToUpper(side),
		"ordType": "MARKET",
	}

	// Market buy задаётся суммой в quote (ordAmt), sell - объёмом (ordQty)
	if side == SideBuy {
		params["ordAmt"] = strconv.FormatFloat(qty*refPrice, 'f', -1, 64)
	} else {
		params["ordQty"] = strconv.FormatFloat(qty, 'f', -1, 64)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/trade/order/place", nil, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrdID int64 `json:"ordId"`
		} `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &Order{
		ID:        strconv.FormatInt(resp.Data.OrdID, 10),
		Symbol:    symbol,
		Side:      side,
		Type:      TypeMarket,
		Quantity:  qty,
		Status:    StatusClosed,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Coinstore) PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64) (*Order, error) {
	params := map[string]interface{}{
		"symbol":   c.toCoinstoreSymbol(symbol),
		"side":     strings.ToUpper(side),
		"ordType":  "LIMIT",
		"ordPrice": strconv.FormatFloat(price, 'f', -1, 64),
		"ordQty":   strconv.FormatFloat(qty, 'f', -1, 64),
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/trade/order/place", nil, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			OrdID int64 `json:"ordId"`
		} `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &Order{
		ID:        strconv.FormatInt(resp.Data.OrdID, 10),
		Symbol:    symbol,
		Side:      side,
		Type:      TypeLimit,
		Quantity:  qty,
		Price:     price,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Coinstore) CancelOrder(ctx context.Context, orderID, symbol string) error {
	ordID, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid coinstore order id %q: %w", orderID, err)
	}

	params := map[string]interface{}{
		"symbol": c.toCoinstoreSymbol(symbol),
		"ordId":  ordID,
	}

	_, err = c.doRequest(ctx, http.MethodPost, "/trade/order/cancel", nil, params, true)
	return err
}

func (c *Coinstore) FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	query := url.Values{}
	query.Set("symbol", c.toCoinstoreSymbol(symbol))

	body, err := c.doRequest(ctx, http.MethodGet, "/v2/trade/order/active", query, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []coinstoreOrderData `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	orders := make([]*Order, 0, len(resp.Data))
	for i := range resp.Data {
		orders = append(orders, c.toOrder(symbol, &resp.Data[i]))
	}

	return orders, nil
}

// FetchOrder определяет состояние ордера через список активных ордеров.
//
// Coinstore не отдаёт статус завершённого ордера, поэтому:
// id присутствует в активных => open; отсутствует => исполнен (closed).
// Отменённый нами ордер тоже исчезает из списка - вызывающая сторона
// различает эти случаи тем, что после собственной отмены статус ордера
// уже не запрашивается.
func (c *Coinstore) FetchOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	open, err := c.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	for _, o := range open {
		if o.ID == orderID {
			return o, nil
		}
	}

	return &Order{
		ID:     orderID,
		Symbol: symbol,
		Status: StatusClosed,
	}, nil
}

func (c *Coinstore) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	params := map[string]interface{}{
		"symbolCodes": []string{c.toCoinstoreSymbol(symbol)},
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v2/public/config/spot/symbols", nil, params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			SymbolCode string `json:"symbolCode"`
			TickSz     string `json:"tickSz"`
			LotSz      string `json:"lotSz"`
			MinLmtSz   string `json:"minLmtSz"`
			MinMktVa   string `json:"minMktVa"`
		} `json:"data"`
	}
	if err := coinstoreJSON.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("symbol config not found for %s", symbol)
	}

	info := resp.Data[0]
	return &Limits{
		Symbol:      symbol,
		MinQty:      c.parseFloat(info.MinLmtSz, "minLmtSz"),
		QtyStep:     c.parseFloat(info.LotSz, "lotSz"),
		MinNotional: c.parseFloat(info.MinMktVa, "minMktVa"),
		PriceStep:   c.parseFloat(info.TickSz, "tickSz"),
	}, nil
}

func (c *Coinstore) Close() error {
	CloseHTTPClient(c.httpClient)
	c.connected = false
	return nil
}

// coinstoreOrderData - сырой активный ордер
type coinstoreOrderData struct {
	OrdID    int64  `json:"ordId"`
	Side     string `json:"side"`
	OrdType  string `json:"ordType"`
	OrdPrice string `json:"ordPrice"`
	OrdQty   string `json:"ordQty"`
	CumQty   string `json:"cumQty"`
	Timestamp int64 `json:"timestamp"`
}

// toOrder нормализует сырой ордер Coinstore в общий тип
func (c *Coinstore) toOrder(symbol string, d *coinstoreOrderData) *Order {
	return &Order{
		ID:        strconv.FormatInt(d.OrdID, 10),
		Symbol:    symbol,
		Side:      strings.ToLower(d.Side),
		Type:      strings.ToLower(d.OrdType),
		Quantity:  c.parseFloat(d.OrdQty, "ordQty"),
		Price:     c.parseFloat(d.OrdPrice, "ordPrice"),
		FilledQty: c.parseFloat(d.CumQty, "cumQty"),
		Status:    StatusOpen, // в активном списке => открыт
		CreatedAt: time.UnixMilli(d.Timestamp),
	}
}

// toCoinstoreSymbol конвертирует символ в формат Coinstore (BTC_USDT -> BTCUSDT)
func (c *Coinstore) toCoinstoreSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "_", "")
}
