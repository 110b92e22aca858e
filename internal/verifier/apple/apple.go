// Package apple реализует серверную верификацию транзакций через
// App Store Server API.
//
// Клиент сам выпускает ES256-токен для авторизации, запрашивает данные
// транзакции (Get Transaction Info), декодирует подписанный JWS-ответ и
// классифицирует состояние подписки. Подпись JWS повторно не проверяется:
// ответ получен напрямую из канала Apple по TLS.
//
// Ошибки не выходят за границу пакета: любой сбой транспорта или протокола
// возвращается структурированным результатом с Valid=false.
package apple

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lunaria-app/entitlement-engine/internal/config"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// Хосты App Store Server API.
const (
	productionURL = "https://api.storekit.itunes.apple.com"
	sandboxURL    = "https://api.storekit-sandbox.itunes.apple.com"
)

// Client — клиент App Store Server API.
type Client struct {
	keyID      string
	issuerID   string
	bundleID   string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
	baseURL    string
	sandbox    string
	log        *slog.Logger
}

// New создаёт клиент, загружая приватный ключ ES256 из файла,
// указанного в конфиге.
func New(cfg config.Apple, log *slog.Logger) (*Client, error) {
	const op = "verifier.apple.New"
	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return NewWithKey(cfg.KeyID, cfg.IssuerID, cfg.BundleID, pemBytes, log)
}

// NewWithKey создаёт клиент из PEM-ключа в памяти.
func NewWithKey(keyID, issuerID, bundleID string, pemKey []byte, log *slog.Logger) (*Client, error) {
	const op = "verifier.apple.NewWithKey"
	key, err := jwt.ParseECPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{
		keyID:      keyID,
		issuerID:   issuerID,
		bundleID:   bundleID,
		privateKey: key,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    productionURL,
		sandbox:    sandboxURL,
		log:        log,
	}, nil
}

// token выпускает ES256 JWT для авторизации в App Store Server API.
// Токен живёт час, выпускается на каждый запрос.
func (c *Client) token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": c.bundleID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = c.keyID
	return t.SignedString(c.privateKey)
}

// transactionInfoResponse — ответ Get Transaction Info.
type transactionInfoResponse struct {
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

// transactionPayload — декодированное тело JWS транзакции.
// Времена приходят в миллисекундах unix-эпохи.
type transactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	Environment           string `json:"environment"`
	Type                  string `json:"type"`
}

// VerifyTransaction запрашивает данные транзакции и классифицирует её.
//
// Сначала опрашивается production-хост; на 401/404 запрос повторяется на
// sandbox-хосте. Фактическое окружение берётся из декодированного ответа,
// а не из того, какой хост ответил.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID string) models.VerifyResult {
	const op = "verifier.apple.VerifyTransaction"
	log := c.log.With(slog.String("op", op), slog.String("transaction_id", transactionID))

	body, err := c.getTransactionInfo(ctx, c.baseURL, transactionID)
	if err != nil {
		log.Warn("production lookup failed, trying sandbox", sl.Err(err))
		body, err = c.getTransactionInfo(ctx, c.sandbox, transactionID)
	}
	if err != nil {
		log.Error("transaction lookup failed", sl.Err(err))
		return models.VerifyResult{Valid: false, Err: err.Error()}
	}

	var info transactionInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return models.VerifyResult{Valid: false, Err: fmt.Sprintf("%s: decode response: %v", op, err)}
	}

	var payload transactionPayload
	if err := decodeJWSPayload(info.SignedTransactionInfo, &payload); err != nil {
		return models.VerifyResult{Valid: false, Err: fmt.Sprintf("%s: decode jws: %v", op, err)}
	}

	return classify(payload, time.Now())
}

// classify превращает тело транзакции в VerifyResult.
//
// Возврат средств отзывает доступ немедленно, независимо от срока действия.
// Отсутствие expiresDate означает не-подписочную покупку — она бессрочна.
func classify(p transactionPayload, now time.Time) models.VerifyResult {
	res := models.VerifyResult{
		Valid:       true,
		ProductID:   p.ProductID,
		Environment: p.Environment,
	}
	if p.RevocationDate > 0 {
		res.Entitled = false
		res.Reason = models.ReasonRefunded
		return res
	}
	if p.ExpiresDate > 0 {
		expiresAt := time.UnixMilli(p.ExpiresDate)
		res.ExpiresAt = &expiresAt
		if expiresAt.After(now) {
			res.Entitled = true
		} else {
			res.Entitled = false
			res.Reason = models.ReasonExpired
		}
		return res
	}
	res.Entitled = true
	return res
}

func (c *Client) getTransactionInfo(ctx context.Context, base, transactionID string) ([]byte, error) {
	const op = "verifier.apple.getTransactionInfo"
	token, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	url := base + "/inApps/v1/transactions/" + transactionID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// decodeJWSPayload декодирует среднюю часть JWS (base64url без набивки)
// и разбирает её как JSON в v.
func decodeJWSPayload(jws string, v any) error {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return fmt.Errorf("malformed jws: %d parts", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
