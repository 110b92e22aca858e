// Package google реализует серверную верификацию подписок через
// Google Play Developer API.
//
// Авторизация — OAuth2 по сервисному аккаунту: клиент подписывает RS256 JWT
// и обменивает его на access token на token_uri аккаунта. Сначала опрашивается
// endpoint подписок v2; при любом сбое выполняется откат на v1 — часть
// подписок существует только в данных v1.
//
// Ошибки не выходят за границу пакета: любой сбой транспорта или протокола
// возвращается структурированным результатом с Valid=false.
package google

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lunaria-app/entitlement-engine/internal/config"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

const (
	defaultBaseURL = "https://androidpublisher.googleapis.com"
	oauthScope     = "https://www.googleapis.com/auth/androidpublisher"
	grantType      = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Состояния подписки v2, при которых доступ сохраняется.
const (
	stateActive        = "SUBSCRIPTION_STATE_ACTIVE"
	stateInGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
)

// serviceAccount — нужные поля JSON-файла сервисного аккаунта.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// Client — клиент Google Play Developer API.
type Client struct {
	email      string
	privateKey *rsa.PrivateKey
	tokenURI   string
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger

	mu             sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
}

// New создаёт клиент, загружая сервисный аккаунт из файла, указанного в конфиге.
func New(cfg config.Google, log *slog.Logger) (*Client, error) {
	const op = "verifier.google.New"
	raw, err := os.ReadFile(cfg.ServiceAccountPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return NewWithCredentials(sa.ClientEmail, sa.PrivateKey, sa.TokenURI, log)
}

// NewWithCredentials создаёт клиент из учётных данных в памяти.
func NewWithCredentials(email, privateKeyPEM, tokenURI string, log *slog.Logger) (*Client, error) {
	const op = "verifier.google.NewWithCredentials"
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{
		email:      email,
		privateKey: key,
		tokenURI:   tokenURI,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		log:        log,
	}, nil
}

// token возвращает действующий access token, обменивая подписанный JWT
// на token_uri при истечении кэшированного.
func (c *Client) token(ctx context.Context) (string, error) {
	const op = "verifier.google.token"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.email,
		"scope": oauthScope,
		"aud":   c.tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiresAt = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// subscriptionV2Response — ответ endpoint'а subscriptionsv2.
type subscriptionV2Response struct {
	SubscriptionState string `json:"subscriptionState"`
	LineItems         []struct {
		ProductID  string `json:"productId"`
		ExpiryTime string `json:"expiryTime"` // RFC3339
	} `json:"lineItems"`
}

// subscriptionV1Response — ответ устаревшего endpoint'а purchases.subscriptions.
type subscriptionV1Response struct {
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	CancelReason     *int   `json:"cancelReason,omitempty"`
	PaymentState     *int   `json:"paymentState,omitempty"`
}

// VerifySubscription проверяет подписку по токену покупки: сначала v2,
// при сбое — v1.
func (c *Client) VerifySubscription(ctx context.Context, packageName, subscriptionID, purchaseToken string) models.VerifyResult {
	const op = "verifier.google.VerifySubscription"
	log := c.log.With(slog.String("op", op), slog.String("subscription_id", subscriptionID))

	res, err := c.verifyV2(ctx, packageName, purchaseToken)
	if err == nil {
		return res
	}
	log.Warn("v2 lookup failed, falling back to v1", sl.Err(err))

	res, errV1 := c.verifyV1(ctx, packageName, subscriptionID, purchaseToken)
	if errV1 == nil {
		return res
	}
	log.Error("v1 lookup failed", sl.Err(errV1))

	return models.VerifyResult{Valid: false, Err: fmt.Sprintf("v2: %v; v1: %v", err, errV1)}
}

func (c *Client) verifyV2(ctx context.Context, packageName, purchaseToken string) (models.VerifyResult, error) {
	const op = "verifier.google.verifyV2"
	path := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/subscriptionsv2/tokens/%s",
		packageName, purchaseToken)
	body, err := c.get(ctx, path)
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	var sub subscriptionV2Response
	if err := json.Unmarshal(body, &sub); err != nil {
		return models.VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	res := models.VerifyResult{Valid: true}
	res.Entitled = sub.SubscriptionState == stateActive || sub.SubscriptionState == stateInGracePeriod
	if !res.Entitled {
		res.Reason = models.ReasonExpired
	}
	if len(sub.LineItems) > 0 {
		item := sub.LineItems[0]
		res.ProductID = item.ProductID
		if t, err := time.Parse(time.RFC3339, item.ExpiryTime); err == nil {
			res.ExpiresAt = &t
		}
	}
	return res, nil
}

// verifyV1 проверяет подписку через v1. cancelReason намеренно игнорируется:
// отменённая подписка сохраняет доступ до фактического истечения срока.
func (c *Client) verifyV1(ctx context.Context, packageName, subscriptionID, purchaseToken string) (models.VerifyResult, error) {
	const op = "verifier.google.verifyV1"
	path := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s",
		packageName, subscriptionID, purchaseToken)
	body, err := c.get(ctx, path)
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	var sub subscriptionV1Response
	if err := json.Unmarshal(body, &sub); err != nil {
		return models.VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	millis, err := strconv.ParseInt(sub.ExpiryTimeMillis, 10, 64)
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("%s: bad expiryTimeMillis: %w", op, err)
	}
	expiresAt := time.UnixMilli(millis)

	res := models.VerifyResult{
		Valid:     true,
		ProductID: subscriptionID,
		ExpiresAt: &expiresAt,
	}
	if expiresAt.After(time.Now()) {
		res.Entitled = true
	} else {
		res.Reason = models.ReasonExpired
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
