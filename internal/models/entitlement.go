// Package models содержит доменные структуры для работы с правами доступа (entitlement),
// а также вспомогательные типы для приёма данных из JSON-запросов клиента.
package models

import "time"

// Значения entitlement. Других значений не бывает: доступ либо полный, либо бесплатный.
const (
	EntitlementFull = "full"
	EntitlementFree = "free"
)

// Поддерживаемые платформы магазинов.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// EntitlementRecord представляет серверную запись о праве доступа устройства.
// Запись создаётся при первой успешной верификации покупки и далее только
// обновляется — на один install id всегда приходится ровно одна запись.
// Это единственный источник истины о доступе.
type EntitlementRecord struct {
	InstallID      string     // Идентификатор установки приложения
	Entitlement    string     // "full" или "free"
	Platform       string     // "ios" или "android"
	SKU            string     // SKU подписки, по которой выдан доступ
	PurchaseToken  *string    // Токен покупки Google Play (только android)
	TransactionID  *string    // Идентификатор транзакции App Store (только ios)
	ExpiresAt      *time.Time // Момент окончания подписки, nil — без срока
	LastVerifiedAt time.Time  // Время последней успешной верификации
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VerifyResult — единый результат работы верификатора платформы (Apple или Google).
// Verifier никогда не возвращает ошибку наружу: транспортные и протокольные сбои
// приходят с Valid=false и заполненным Err.
type VerifyResult struct {
	Valid       bool       // Ответ платформы получен и разобран
	Entitled    bool       // Подписка активна
	Reason      string     // Причина отказа: "refunded", "expired" и т.п.
	ProductID   string     // Идентификатор продукта по данным платформы
	ExpiresAt   *time.Time // Момент окончания по данным платформы
	Environment string     // "Sandbox" или "Production", из ответа платформы
	Err         string     // Текст ошибки при Valid=false
}

// Причины отказа в VerifyResult.
const (
	ReasonRefunded = "refunded"
	ReasonExpired  = "expired"
)
