package models

// StartSessionRequest используется для приёма данных запроса POST /session/start.
// Клиент обменивает install id на короткоживущий bearer-токен сессии.
type StartSessionRequest struct {
	InstallID  string `json:"installId" validate:"required,uuid"`   // Идентификатор установки
	Platform   string `json:"platform" validate:"required"`         // "ios" или "android"
	AppVersion string `json:"appVersion" validate:"required"`       // Версия приложения
	DeviceTime string `json:"deviceTime" validate:"required"`       // Время устройства, RFC3339
}

// StartSessionResponse — ответ на успешное создание сессии.
type StartSessionResponse struct {
	SessionToken string `json:"sessionToken"`
	ExpiresAt    string `json:"expiresAt"` // RFC3339
}

// StatusResponse — ответ на запрос статуса entitlement.
// ExpiresAt равен nil, если срок не задан или доступ бесплатный.
type StatusResponse struct {
	Entitlement string  `json:"entitlement"`
	ExpiresAt   *string `json:"expiresAt"`
}

// VerifyRequest используется для приёма данных запроса POST /billing/verify.
// Тело — это заявка клиента, а не доказательство: сервер обязан сам подтвердить
// покупку у платформы перед тем, как доверять этим полям.
// Платформозависимые поля проверяются в сервисе, а не тегами валидации.
type VerifyRequest struct {
	Platform           string `json:"platform" validate:"required"` // "ios" или "android"
	SKU                string `json:"sku" validate:"required"`      // SKU подписки
	TransactionID      string `json:"transactionId,omitempty"`      // ios: идентификатор текущей транзакции
	TransactionReceipt string `json:"transactionReceipt,omitempty"` // ios: чек, опционально (legacy)
	PurchaseToken      string `json:"purchaseToken,omitempty"`      // android: токен покупки
	PackageName        string `json:"packageName,omitempty"`        // android: имя пакета
	ProductID          string `json:"productId,omitempty"`          // android: идентификатор продукта
}
