package models

import "time"

// Purchase — нормализованная кросс-платформенная запись о покупке.
// Формируется store-адаптером из ответа нативного SDK и живёт только в памяти
// на время потока покупки/восстановления: сразу потребляется верификацией,
// после чего транзакция финализируется в магазине.
// ios заполняет TransactionID/TransactionReceipt, android — PurchaseToken.
type Purchase struct {
	ProductID          string
	TransactionID      string
	PurchaseToken      string
	TransactionReceipt string
}

// ProductSubscription описывает подписку из каталога магазина.
type ProductSubscription struct {
	SKU          string
	Title        string
	Price        string
	OfferToken   string // android: токен оффера для покупки
	Subscription bool
}

// AccessCache — локально сохраняемая запись о последнем известном entitlement.
// Пишется после каждого успешного ответа бэкенда и читается только когда бэкенд
// недоступен, для вычисления grace-периода. Сама по себе доступ не даёт.
type AccessCache struct {
	LastKnownAccess string     `json:"last_known_access"` // "full", "free" или ""
	LastVerifiedAt  *time.Time `json:"last_verified_at"`
	ExpiresAt       *string    `json:"expires_at"`
}

// Причины выдачи grace-доступа.
const (
	GraceFreshInstall = "fresh_install"
	GracePriorAccess  = "prior_access"
	GraceNone         = "none"
)

// GraceResult — результат вычисления grace-политики. Не сохраняется:
// вычисляется заново при каждом неудачном обращении к бэкенду.
type GraceResult struct {
	ShouldGrantGrace bool
	Reason           string  // fresh_install, prior_access или none
	HoursRemaining   float64 // Сколько часов grace ещё остаётся
}

// Session — кэшируемый токен сессии с моментом истечения.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
