// Package devoverride — тестовый слой поверх движка entitlement для
// локальной разработки и QA.
//
// Override хранит локально трёхпозиционный цикл trial → paid → expired → none
// и, пока активен, полностью замещает настоящий движок: никакой сети и
// никакого магазина. Выбор между Override и настоящим движком делается один
// раз при сборке приложения и только в dev-окружении — в продакшен-сборке
// этот слой недостижим.
package devoverride

import (
	"errors"
	"log/slog"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/client/kvstore"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
)

// Состояния цикла override.
const (
	StateTrial   = "trial"
	StatePaid    = "paid"
	StateExpired = "expired"
	StateNone    = "none"
)

// Ключ состояния в локальном хранилище.
const keyOverride = "dev_override"

// cycle — порядок переключения состояний.
var cycle = []string{StateTrial, StatePaid, StateExpired, StateNone}

// Override управляет тестовым состоянием entitlement.
type Override struct {
	store kvstore.Store
	log   *slog.Logger
}

// New создаёт Override поверх локального хранилища.
func New(store kvstore.Store, log *slog.Logger) *Override {
	return &Override{store: store, log: log}
}

// State возвращает текущее состояние цикла; по умолчанию none.
func (o *Override) State() string {
	raw, err := o.store.Get(keyOverride)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			o.log.Warn("failed to read dev override", sl.Err(err))
		}
		return StateNone
	}
	for _, s := range cycle {
		if raw == s {
			return raw
		}
	}
	return StateNone
}

// Cycle переключает состояние на следующее в цикле и сохраняет его.
func (o *Override) Cycle() string {
	current := o.State()
	next := cycle[0]
	for i, s := range cycle {
		if s == current {
			next = cycle[(i+1)%len(cycle)]
			break
		}
	}
	if err := o.store.Set(keyOverride, next); err != nil {
		o.log.Warn("failed to persist dev override", sl.Err(err))
	}
	o.log.Info("dev override cycled",
		slog.String("from", current), slog.String("to", next))
	return next
}

// Active отвечает, замещает ли override настоящий движок.
func (o *Override) Active() bool {
	return o.State() != StateNone
}

// IsFullAccess возвращает решение о доступе для текущего состояния:
// trial и paid дают полный доступ, expired и none — нет.
func (o *Override) IsFullAccess() bool {
	switch o.State() {
	case StateTrial, StatePaid:
		return true
	default:
		return false
	}
}

// ExpiresAt возвращает условный срок действия для UI:
// trial — неделя вперёд, paid — год вперёд, иначе nil.
func (o *Override) ExpiresAt() *time.Time {
	var expires time.Time
	switch o.State() {
	case StateTrial:
		expires = time.Now().Add(7 * 24 * time.Hour)
	case StatePaid:
		expires = time.Now().Add(365 * 24 * time.Hour)
	default:
		return nil
	}
	return &expires
}
