// Package access хранит локальный кэш последнего известного entitlement
// и вычисляет grace-политику на случай недоступности бэкенда.
//
// Кэш никогда не является источником права доступа: он пишется после каждого
// успешного ответа бэкенда и читается только тогда, когда бэкенд не ответил.
// Grace — временный, неавторитетный доступ; явный ответ "free" от бэкенда
// grace никогда не перекрывает.
package access

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/client/kvstore"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// Окна grace-политики.
const (
	// freshInstallWindow — новый пользователь не блокируется транзиентным
	// сбоем бэкенда в течение окна оценки приложения.
	freshInstallWindow = 72 * time.Hour
	// priorAccessWindow — оплаченный доступ переживает короткий сбой,
	// если последняя успешная проверка была недавно.
	priorAccessWindow = 24 * time.Hour
)

// Ключ кэша в локальном хранилище.
const keyAccessCache = "access_cache"

// Policy вычисляет grace-право и управляет кэшем доступа.
type Policy struct {
	store       kvstore.Store
	installedAt time.Time
	log         *slog.Logger
}

// New создаёт Policy для установки с данным моментом установки.
func New(store kvstore.Store, installedAt time.Time, log *slog.Logger) *Policy {
	return &Policy{store: store, installedAt: installedAt, log: log}
}

// SetAccessCache сохраняет последний известный entitlement.
// Вызывается безусловно после каждого успешного ответа бэкенда.
func (p *Policy) SetAccessCache(access string, expiresAt *string) {
	now := time.Now()
	cache := models.AccessCache{
		LastKnownAccess: access,
		LastVerifiedAt:  &now,
		ExpiresAt:       expiresAt,
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	if err := p.store.Set(keyAccessCache, string(data)); err != nil {
		p.log.Warn("failed to persist access cache", sl.Err(err))
	}
}

// ReadCache возвращает сохранённый кэш или nil, если его нет.
func (p *Policy) ReadCache() *models.AccessCache {
	raw, err := p.store.Get(keyAccessCache)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			p.log.Warn("failed to read access cache", sl.Err(err))
		}
		return nil
	}
	var cache models.AccessCache
	if err := json.Unmarshal([]byte(raw), &cache); err != nil {
		p.log.Warn("corrupt access cache, discarding", sl.Err(err))
		return nil
	}
	return &cache
}

// CheckGraceEligibility вычисляет grace-право. Вызывается только после
// неудачного обращения к бэкенду. Два независимых условия проверяются
// по порядку, выигрывает первое; иначе доступ закрывается.
func (p *Policy) CheckGraceEligibility(now time.Time) models.GraceResult {
	if age := now.Sub(p.installedAt); age < freshInstallWindow {
		return models.GraceResult{
			ShouldGrantGrace: true,
			Reason:           models.GraceFreshInstall,
			HoursRemaining:   (freshInstallWindow - age).Hours(),
		}
	}

	cache := p.ReadCache()
	if cache != nil && cache.LastKnownAccess == models.EntitlementFull && cache.LastVerifiedAt != nil {
		if since := now.Sub(*cache.LastVerifiedAt); since < priorAccessWindow {
			return models.GraceResult{
				ShouldGrantGrace: true,
				Reason:           models.GracePriorAccess,
				HoursRemaining:   (priorAccessWindow - since).Hours(),
			}
		}
	}

	return models.GraceResult{Reason: models.GraceNone}
}
