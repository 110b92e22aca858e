// Package installid управляет стабильным анонимным идентификатором установки.
//
// Идентификатор генерируется один раз, сохраняется в локальном хранилище
// и переживает перезапуски приложения. Вместе с ним один раз сохраняется
// момент установки — он используется только grace-политикой.
//
// Пакет работает по принципу fail-open: если хранилище недоступно, установка
// получает свежий идентификатор на время жизни процесса, но приложение
// никогда не блокируется.
package installid

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunaria-app/entitlement-engine/internal/client/kvstore"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
)

// Ключи в локальном хранилище.
const (
	keyInstallID        = "install_id"
	keyInstallTimestamp = "install_timestamp"
)

// Identity выдаёт идентификатор и момент установки.
type Identity struct {
	store kvstore.Store
	log   *slog.Logger

	mu          sync.Mutex
	cachedID    string
	cachedStamp time.Time
}

// New создаёт Identity поверх локального хранилища.
func New(store kvstore.Store, log *slog.Logger) *Identity {
	return &Identity{store: store, log: log}
}

// InstallID возвращает сохранённый идентификатор установки, генерируя
// и сохраняя новый UUID при первом вызове. Повторные вызовы возвращают
// то же значение.
func (i *Identity) InstallID() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cachedID != "" {
		return i.cachedID
	}

	id, err := i.store.Get(keyInstallID)
	if err == nil && id != "" {
		i.cachedID = id
		return id
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		i.log.Warn("install id storage unavailable, using process-lifetime id", sl.Err(err))
	}

	id = uuid.NewString()
	if err := i.store.Set(keyInstallID, id); err != nil {
		i.log.Warn("failed to persist install id", sl.Err(err))
	}
	i.cachedID = id
	return id
}

// InstallTimestamp возвращает момент установки, сохраняя текущее время
// при первом вызове. Используется только для вычисления возраста установки.
func (i *Identity) InstallTimestamp() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.cachedStamp.IsZero() {
		return i.cachedStamp
	}

	raw, err := i.store.Get(keyInstallTimestamp)
	if err == nil {
		millis, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr == nil {
			i.cachedStamp = time.UnixMilli(millis)
			return i.cachedStamp
		}
		i.log.Warn("corrupt install timestamp, resetting", slog.String("raw", raw))
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		i.log.Warn("install timestamp storage unavailable", sl.Err(err))
	}

	now := time.Now()
	if err := i.store.Set(keyInstallTimestamp, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		i.log.Warn("failed to persist install timestamp", sl.Err(err))
	}
	i.cachedStamp = now
	return now
}
