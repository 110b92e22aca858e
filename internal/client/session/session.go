// Package session управляет токеном сессии устройства.
//
// Manager обменивает идентификатор установки на короткоживущий bearer-токен,
// кэширует его в памяти и локальном хранилище и перевыпускает при истечении.
// Токен считается валидным, только если до истечения остаётся больше часа,
// чтобы он не истёк посреди запроса.
//
// Конкурентные вызовы EnsureSession разделяют один сетевой запрос: все
// ожидающие получают результат единственного in-flight обращения к бэкенду.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/client/kvstore"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// Запас до истечения, после которого токен перевыпускается заранее.
const expiryBuffer = time.Hour

// Ключ сессии в локальном хранилище.
const keySession = "session"

// Starter описывает запрос новой сессии у бэкенда.
type Starter interface {
	StartSession(ctx context.Context, req models.StartSessionRequest) (*models.Session, error)
}

// Manager выдаёт валидный токен сессии, перевыпуская его при необходимости.
type Manager struct {
	starter    Starter
	store      kvstore.Store
	installID  string
	platform   string
	appVersion string
	log        *slog.Logger

	mu       sync.Mutex
	current  *models.Session
	inflight chan struct{} // закрывается, когда in-flight запрос завершён
	result   *models.Session
	err      error
}

// New создаёт Manager для данной установки.
func New(starter Starter, store kvstore.Store, installID, platform, appVersion string, log *slog.Logger) *Manager {
	return &Manager{
		starter:    starter,
		store:      store,
		installID:  installID,
		platform:   platform,
		appVersion: appVersion,
		log:        log,
	}
}

// EnsureSession возвращает валидный токен сессии.
//
// Сначала проверяется токен в памяти, затем в локальном хранилище; если
// обоих нет или они скоро истекут, запрашивается новая сессия. Конкурентные
// вызовы дожидаются единственного in-flight запроса.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.current != nil && m.valid(m.current) {
		token := m.current.Token
		m.mu.Unlock()
		return token, nil
	}

	if stored := m.loadStored(); stored != nil && m.valid(stored) {
		m.current = stored
		token := stored.Token
		m.mu.Unlock()
		return token, nil
	}

	return m.startShared(ctx)
}

// RefreshSession сбрасывает сохранённую сессию и принудительно выпускает
// новую. Вызовы во время in-flight запроса присоединяются к нему.
func (m *Manager) RefreshSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.inflight == nil {
		m.current = nil
		if err := m.store.Delete(keySession); err != nil {
			m.log.Warn("failed to clear stored session", sl.Err(err))
		}
	}
	return m.startShared(ctx)
}

// startShared запускает запрос сессии либо присоединяется к уже идущему.
// Вызывается с удерживаемым m.mu; освобождает его сам.
func (m *Manager) startShared(ctx context.Context) (string, error) {
	if m.inflight != nil {
		done := m.inflight
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.err != nil {
			return "", m.err
		}
		return m.result.Token, nil
	}

	done := make(chan struct{})
	m.inflight = done
	m.mu.Unlock()

	sess, err := m.starter.StartSession(ctx, models.StartSessionRequest{
		InstallID:  m.installID,
		Platform:   m.platform,
		AppVersion: m.appVersion,
		DeviceTime: time.Now().UTC().Format(time.RFC3339),
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.result, m.err = sess, err
	m.inflight = nil
	close(done)

	if err != nil {
		return "", fmt.Errorf("session.startShared: %w", err)
	}
	m.current = sess
	m.persist(sess)
	return sess.Token, nil
}

// valid отвечает, остаётся ли до истечения токена больше часа.
func (m *Manager) valid(sess *models.Session) bool {
	return time.Until(sess.ExpiresAt) > expiryBuffer
}

func (m *Manager) loadStored() *models.Session {
	raw, err := m.store.Get(keySession)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.log.Warn("failed to read stored session", sl.Err(err))
		}
		return nil
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		m.log.Warn("corrupt stored session, discarding", sl.Err(err))
		return nil
	}
	return &sess
}

func (m *Manager) persist(sess *models.Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := m.store.Set(keySession, string(data)); err != nil {
		m.log.Warn("failed to persist session", sl.Err(err))
	}
}
