// Package sessiontoken реализует выпуск и разбор токенов сессии устройства.
//
// Сессия выдаётся анонимной установке приложения: клиент обменивает свой
// install id на короткоживущий bearer-токен и дальше ходит с ним на
// аутентифицированные ручки биллинга.
package sessiontoken

import (
	"time"
)

// Maker описывает интерфейс для выпуска и разбора токенов сессии.
type Maker interface {
	// GenerateToken выпускает токен для пары install id + платформа
	// и возвращает момент его истечения.
	GenerateToken(installID, platform string) (string, time.Time, error)
	// ParseToken возвращает *CustomClaims с install id и платформой
	ParseToken(tokenStr string) (*CustomClaims, error)
}

// MakerImpl реализует интерфейс Maker с использованием секретного ключа
// и времени жизни токена (TTL).
type MakerImpl struct {
	secretKey string        // Секретный ключ для подписи токенов.
	tokenTTL  time.Duration // Время жизни токена.
}

// NewMaker создаёт новый экземпляр MakerImpl на основе секретного ключа и TTL.
func NewMaker(secretKey string, ttl time.Duration) *MakerImpl {
	return &MakerImpl{
		secretKey: secretKey,
		tokenTTL:  ttl,
	}
}
