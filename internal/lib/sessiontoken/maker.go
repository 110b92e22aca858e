package sessiontoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims описывает данные установки, хранящиеся в токене сессии.
type CustomClaims struct {
	InstallID            string `json:"install_id"` // Идентификатор установки
	Platform             string `json:"platform"`   // Платформа устройства
	jwt.RegisteredClaims        // Встроенные стандартные claims JWT (ExpiresAt, IssuedAt и пр.)
}

// GenerateToken создает токен сессии для заданных install id и платформы,
// подписывая его секретным ключом.
//
// Время жизни токена определяется полем tokenTTL.
func (m *MakerImpl) GenerateToken(installID, platform string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.tokenTTL)
	claims := CustomClaims{
		InstallID: installID,
		Platform:  platform,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseToken парсит токен сессии, проверяет его подпись и валидность,
// возвращает CustomClaims с данными, если токен корректен.
func (m *MakerImpl) ParseToken(tokenStr string) (*CustomClaims, error) {
	const op = "sessiontoken.ParseToken"
	token, err := jwt.ParseWithClaims(tokenStr, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: invalid token", op)
	}
	return claims, nil
}
