package start

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// MockMaker реализует интерфейс start.TokenMaker
type MockMaker struct {
	mock.Mock
}

func (m *MockMaker) GenerateToken(installID, platform string) (string, time.Time, error) {
	args := m.Called(installID, platform)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}

func TestStartHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	expiresAt := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		requestBody    interface{}
		setupMock      func(*MockMaker)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "успешное создание сессии",
			requestBody: models.StartSessionRequest{
				InstallID:  "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01",
				Platform:   "ios",
				AppVersion: "2.4.1",
				DeviceTime: "2026-09-01T12:00:00Z",
			},
			setupMock: func(m *MockMaker) {
				m.On("GenerateToken", "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01", "ios").
					Return("session-token", expiresAt, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"sessionToken":"session-token"`,
		},
		{
			name:           "некорректный JSON",
			requestBody:    "not a json",
			setupMock:      func(_ *MockMaker) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"Error","error":"invalid request body"}`,
		},
		{
			name: "ошибка валидации",
			requestBody: models.StartSessionRequest{
				InstallID: "not-a-uuid",
				Platform:  "ios",
			},
			setupMock:      func(_ *MockMaker) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `"status":"Error"`,
		},
		{
			name: "неизвестная платформа",
			requestBody: models.StartSessionRequest{
				InstallID:  "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01",
				Platform:   "windows",
				AppVersion: "2.4.1",
				DeviceTime: "2026-09-01T12:00:00Z",
			},
			setupMock:      func(_ *MockMaker) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `platform must be ios or android`,
		},
		{
			name: "ошибка выпуска токена",
			requestBody: models.StartSessionRequest{
				InstallID:  "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01",
				Platform:   "android",
				AppVersion: "2.4.1",
				DeviceTime: "2026-09-01T12:00:00Z",
			},
			setupMock: func(m *MockMaker) {
				m.On("GenerateToken", "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01", "android").
					Return("", time.Time{}, errors.New("signing error"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"status":"Error","error":"could not start session"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMaker := new(MockMaker)
			tt.setupMock(mockMaker)

			handler := New(logger, mockMaker)

			var body []byte
			var err error
			if str, ok := tt.requestBody.(string); ok {
				body = []byte(str)
			} else {
				body, err = json.Marshal(tt.requestBody)
				assert.NoError(t, err)
			}

			req := httptest.NewRequest(http.MethodPost, "/session/start", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)

			mockMaker.AssertExpectations(t)
		})
	}
}
