package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/lunaria-app/entitlement-engine/internal/http/middlewarectx"
	"github.com/lunaria-app/entitlement-engine/internal/models"
	"github.com/lunaria-app/entitlement-engine/internal/services/entitlement"
)

// MockService реализует интерфейс verify.Service
type MockService struct {
	mock.Mock
}

func (m *MockService) Verify(ctx context.Context, installID string, req models.VerifyRequest) (*models.StatusResponse, error) {
	args := m.Called(ctx, installID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StatusResponse), args.Error(1)
}

func TestVerifyHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	installID := "2b1e8a74-4f1c-4c14-9b3a-6f4a1f0d9c01"

	iosRequest := models.VerifyRequest{
		Platform:      models.PlatformIOS,
		SKU:           "lunaria.monthly",
		TransactionID: "2000000123456789",
	}

	tests := []struct {
		name           string
		ctxInstallID   string
		requestBody    interface{}
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:         "успешная верификация iOS покупки",
			ctxInstallID: installID,
			requestBody:  iosRequest,
			setupMock: func(m *MockService) {
				m.On("Verify", mock.Anything, installID, iosRequest).
					Return(&models.StatusResponse{Entitlement: models.EntitlementFull}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"entitlement":"full"`,
		},
		{
			name:           "нет install id в контексте",
			ctxInstallID:   "",
			requestBody:    iosRequest,
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"status":"Error","error":"unauthorized"}`,
		},
		{
			name:           "некорректный JSON",
			ctxInstallID:   installID,
			requestBody:    "not a json",
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"Error","error":"invalid request body"}`,
		},
		{
			name:           "ошибка валидации",
			ctxInstallID:   installID,
			requestBody:    models.VerifyRequest{Platform: models.PlatformIOS},
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `"status":"Error"`,
		},
		{
			name:         "заявка без платформенных полей",
			ctxInstallID: installID,
			requestBody: models.VerifyRequest{
				Platform: models.PlatformIOS,
				SKU:      "lunaria.monthly",
			},
			setupMock: func(m *MockService) {
				m.On("Verify", mock.Anything, installID, models.VerifyRequest{
					Platform: models.PlatformIOS,
					SKU:      "lunaria.monthly",
				}).Return(nil, entitlement.ErrBadRequest)
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"Error","error":"invalid verify request"}`,
		},
		{
			name:         "верификатор недоступен",
			ctxInstallID: installID,
			requestBody:  iosRequest,
			setupMock: func(m *MockService) {
				m.On("Verify", mock.Anything, installID, iosRequest).
					Return(nil, entitlement.ErrVerifierUnavailable)
			},
			expectedStatus: http.StatusBadGateway,
			expectedBody:   `{"status":"Error","error":"verification unavailable"}`,
		},
		{
			name:         "внутренняя ошибка сервиса",
			ctxInstallID: installID,
			requestBody:  iosRequest,
			setupMock: func(m *MockService) {
				m.On("Verify", mock.Anything, installID, iosRequest).
					Return(nil, errors.New("database error"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"status":"Error","error":"could not verify purchase"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)

			handler := New(logger, mockService)

			var body []byte
			var err error
			if str, ok := tt.requestBody.(string); ok {
				body = []byte(str)
			} else {
				body, err = json.Marshal(tt.requestBody)
				assert.NoError(t, err)
			}

			req := httptest.NewRequest(http.MethodPost, "/billing/verify", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if tt.ctxInstallID != "" {
				ctx := context.WithValue(req.Context(), middlewarectx.InstallID, tt.ctxInstallID)
				req = req.WithContext(ctx)
			}

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)

			mockService.AssertExpectations(t)
		})
	}
}
