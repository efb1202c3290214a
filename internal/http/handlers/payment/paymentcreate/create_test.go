package paymentcreate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.InitiateResult), args.Error(1)
}

type noopVerifier struct{}

func (noopVerifier) Verify(context.Context, string, models.Plan) (*payment.VerifyResult, error) {
	return &payment.VerifyResult{Status: models.TransactionPending}, nil
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestPaymentCreateHandler_ServeHTTP(t *testing.T) {
	initiated := &payment.InitiateResult{
		Reference:   "FT-1",
		RedirectURL: "https://checkout.paystack.com/abc",
		AccessCode:  "abc",
		Amount:      250000,
		Currency:    "NGN",
	}

	tests := []struct {
		name           string
		requestBody    any
		userUID        string
		email          string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
		wantSession    bool
	}{
		{
			name:        "success - card payment",
			requestBody: Request{Plan: "monthly", Amount: 250000, Channel: "card"},
			userUID:     "user-1",
			email:       "user@example.com",
			setupMock: func(m *MockService) {
				m.On("Initiate", mock.Anything, payment.InitiateRequest{
					UserUID: "user-1", Email: "user@example.com", Plan: models.PlanMonthly, Amount: 250000, Channel: models.ChannelCard,
				}).Return(initiated, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   `{"status":"OK","data":{"reference":"FT-1","redirect_url":"https://checkout.paystack.com/abc","access_code":"abc","amount":250000,"currency":"NGN"}}`,
			wantSession:    true,
		},
		{
			name:        "success - mobile money with body email",
			requestBody: Request{Plan: "daily", Amount: 1000, Channel: "mobile_money", Email: "momo@example.com", Phone: "0551234987", Provider: "mtn"},
			userUID:     "user-1",
			setupMock: func(m *MockService) {
				m.On("Initiate", mock.Anything, payment.InitiateRequest{
					UserUID: "user-1", Email: "momo@example.com", Plan: models.PlanDaily, Amount: 1000, Channel: models.ChannelMobileMoney,
					ChannelMeta: &models.ChannelMeta{Phone: "0551234987", Provider: "mtn"},
				}).Return(initiated, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			wantSession:    true,
		},
		{
			name:           "invalid JSON",
			requestBody:    "not a json",
			userUID:        "user-1",
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"Error","error":"invalid request body"}`,
		},
		{
			name:           "trial plan is not purchasable",
			requestBody:    Request{Plan: "trial", Amount: 100, Channel: "card"},
			userUID:        "user-1",
			email:          "user@example.com",
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `{"status":"Error","error":"field Plan must be one of [daily monthly yearly]"}`,
		},
		{
			name:           "missing email",
			requestBody:    Request{Plan: "monthly", Amount: 250000, Channel: "card"},
			userUID:        "user-1",
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `{"status":"Error","error":"field Email is a required field"}`,
		},
		{
			name:           "missing user UID",
			requestBody:    Request{Plan: "monthly", Amount: 250000, Channel: "card"},
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"status":"Error","error":"unauthorized"}`,
		},
		{
			name:        "gateway unreachable",
			requestBody: Request{Plan: "monthly", Amount: 250000, Channel: "card"},
			userUID:     "user-1",
			email:       "user@example.com",
			setupMock: func(m *MockService) {
				m.On("Initiate", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("payment.Initiate: %w", errs.ErrGatewayUnreachable)).Once()
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `{"status":"Error","error":"service temporarily unavailable"}`,
		},
		{
			name:        "amount does not match plan",
			requestBody: Request{Plan: "monthly", Amount: 1, Channel: "card"},
			userUID:     "user-1",
			email:       "user@example.com",
			setupMock: func(m *MockService) {
				m.On("Initiate", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("payment.Initiate: %w", errs.ErrInvalidInput)).Once()
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `{"status":"Error","error":"invalid payment request"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMock(svc)
			sessions := redirect.NewRegistry(noopVerifier{}, redirect.NewClassifier("", ""), time.Hour, newNoopLogger())
			handler := New(newNoopLogger(), svc, sessions)

			var body []byte
			if s, ok := tt.requestBody.(string); ok {
				body = []byte(s)
			} else {
				body, _ = json.Marshal(tt.requestBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body))
			ctx := req.Context()
			if tt.userUID != "" {
				ctx = context.WithValue(ctx, middlewarectx.UserUID, tt.userUID)
				ctx = context.WithValue(ctx, middlewarectx.Email, tt.email)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req.WithContext(ctx))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedBody != "" {
				assert.JSONEq(t, tt.expectedBody, rr.Body.String())
			}
			_, opened := sessions.Get("FT-1")
			assert.Equal(t, tt.wantSession, opened)
			svc.AssertExpectations(t)
		})
	}
}
