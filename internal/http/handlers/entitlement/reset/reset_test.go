package reset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) ResetSubscribedFlag(ctx context.Context, userUID string) error {
	return m.Called(ctx, userUID).Error(0)
}

func TestResetHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{name: "reset", expectedStatus: http.StatusNoContent},
		{name: "storage down", err: fmt.Errorf("storage.ResetHasSubscribed: %w", errs.ErrRemoteUnavailable), expectedStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("ResetSubscribedFlag", mock.Anything, "user-1").Return(tt.err).Once()

			req := httptest.NewRequest(http.MethodDelete, "/api/v1/entitlement/subscribed-flag", nil)
			req = req.WithContext(context.WithValue(req.Context(), middlewarectx.UserUID, "user-1"))
			rr := httptest.NewRecorder()
			New(logger, svc).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			svc.AssertExpectations(t)
		})
	}
}
