package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relay-service/internal/apperr"
	"relay-service/internal/mocks"
	"relay-service/internal/models"
	"relay-service/internal/repositories"
)

func TestAuthenticate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name       string
		credential string
		lookup     string
		session    models.Session
		storeErr   error
		want       *apperr.Error
	}{
		{name: "bearer prefix stripped", credential: "Bearer tok", lookup: "tok", session: models.Session{UserID: 3, Active: true, ExpiresAt: &future}},
		{name: "bare credential", credential: "tok", lookup: "tok", session: models.Session{UserID: 3, Active: true}},
		{name: "lower case bearer with tab", credential: "bearer\t tok ", lookup: "tok", session: models.Session{UserID: 3, Active: true}},
		{name: "token starting with bearer", credential: "bearerish", lookup: "bearerish", session: models.Session{UserID: 3, Active: true}},
		{name: "unknown", credential: "tok", lookup: "tok", storeErr: repositories.ErrSessionNotFound, want: apperr.ErrInvalidCredential},
		{name: "expired", credential: "tok", lookup: "tok", session: models.Session{UserID: 3, Active: true, ExpiresAt: &past}, want: apperr.ErrInvalidCredential},
		{name: "inactive", credential: "tok", lookup: "tok", session: models.Session{UserID: 3}, want: apperr.ErrUserInactive},
		{name: "store down", credential: "tok", lookup: "tok", storeErr: errors.New("conn refused"), want: apperr.ErrUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := new(mocks.SessionRepositoryMock)
			repo.On("GetSession", mock.Anything, tc.lookup).Return(tc.session, tc.storeErr)
			a := NewAuthenticator(repo)
			a.now = func() time.Time { return now }

			s, err := a.Authenticate(context.Background(), tc.credential)
			if tc.want != nil {
				assert.True(t, errors.Is(err, tc.want), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 3, s.UserID)
		})
	}
}

func TestAuthenticateEmptyCredential(t *testing.T) {
	for _, credential := range []string{"", "   ", "Bearer", "Bearer  ", "bearer\t", "BEARER "} {
		repo := new(mocks.SessionRepositoryMock)
		a := NewAuthenticator(repo)

		_, err := a.Authenticate(context.Background(), credential)

		assert.True(t, errors.Is(err, apperr.ErrInvalidCredential), "credential %q: %v", credential, err)
		repo.AssertNotCalled(t, "GetSession", mock.Anything, mock.Anything)
	}
}
