package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	s := NewJWTService("secret", 1)
	tok, err := s.Generate("100000000000000005", "Nova", RoleOrganizer)
	require.NoError(t, err)

	c, err := s.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "100000000000000005", c.UserID)
	assert.Equal(t, "Nova", c.Name)
	assert.Equal(t, RoleOrganizer, c.Role)

	uid, role, err := s.ValidateWS(tok)
	require.NoError(t, err)
	assert.Equal(t, "100000000000000005", uid)
	assert.Equal(t, RoleOrganizer, role)
}

func TestValidateRejects(t *testing.T) {
	s := NewJWTService("secret", 1)
	tok, err := s.Generate("1", "Nova", RoleAdmin)
	require.NoError(t, err)

	_, err = NewJWTService("other", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	later := NewJWTService("secret", 1)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = later.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Generate("1", "Nova", "root")
	assert.Error(t, err)
}
