package openid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{}.Validate())
	require.Error(t, Config{Issuer: "https://idp.example.com"}.Validate())
	require.NoError(t, Config{Issuer: "https://idp.example.com", ClientID: "chartreg"}.Validate())
}

func TestUserFromClaims(t *testing.T) {
	user := userFromClaims(claims{
		Sub:               "abc123",
		Email:             "noel@example.com",
		Name:              "Noel",
		PreferredUsername: "noel",
	})
	require.Equal(t, "noel", user.Username)
	require.Equal(t, "noel@example.com", user.Email)
	require.Equal(t, "Noel", user.Name)

	// Without preferred_username the local part of the email is used.
	user = userFromClaims(claims{Email: "august@example.com"})
	require.Equal(t, "august", user.Username)
}
