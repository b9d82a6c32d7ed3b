package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/internal/errs"
)

var key = []byte("secret")

func TestIssueVerify(t *testing.T) {
	tok, exp, err := Issue(key, "alice", time.Now(), time.Hour)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Second)

	sub, err := Verify(key, tok)
	require.NoError(t, err)
	require.Equal(t, "alice", sub)
}

func TestIssue_EmptyUser(t *testing.T) {
	_, _, err := Issue(key, " ", time.Now(), time.Hour)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Now()

	expired, _, err := Issue(key, "alice", now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	future, _, err := Issue(key, "alice", now.Add(time.Hour), time.Hour)
	require.NoError(t, err)

	wrongKey, _, err := Issue([]byte("other"), "alice", now, time.Hour)
	require.NoError(t, err)

	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(key)
	require.NoError(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(key)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":   expired,
		"nbf":       future,
		"wrong key": wrongKey,
		"alg":       hs384,
		"subject":   noSub,
		"garbage":   "this-is-not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(key, tok)
			require.ErrorIs(t, err, errs.ErrUnauthorized)
		})
	}
}

func TestVerify_LeewayAllowsSmallSkew(t *testing.T) {
	tok, _, err := Issue(key, "alice", time.Now().Add(10*time.Second), time.Hour)
	require.NoError(t, err)
	_, err = Verify(key, tok)
	require.NoError(t, err)
}
