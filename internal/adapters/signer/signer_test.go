package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	require.NoError(t, s.Enroll("agent-1", seed))

	payload := []byte(`{"jobId":"abc","description":"x"}`)
	sig, err := s.Sign(ctx, "agent-1", payload)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := s.Verify(ctx, "agent-1", payload, sig)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := []byte(`{"jobId":"abc","description":"y"}`)
	ok, err = s.Verify(ctx, "agent-1", tampered, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnrollHexSeed(t *testing.T) {
	s := New()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	require.NoError(t, s.EnrollHexSeed("agent-2", hex.EncodeToString(seed)))

	sig, err := s.Sign(context.Background(), "agent-2", []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, sig)
}

func TestSignUnknownAgent(t *testing.T) {
	s := New()
	_, err := s.Sign(context.Background(), "ghost", []byte("x"))
	require.Error(t, err)
}

func TestEnrollShortSeedRejected(t *testing.T) {
	s := New()
	err := s.Enroll("agent-3", []byte("too-short"))
	require.Error(t, err)
}
