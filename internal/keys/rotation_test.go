package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlead/backend/internal/fabric"
)

func testCreds(t *testing.T, c *Cipher, plaintexts ...string) []Credential {
	t.Helper()
	creds := make([]Credential, len(plaintexts))
	for i, p := range plaintexts {
		ct, err := c.Encrypt(p)
		require.NoError(t, err)
		creds[i] = Credential{Ciphertext: ct, Label: p, Active: true}
	}
	return creds
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("unit-test-secret")
	require.NoError(t, err)

	ct, err := c.Encrypt("sk-live-abc123")
	require.NoError(t, err)
	assert.NotContains(t, ct, "sk-live")

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", pt)

	// Two encryptions of the same plaintext differ (random salt + nonce).
	ct2, err := c.Encrypt("sk-live-abc123")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)

	_, err = c.Decrypt(ct[:len(ct)-8] + "AAAAAAAA")
	assert.Error(t, err)
}

func TestRotator_RoundRobinUnder429(t *testing.T) {
	kv := fabric.NewMemKV()
	cipher, _ := NewCipher("unit-test-secret")
	rot := NewRotator(kv, cipher, time.Minute)
	ctx := context.Background()

	creds := testCreds(t, cipher, "K1", "K2", "K3")

	sel, err := rot.Select(ctx, "B1", creds)
	require.NoError(t, err)
	assert.Equal(t, 0, sel.Index)
	assert.Equal(t, "K1", sel.APIKey)

	// Upstream 429 on K1: quarantine, re-select picks K2.
	require.NoError(t, rot.MarkRateLimited(ctx, "B1", 0))
	sel, err = rot.Select(ctx, "B1", creds)
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Index)
	assert.Equal(t, "K2", sel.APIKey)

	// Pointer advanced past K2: the next task selects K3 first, not K1.
	sel, err = rot.Select(ctx, "B1", creds)
	require.NoError(t, err)
	assert.Equal(t, 2, sel.Index)
	assert.Equal(t, "K3", sel.APIKey)
}

func TestRotator_SkipsQuarantinedAndInactive(t *testing.T) {
	kv := fabric.NewMemKV()
	cipher, _ := NewCipher("unit-test-secret")
	rot := NewRotator(kv, cipher, time.Minute)
	ctx := context.Background()

	creds := testCreds(t, cipher, "K1", "K2", "K3")
	creds[1].Active = false
	require.NoError(t, rot.MarkRateLimited(ctx, "B1", 0))

	sel, err := rot.Select(ctx, "B1", creds)
	require.NoError(t, err)
	assert.Equal(t, 2, sel.Index, "selection must never return a cooling or inactive key")
}

func TestRotator_AllKeysExhausted(t *testing.T) {
	kv := fabric.NewMemKV()
	cipher, _ := NewCipher("unit-test-secret")
	rot := NewRotator(kv, cipher, time.Minute)
	ctx := context.Background()

	creds := testCreds(t, cipher, "K1", "K2")
	require.NoError(t, rot.MarkRateLimited(ctx, "B1", 0))
	require.NoError(t, rot.MarkRateLimited(ctx, "B1", 1))

	_, err := rot.Select(ctx, "B1", creds)
	assert.ErrorIs(t, err, ErrAllKeysExhausted)
}

func TestRotator_CooldownExpires(t *testing.T) {
	kv := fabric.NewMemKV()
	cipher, _ := NewCipher("unit-test-secret")
	rot := NewRotator(kv, cipher, time.Minute)
	ctx := context.Background()

	creds := testCreds(t, cipher, "K1")

	now := time.Now()
	rot.now = func() time.Time { return now }
	require.NoError(t, rot.MarkRateLimited(ctx, "B1", 0))
	_, err := rot.Select(ctx, "B1", creds)
	require.ErrorIs(t, err, ErrAllKeysExhausted)

	// 61 s later the cooldown has lapsed.
	rot.now = func() time.Time { return now.Add(61 * time.Second) }
	sel, err := rot.Select(ctx, "B1", creds)
	require.NoError(t, err)
	assert.Equal(t, "K1", sel.APIKey)
}
