package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// FAKE VAULT
// ============================================================================

type auditRow struct {
	actor, host, purpose, action, outcome string
}

type fakeVault struct {
	creds map[string]*store.Credential
	audit []auditRow
}

func newFakeVault() *fakeVault {
	return &fakeVault{creds: make(map[string]*store.Credential)}
}

func (v *fakeVault) key(host, purpose string) string { return host + "/" + purpose }

func (v *fakeVault) UpsertCredential(_ context.Context, c *store.Credential) error {
	v.creds[v.key(c.Host, c.Purpose)] = c
	return nil
}

func (v *fakeVault) GetCredential(_ context.Context, host, purpose string) (*store.Credential, error) {
	c, ok := v.creds[v.key(host, purpose)]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "no credential for %s/%s", host, purpose)
	}
	return c, nil
}

func (v *fakeVault) DeleteCredential(_ context.Context, host, purpose string) error {
	if _, ok := v.creds[v.key(host, purpose)]; !ok {
		return faults.Newf(faults.KindNotFound, "no credential for %s/%s", host, purpose)
	}
	delete(v.creds, v.key(host, purpose))
	return nil
}

func (v *fakeVault) AppendCredentialAudit(_ context.Context, actor, host, purpose, action, outcome string) error {
	v.audit = append(v.audit, auditRow{actor, host, purpose, action, outcome})
	return nil
}

func newTestBroker(t *testing.T) (*Broker, *fakeVault) {
	t.Helper()
	cipher, err := NewCipher("test-master-key")
	require.NoError(t, err)

	vault := newFakeVault()
	b := NewBroker(vault, cipher, metrics.NewWith(prometheus.NewRegistry()), 2*time.Second)
	t.Cleanup(b.Close)
	return b, vault
}

// ============================================================================
// CIPHER
// ============================================================================

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher("master")
	require.NoError(t, err)

	ciphertext, err := cipher.Encrypt([]byte("s3cr3t!"))
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "s3cr3t")

	plaintext, err := cipher.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t!", string(plaintext))
}

func TestCipherNonceUnique(t *testing.T) {
	cipher, err := NewCipher("master")
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := cipher.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "same plaintext must not produce the same ciphertext")
}

func TestCipherRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher("key-one")
	require.NoError(t, err)
	c2, err := NewCipher("key-two")
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	require.Error(t, err)
}

// ============================================================================
// BROKER
// ============================================================================

func TestBrokerLookupReturnsHandleNotPassword(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, "admin", "web-prod-01", "ssh", "deploy", "hunter2", ""))

	res, err := b.Lookup(ctx, "engine", "web-prod-01", "ssh")
	require.NoError(t, err)
	assert.Equal(t, "deploy", res.Username)
	assert.NotEmpty(t, res.Handle)
	assert.NotContains(t, res.Handle, "hunter2")

	resolved, err := b.Redeem(ctx, "automation", res.Handle)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(resolved.Password))
	resolved.Destroy()
	assert.Nil(t, resolved.Password)
}

func TestBrokerHandleIsSingleUse(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, "admin", "db-01", "sql", "app", "pw", "corp"))
	res, err := b.Lookup(ctx, "engine", "db-01", "sql")
	require.NoError(t, err)

	_, err = b.Redeem(ctx, "automation", res.Handle)
	require.NoError(t, err)

	_, err = b.Redeem(ctx, "automation", res.Handle)
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestBrokerUnknownHandle(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Redeem(context.Background(), "automation", "cred_deadbeef")
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestBrokerLookupMissingCredential(t *testing.T) {
	b, vault := newTestBroker(t)

	_, err := b.Lookup(context.Background(), "engine", "nope", "ssh")
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))

	require.NotEmpty(t, vault.audit)
	last := vault.audit[len(vault.audit)-1]
	assert.Equal(t, "lookup", last.action)
	assert.Equal(t, "miss", last.outcome)
}

func TestBrokerAuditNeverCarriesPassword(t *testing.T) {
	b, vault := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, "admin", "host-a", "winrm", "svc", "TopSecret99", ""))
	res, err := b.Lookup(ctx, "engine", "host-a", "winrm")
	require.NoError(t, err)
	_, err = b.Redeem(ctx, "automation", res.Handle)
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "admin", "host-a", "winrm"))

	for _, row := range vault.audit {
		assert.NotContains(t, row.actor, "TopSecret99")
		assert.NotContains(t, row.host, "TopSecret99")
		assert.NotContains(t, row.outcome, "TopSecret99")
	}
	// upsert, lookup, redeem, delete
	assert.Len(t, vault.audit, 4)
}

func TestHandleStoreExpiry(t *testing.T) {
	hs := NewHandleStore(20*time.Millisecond, 10*time.Millisecond)
	defer hs.Close()

	handle, err := hs.Issue("engine", "h", "p")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, _, err = hs.Claim(handle)
	require.Error(t, err)
}
