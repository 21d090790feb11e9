package secrets

import (
	"context"
	"log"
	"time"

	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/store"
)

// Vault is the persistence surface the broker needs; *store.Store satisfies
// it.
type Vault interface {
	UpsertCredential(ctx context.Context, c *store.Credential) error
	GetCredential(ctx context.Context, host, purpose string) (*store.Credential, error)
	DeleteCredential(ctx context.Context, host, purpose string) error
	AppendCredentialAudit(ctx context.Context, actor, host, purpose, action, outcome string) error
}

// LookupResult is what a lookup caller receives: a handle and a username,
// never the password.
type LookupResult struct {
	Handle   string `json:"handle"`
	Username string `json:"username"`
	Domain   string `json:"domain,omitempty"`
}

// Resolved is decrypted credential material, local to the redeeming step.
// Callers must call Destroy when the step ends.
type Resolved struct {
	Username string
	Password []byte
	Domain   string
}

// Destroy zeroizes the password bytes.
func (r *Resolved) Destroy() {
	Zero(r.Password)
	r.Password = nil
}

// Broker fronts the encrypted credential store. Every operation is audited;
// no path returns or logs plaintext.
type Broker struct {
	vault   Vault
	cipher  *Cipher
	handles *HandleStore
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewBroker wires the broker. handleTTL bounds how long an issued handle
// stays redeemable.
func NewBroker(vault Vault, cipher *Cipher, m *metrics.Metrics, handleTTL time.Duration) *Broker {
	return &Broker{
		vault:   vault,
		cipher:  cipher,
		handles: NewHandleStore(handleTTL, handleTTL/4),
		metrics: m,
		logger:  log.New(log.Writer(), "[SECRETS] ", log.LstdFlags),
	}
}

// Close stops the handle sweeper.
func (b *Broker) Close() {
	b.handles.Close()
}

// Upsert encrypts and stores a credential for (host, purpose).
func (b *Broker) Upsert(ctx context.Context, actor, host, purpose, username, password, domain string) error {
	if host == "" || purpose == "" || username == "" || password == "" {
		return faults.New(faults.KindValidation, "host, purpose, username and password are required")
	}

	ciphertext, err := b.cipher.Encrypt([]byte(password))
	if err != nil {
		b.audit(ctx, actor, host, purpose, "upsert", "error")
		return err
	}

	err = b.vault.UpsertCredential(ctx, &store.Credential{
		Host:       host,
		Purpose:    purpose,
		Username:   username,
		Ciphertext: ciphertext,
		Domain:     domain,
	})
	if err != nil {
		b.audit(ctx, actor, host, purpose, "upsert", "error")
		return err
	}
	b.audit(ctx, actor, host, purpose, "upsert", "ok")
	b.logger.Printf("credential stored host=%s purpose=%s", host, purpose)
	return nil
}

// Lookup issues a short-lived handle for (host, purpose). The password
// stays encrypted; only Redeem decrypts it.
func (b *Broker) Lookup(ctx context.Context, actor, host, purpose string) (*LookupResult, error) {
	cred, err := b.vault.GetCredential(ctx, host, purpose)
	if err != nil {
		outcome := "error"
		if faults.IsKind(err, faults.KindNotFound) {
			outcome = "miss"
		}
		b.metrics.RecordSecretsLookup(outcome)
		b.audit(ctx, actor, host, purpose, "lookup", outcome)
		return nil, err
	}

	handle, err := b.handles.Issue(actor, host, purpose)
	if err != nil {
		b.metrics.RecordSecretsLookup("error")
		b.audit(ctx, actor, host, purpose, "lookup", "error")
		return nil, err
	}

	b.metrics.RecordSecretsLookup("ok")
	b.audit(ctx, actor, host, purpose, "lookup", "ok")
	return &LookupResult{Handle: handle, Username: cred.Username, Domain: cred.Domain}, nil
}

// Redeem trades a handle for decrypted credential material. Handles are
// single-use; redeeming twice fails.
func (b *Broker) Redeem(ctx context.Context, actor, handle string) (*Resolved, error) {
	host, purpose, err := b.handles.Claim(handle)
	if err != nil {
		b.metrics.RecordSecretsLookup("invalid_handle")
		return nil, err
	}

	cred, err := b.vault.GetCredential(ctx, host, purpose)
	if err != nil {
		b.audit(ctx, actor, host, purpose, "redeem", "error")
		return nil, err
	}
	password, err := b.cipher.Decrypt(cred.Ciphertext)
	if err != nil {
		b.audit(ctx, actor, host, purpose, "redeem", "error")
		return nil, err
	}

	b.audit(ctx, actor, host, purpose, "redeem", "ok")
	return &Resolved{Username: cred.Username, Password: password, Domain: cred.Domain}, nil
}

// Release drops a handle that was issued but will not be redeemed.
func (b *Broker) Release(handle string) {
	b.handles.Revoke(handle)
}

// Delete removes the credential for (host, purpose).
func (b *Broker) Delete(ctx context.Context, actor, host, purpose string) error {
	err := b.vault.DeleteCredential(ctx, host, purpose)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if faults.IsKind(err, faults.KindNotFound) {
			outcome = "miss"
		}
	}
	b.audit(ctx, actor, host, purpose, "delete", outcome)
	return err
}

// ActiveHandles reports live handle count for diagnostics.
func (b *Broker) ActiveHandles() int {
	return b.handles.Active()
}

// audit appends a vault access record. Audit failures are logged, not
// propagated: losing one audit row must not fail the operation it records.
func (b *Broker) audit(ctx context.Context, actor, host, purpose, action, outcome string) {
	if err := b.vault.AppendCredentialAudit(ctx, actor, host, purpose, action, outcome); err != nil {
		b.logger.Printf("audit append failed action=%s host=%s: %v", action, host, err)
	}
}
