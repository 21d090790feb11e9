package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// CREDENTIALS
// ============================================================================

// Credential is a stored secret. Ciphertext is AES-256-GCM over the
// password; plaintext exists only inside the secrets broker.
type Credential struct {
	Host       string    `json:"host"`
	Purpose    string    `json:"purpose"`
	Username   string    `json:"username"`
	Ciphertext []byte    `json:"-"`
	Domain     string    `json:"domain,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UpsertCredential writes or replaces the secret for (host, purpose).
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (host, purpose, username, ciphertext, domain)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (host, purpose) DO UPDATE SET
			username = EXCLUDED.username,
			ciphertext = EXCLUDED.ciphertext,
			domain = EXCLUDED.domain,
			updated_at = now()`,
		c.Host, c.Purpose, c.Username, c.Ciphertext, c.Domain)
	if err != nil {
		return s.fail(err, "upsert credential")
	}
	return nil
}

// GetCredential returns the secret for (host, purpose).
func (s *Store) GetCredential(ctx context.Context, host, purpose string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT host, purpose, username, ciphertext, domain, created_at, updated_at
		 FROM credentials WHERE host = $1 AND purpose = $2`,
		host, purpose).Scan(&c.Host, &c.Purpose, &c.Username, &c.Ciphertext,
		&c.Domain, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "no credential for %s/%s", host, purpose)
	}
	if err != nil {
		return nil, s.fail(err, "get credential")
	}
	return &c, nil
}

// DeleteCredential removes the secret for (host, purpose).
func (s *Store) DeleteCredential(ctx context.Context, host, purpose string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE host = $1 AND purpose = $2`,
		host, purpose)
	if err != nil {
		return s.fail(err, "delete credential")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Newf(faults.KindNotFound, "no credential for %s/%s", host, purpose)
	}
	return nil
}

// AppendCredentialAudit writes one append-only vault access record. Audit
// rows never carry secret material.
func (s *Store) AppendCredentialAudit(ctx context.Context, actor, host, purpose, action, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_audit (actor, host, purpose, action, outcome)
		 VALUES ($1, $2, $3, $4, $5)`,
		actor, host, purpose, action, outcome)
	if err != nil {
		return s.fail(err, "append credential audit")
	}
	return nil
}
