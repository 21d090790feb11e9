package catalog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// Store persists tool versions in the tool_specs table. Every write creates
// a new immutable version; is_latest marks the single active row per tool.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const specColumns = `tool_name, version, platform, category, action_class,
	capabilities, patterns, inputs, expected_outputs, policy,
	enabled, is_latest, created_at, updated_at`

// CreateVersion inserts spec as the next version of its tool and flips
// is_latest inside one transaction. The stored version number is assigned
// here; any version on the input is ignored.
func (s *Store) CreateVersion(ctx context.Context, spec *ToolSpec) (*ToolSpec, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "begin tool version tx")
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM tool_specs WHERE tool_name = $1`,
		spec.ToolName).Scan(&next)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "next tool version")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tool_specs SET is_latest = FALSE WHERE tool_name = $1 AND is_latest = TRUE`,
		spec.ToolName); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "retire previous tool version")
	}

	capabilities, _ := json.Marshal(spec.Capabilities)
	patterns, _ := json.Marshal(spec.Patterns)
	inputs, _ := json.Marshal(spec.Inputs)
	outputs, _ := json.Marshal(spec.ExpectedOutputs)
	policy, _ := json.Marshal(spec.Policy)

	stored := *spec
	stored.Version = next
	stored.IsLatest = true

	err = tx.QueryRowContext(ctx,
		`INSERT INTO tool_specs (tool_name, version, platform, category, action_class,
			capabilities, patterns, inputs, expected_outputs, policy, enabled, is_latest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE)
		 RETURNING created_at, updated_at`,
		stored.ToolName, stored.Version, string(stored.Platform), stored.Category,
		string(stored.ActionClass), capabilities, patterns, inputs, outputs, policy,
		stored.Enabled).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, faults.Wrapf(faults.KindConflict, err, "tool %s version %d already exists", stored.ToolName, stored.Version)
		}
		return nil, faults.Wrap(faults.KindInternal, err, "insert tool version")
	}

	if err := tx.Commit(); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "commit tool version tx")
	}
	return &stored, nil
}

// GetLatest returns the active version of the named tool.
func (s *Store) GetLatest(ctx context.Context, name string) (*ToolSpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM tool_specs WHERE tool_name = $1 AND is_latest = TRUE`,
		name)
	spec, err := scanSpec(row)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "tool %s not found", name)
	}
	if err != nil {
		return nil, faults.Wrapf(faults.KindInternal, err, "get tool %s", name)
	}
	return spec, nil
}

// GetVersion returns one specific version of the named tool.
func (s *Store) GetVersion(ctx context.Context, name string, version int) (*ToolSpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM tool_specs WHERE tool_name = $1 AND version = $2`,
		name, version)
	spec, err := scanSpec(row)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "tool %s version %d not found", name, version)
	}
	if err != nil {
		return nil, faults.Wrapf(faults.KindInternal, err, "get tool %s version %d", name, version)
	}
	return spec, nil
}

// ListLatest returns the active version of every tool, enabled or not.
func (s *Store) ListLatest(ctx context.Context) ([]*ToolSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM tool_specs WHERE is_latest = TRUE ORDER BY tool_name`)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "list tools")
	}
	defer rows.Close()
	return collectSpecs(rows)
}

// ListByCapability returns enabled latest versions matching the platform and
// optional category. Cross-platform tools match every platform.
func (s *Store) ListByCapability(ctx context.Context, platform Platform, category string) ([]*ToolSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM tool_specs
		 WHERE is_latest = TRUE AND enabled = TRUE
		   AND (platform = $1 OR platform = 'cross' OR $1 = '')
		   AND ($2 = '' OR category = $2)
		 ORDER BY tool_name`,
		string(platform), category)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "list tools by capability")
	}
	defer rows.Close()
	return collectSpecs(rows)
}

// ListVersions returns every stored version of the named tool, newest
// first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]*ToolSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM tool_specs WHERE tool_name = $1 ORDER BY version DESC`,
		name)
	if err != nil {
		return nil, faults.Wrapf(faults.KindInternal, err, "list versions of tool %s", name)
	}
	defer rows.Close()

	specs, err := collectSpecs(rows)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, faults.Newf(faults.KindNotFound, "tool %s not found", name)
	}
	return specs, nil
}

// Rollback re-activates a prior version by cloning it as a new latest
// version, preserving the full version history.
func (s *Store) Rollback(ctx context.Context, name string, toVersion int) (*ToolSpec, error) {
	prior, err := s.GetVersion(ctx, name, toVersion)
	if err != nil {
		return nil, err
	}
	return s.CreateVersion(ctx, prior)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpec(row rowScanner) (*ToolSpec, error) {
	var (
		spec                                              ToolSpec
		platform, actionClass                             string
		capabilities, patterns, inputs, outputs, policyJS []byte
	)
	err := row.Scan(&spec.ToolName, &spec.Version, &platform, &spec.Category,
		&actionClass, &capabilities, &patterns, &inputs, &outputs, &policyJS,
		&spec.Enabled, &spec.IsLatest, &spec.CreatedAt, &spec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	spec.Platform = Platform(platform)
	spec.ActionClass = core.ActionClass(actionClass)
	if err := json.Unmarshal(capabilities, &spec.Capabilities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patterns, &spec.Patterns); err != nil {
		return nil, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &spec.Inputs); err != nil {
			return nil, err
		}
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &spec.ExpectedOutputs); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(policyJS, &spec.Policy); err != nil {
		return nil, err
	}
	return &spec, nil
}

func collectSpecs(rows *sql.Rows) ([]*ToolSpec, error) {
	specs := make([]*ToolSpec, 0)
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, faults.Wrap(faults.KindInternal, err, "scan tool spec")
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "iterate tool specs")
	}
	return specs, nil
}
