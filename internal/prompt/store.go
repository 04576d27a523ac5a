package prompt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imTariful/LLM-evaluation/internal/storage"
	"github.com/imTariful/LLM-evaluation/migrations"
)

const versionColumns = `v.id, v.prompt_id, p.name, v.version, v.system_template, v.user_template,
	v.model_config, v.constraints, v.parent_version_id, v.author, v.is_active, v.created_at`

// SQLStore keeps prompts in the same database as traces. Queries are written
// with '?' placeholders and rebound per driver.
type SQLStore struct {
	db     *sql.DB
	driver string

	// SQLite allows one writer at a time.
	writeMu sync.Mutex
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("prompt store requires a database")
	}
	normalized, err := migrations.NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, driver: normalized, now: time.Now}, nil
}

func (s *SQLStore) q(query string) string {
	return migrations.Rebind(s.driver, query)
}

// write serializes writers on SQLite and retries lock contention.
func (s *SQLStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.driver == storage.DriverSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return storage.RetryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prompt transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit prompt transaction: %w", err)
		}
		return nil
	})
}

// CreatePrompt creates a prompt and its first version. The first version
// defaults to 1.0.0 and is always active.
func (s *SQLStore) CreatePrompt(ctx context.Context, name, description string, first NewVersion) (*Prompt, *Version, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, fmt.Errorf("%w: prompt name is required", ErrInvalidPrompt)
	}
	if strings.TrimSpace(first.Version) == "" {
		first.Version = "1.0.0"
	}
	first.Activate = true
	first.ParentVersionID = ""
	if err := first.Validate(); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	p := &Prompt{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: now}
	var created *Version
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO prompts (id, name, description, created_at) VALUES (?, ?, ?, ?)`),
			p.ID, p.Name, p.Description, storage.TimeArg(s.driver, now))
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrPromptExists, name)
			}
			return fmt.Errorf("insert prompt: %w", err)
		}
		created, err = s.insertVersion(ctx, tx, p, first, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	p.Versions = []*Version{created}
	return p, created, nil
}

// CreateVersion adds a version under an existing prompt. Without an explicit
// version string the highest existing version is bumped, and the new version
// records that version as its parent unless one is given.
func (s *SQLStore) CreateVersion(ctx context.Context, promptName string, in NewVersion) (*Version, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var created *Version
	err := s.write(ctx, func(tx *sql.Tx) error {
		p, err := s.promptByName(ctx, tx, promptName)
		if err != nil {
			return err
		}
		existing, err := s.queryVersions(ctx, tx, `WHERE v.prompt_id = ?`, p.ID)
		if err != nil {
			return err
		}

		if strings.TrimSpace(in.Version) == "" {
			latest := latestVersion(existing)
			if latest == nil {
				in.Version = "1.0.0"
			} else {
				if in.Version, err = NextVersion(latest.Version, in.Bump); err != nil {
					return err
				}
				if in.ParentVersionID == "" {
					in.ParentVersionID = latest.ID
				}
			}
		}
		for _, v := range existing {
			if v.Version == strings.TrimSpace(in.Version) {
				return fmt.Errorf("%w: %s@%s", ErrVersionExists, p.Name, v.Version)
			}
		}
		if in.ParentVersionID != "" && !containsVersionID(existing, in.ParentVersionID) {
			return fmt.Errorf("%w: parent version %q does not belong to prompt %q", ErrInvalidPrompt, in.ParentVersionID, p.Name)
		}

		created, err = s.insertVersion(ctx, tx, p, in, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *SQLStore) insertVersion(ctx context.Context, tx *sql.Tx, p *Prompt, in NewVersion, now time.Time) (*Version, error) {
	modelConfig, err := json.Marshal(in.ModelConfig)
	if err != nil {
		return nil, fmt.Errorf("encode model config: %w", err)
	}
	constraints, err := json.Marshal(in.Constraints)
	if err != nil {
		return nil, fmt.Errorf("encode constraints: %w", err)
	}

	v := &Version{
		ID:              uuid.NewString(),
		PromptID:        p.ID,
		PromptName:      p.Name,
		Version:         strings.TrimSpace(in.Version),
		SystemTemplate:  in.SystemTemplate,
		UserTemplate:    in.UserTemplate,
		ModelConfig:     in.ModelConfig,
		Constraints:     in.Constraints,
		ParentVersionID: in.ParentVersionID,
		Author:          in.Author,
		IsActive:        in.Activate,
		CreatedAt:       now,
	}

	if v.IsActive {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE prompt_versions SET is_active = ? WHERE prompt_id = ?`), false, p.ID); err != nil {
			return nil, fmt.Errorf("deactivate prompt versions: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO prompt_versions (
	id, prompt_id, version, system_template, user_template, model_config, constraints,
	parent_version_id, author, is_active, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.PromptID, v.Version, v.SystemTemplate, v.UserTemplate, string(modelConfig), string(constraints),
		storage.NullIfEmpty(v.ParentVersionID), v.Author, v.IsActive, storage.TimeArg(s.driver, now),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s@%s", ErrVersionExists, p.Name, v.Version)
		}
		return nil, fmt.Errorf("insert prompt version: %w", err)
	}
	return v, nil
}

// ActivateVersion makes id the single active version of its prompt.
func (s *SQLStore) ActivateVersion(ctx context.Context, id string) (*Version, error) {
	var activated *Version
	err := s.write(ctx, func(tx *sql.Tx) error {
		v, err := s.versionByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE prompt_versions SET is_active = ? WHERE prompt_id = ? AND id <> ?`), false, v.PromptID, v.ID); err != nil {
			return fmt.Errorf("deactivate prompt versions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE prompt_versions SET is_active = ? WHERE id = ?`), true, v.ID); err != nil {
			return fmt.Errorf("activate prompt version: %w", err)
		}
		v.IsActive = true
		activated = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// Resolve implements Resolver.
func (s *SQLStore) Resolve(ctx context.Context, ref Ref) (*Version, error) {
	if id := strings.TrimSpace(ref.VersionID); id != "" {
		return s.GetVersion(ctx, id)
	}
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: prompt name or version id is required", ErrNotFound)
	}

	versions, err := s.queryVersions(ctx, s.db, `WHERE p.name = ? AND v.is_active = ? ORDER BY v.created_at DESC, v.id DESC`, name, true)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no active version for %q", ErrNotFound, name)
	}
	return versions[0], nil
}

func (s *SQLStore) GetVersion(ctx context.Context, id string) (*Version, error) {
	return s.versionByID(ctx, s.db, id)
}

// ListPrompts returns every prompt with its versions, newest version first.
func (s *SQLStore) ListPrompts(ctx context.Context) ([]*Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM prompts ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	prompts := make([]*Prompt, 0)
	byID := make(map[string]*Prompt)
	for rows.Next() {
		var (
			p         Prompt
			createdAt any
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		if p.CreatedAt, err = storage.ScanTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse prompt created_at: %w", err)
		}
		prompts = append(prompts, &p)
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}

	versions, err := s.queryVersions(ctx, s.db, `ORDER BY v.created_at DESC, v.id DESC`)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if p, ok := byID[v.PromptID]; ok {
			p.Versions = append(p.Versions, v)
		}
	}
	return prompts, nil
}

// ListVersions returns the versions of one prompt, newest first.
func (s *SQLStore) ListVersions(ctx context.Context, promptName string) ([]*Version, error) {
	p, err := s.promptByName(ctx, s.db, promptName)
	if err != nil {
		return nil, err
	}
	return s.queryVersions(ctx, s.db, `WHERE v.prompt_id = ? ORDER BY v.created_at DESC, v.id DESC`, p.ID)
}

// ListActiveVersions returns the active version of every prompt.
func (s *SQLStore) ListActiveVersions(ctx context.Context) ([]*Version, error) {
	return s.queryVersions(ctx, s.db, `WHERE v.is_active = ? ORDER BY p.name ASC`, true)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) promptByName(ctx context.Context, q queryer, name string) (*Prompt, error) {
	var (
		p         Prompt
		createdAt any
	)
	err := q.QueryRowContext(ctx, s.q(`SELECT id, name, description, created_at FROM prompts WHERE name = ?`), strings.TrimSpace(name)).
		Scan(&p.ID, &p.Name, &p.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	if p.CreatedAt, err = storage.ScanTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse prompt created_at: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) versionByID(ctx context.Context, q queryer, id string) (*Version, error) {
	versions, err := s.queryVersions(ctx, q, `WHERE v.id = ?`, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: version %q", ErrNotFound, id)
	}
	return versions[0], nil
}

func (s *SQLStore) queryVersions(ctx context.Context, q queryer, clause string, args ...any) ([]*Version, error) {
	query := `SELECT ` + versionColumns + ` FROM prompt_versions v JOIN prompts p ON p.id = v.prompt_id ` + clause
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query prompt versions: %w", err)
	}
	defer rows.Close()

	versions := make([]*Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt versions: %w", err)
	}
	return versions, nil
}

func scanVersion(rows *sql.Rows) (*Version, error) {
	var (
		v           Version
		modelConfig []byte
		constraints []byte
		parentID    sql.NullString
		createdAt   any
	)
	if err := rows.Scan(
		&v.ID, &v.PromptID, &v.PromptName, &v.Version, &v.SystemTemplate, &v.UserTemplate,
		&modelConfig, &constraints, &parentID, &v.Author, &v.IsActive, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("scan prompt version: %w", err)
	}
	if len(modelConfig) > 0 {
		if err := json.Unmarshal(modelConfig, &v.ModelConfig); err != nil {
			return nil, fmt.Errorf("decode model config of version %s: %w", v.ID, err)
		}
	}
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &v.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints of version %s: %w", v.ID, err)
		}
	}
	v.ParentVersionID = parentID.String
	var err error
	if v.CreatedAt, err = storage.ScanTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse version created_at: %w", err)
	}
	return &v, nil
}

func latestVersion(versions []*Version) *Version {
	var (
		latest    *Version
		latestVer Semver
	)
	for _, v := range versions {
		parsed, err := ParseSemver(v.Version)
		if err != nil {
			continue
		}
		if latest == nil || latestVer.Less(parsed) {
			latest, latestVer = v, parsed
		}
	}
	return latest
}

func containsVersionID(versions []*Version, id string) bool {
	for _, v := range versions {
		if v.ID == id {
			return true
		}
	}
	return false
}
