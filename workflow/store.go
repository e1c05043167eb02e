package workflow

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/errors"
)

// Store persists workflows and analyses in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a workflow store.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

// EnsureTemplates installs the builtin workflow templates that do not
// exist yet. Existing rows are left untouched so edits survive restarts.
func (s *Store) EnsureTemplates() error {
	templates := BuiltinTemplates()
	for _, id := range builtinTemplateOrder {
		personaIDs := templates[id]

		var exists int
		err := s.db.QueryRow("SELECT COUNT(*) FROM workflows WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "failed to check workflow template")
		}
		if exists > 0 {
			continue
		}

		w := &Workflow{
			ID:          id,
			Name:        id,
			Description: builtinTemplateDescriptions[id],
			PersonaIDs:  personaIDs,
			CreatedBy:   "system",
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.CreateWorkflow(w); err != nil {
			return errors.Wrapf(err, "failed to install template %s", id)
		}
		s.logger.Debugw("Installed workflow template", "id", id, "steps", len(personaIDs))
	}
	return nil
}

// CreateWorkflow persists a workflow.
func (s *Store) CreateWorkflow(w *Workflow) error {
	if w.Name == "" {
		return errors.NewInvalidRequestError("workflow name is required")
	}
	if len(w.PersonaIDs) == 0 {
		return errors.NewInvalidRequestError("workflow requires at least one persona")
	}

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	personaJSON, err := json.Marshal(w.PersonaIDs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal persona ids")
	}

	_, err = s.db.Exec(`
		INSERT INTO workflows (id, name, description, persona_ids, created_by, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Description, string(personaJSON), w.CreatedBy, w.Active, w.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert workflow")
	}

	return nil
}

// GetWorkflow returns a workflow by ID.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, persona_ids, created_by, active, created_at
		FROM workflows WHERE id = ?`, id)

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("workflow not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load workflow")
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var personaJSON string
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &personaJSON,
		&w.CreatedBy, &w.Active, &w.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(personaJSON), &w.PersonaIDs); err != nil {
		return nil, errors.Wrapf(err, "workflow %s: bad persona_ids", w.ID)
	}
	return &w, nil
}

// ListWorkflows returns all active workflows, newest first with the
// builtin templates keeping their insertion order.
func (s *Store) ListWorkflows() ([]*Workflow, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, persona_ids, created_by, active, created_at
		FROM workflows WHERE active = 1 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			s.logger.Warnw("Skipping malformed workflow row", "error", err)
			continue
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// SaveAnalysis persists a completed workflow run.
func (s *Store) SaveAnalysis(a *Analysis) error {
	stepsJSON, err := json.Marshal(a.Steps)
	if err != nil {
		return errors.Wrap(err, "failed to marshal steps")
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}

	_, err = s.db.Exec(`
		INSERT INTO analyses (id, workflow_id, document_name, user_id, steps, metadata,
			total_tokens, total_cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, a.DocumentName, a.Metadata.UserID,
		string(stepsJSON), string(metaJSON), a.TotalTokens, a.TotalCostUSD, a.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert analysis")
	}
	return nil
}

// GetAnalysis returns a stored analysis by ID.
func (s *Store) GetAnalysis(id string) (*Analysis, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, document_name, steps, metadata,
			total_tokens, total_cost_usd, created_at
		FROM analyses WHERE id = ?`, id)

	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("analysis not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load analysis")
	}
	return a, nil
}

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var a Analysis
	var stepsJSON, metaJSON string
	if err := row.Scan(&a.ID, &a.WorkflowID, &a.DocumentName, &stepsJSON, &metaJSON,
		&a.TotalTokens, &a.TotalCostUSD, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &a.Steps); err != nil {
		return nil, errors.Wrapf(err, "analysis %s: bad steps", a.ID)
	}
	if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
		return nil, errors.Wrapf(err, "analysis %s: bad metadata", a.ID)
	}
	return &a, nil
}

// ListAnalyses returns stored analyses, optionally filtered by user,
// newest first.
func (s *Store) ListAnalyses(userID string) ([]*Analysis, error) {
	query := `
		SELECT id, workflow_id, document_name, steps, metadata,
			total_tokens, total_cost_usd, created_at
		FROM analyses`
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list analyses")
	}
	defer rows.Close()

	var analyses []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			s.logger.Warnw("Skipping malformed analysis row", "error", err)
			continue
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}
