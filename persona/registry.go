package persona

import (
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/errors"
)

// Registry holds the available personas: builtins shipped with the
// binary, custom personas persisted in SQLite, and personas loaded from
// an external definitions file.
type Registry struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	builtins map[string]*Persona
	custom   map[string]*Persona
	fromFile map[string]*Persona
}

// NewRegistry creates a registry with the builtin personas and loads
// custom personas from the database.
func NewRegistry(db *sql.DB, logger *zap.SugaredLogger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	r := &Registry{
		db:       db,
		logger:   logger,
		builtins: make(map[string]*Persona),
		custom:   make(map[string]*Persona),
		fromFile: make(map[string]*Persona),
	}

	for _, p := range Builtins() {
		r.builtins[p.ID] = p
	}

	if db != nil {
		if err := r.loadCustom(); err != nil {
			return nil, errors.Wrap(err, "failed to load custom personas")
		}
	}

	return r, nil
}

func (r *Registry) loadCustom() error {
	rows, err := r.db.Query(`
		SELECT id, name, description, strategy, prompt_template, analysis_focus,
			output_format, temperature, max_tokens, required_inputs, created_by, created_at
		FROM personas`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			r.logger.Warnw("Skipping malformed persona row", "error", err)
			continue
		}
		r.custom[p.ID] = p
	}

	r.logger.Debugw("Loaded custom personas", "count", len(r.custom))
	return rows.Err()
}

func scanPersona(rows *sql.Rows) (*Persona, error) {
	var p Persona
	var strategy, outputFormat, focusJSON, inputsJSON string
	var temperature sql.NullFloat64
	var maxTokens sql.NullInt64

	err := rows.Scan(&p.ID, &p.Name, &p.Description, &strategy, &p.PromptTemplate,
		&focusJSON, &outputFormat, &temperature, &maxTokens, &inputsJSON,
		&p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	p.Strategy = Strategy(strategy)
	p.OutputFormat = OutputFormat(outputFormat)
	if temperature.Valid {
		t := temperature.Float64
		p.Temperature = &t
	}
	if maxTokens.Valid {
		m := int(maxTokens.Int64)
		p.MaxTokens = &m
	}
	if err := json.Unmarshal([]byte(focusJSON), &p.AnalysisFocus); err != nil {
		return nil, errors.Wrapf(err, "persona %s: bad analysis_focus", p.ID)
	}
	if err := json.Unmarshal([]byte(inputsJSON), &p.RequiredInputs); err != nil {
		return nil, errors.Wrapf(err, "persona %s: bad required_inputs", p.ID)
	}

	return &p, nil
}

// Get returns a persona by ID. Lookup order: builtin, file-defined, custom.
func (r *Registry) Get(id string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.builtins[id]; ok {
		return p, nil
	}
	if p, ok := r.fromFile[id]; ok {
		return p, nil
	}
	if p, ok := r.custom[id]; ok {
		return p, nil
	}

	return nil, errors.NewNotFoundError("persona not found: %s", id)
}

// List returns all personas sorted by ID.
func (r *Registry) List() []*Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Persona
	for _, m := range []map[string]*Persona{r.builtins, r.fromFile, r.custom} {
		for id, p := range m {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create validates and persists a custom persona. IDs must not collide
// with builtins or existing personas.
func (r *Registry) Create(p *Persona) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.builtins[p.ID]; ok {
		return errors.WithMessage(errors.ErrConflict,
			errors.Newf("persona %s is a builtin", p.ID).Error())
	}
	if _, ok := r.fromFile[p.ID]; ok {
		return errors.WithMessage(errors.ErrConflict,
			errors.Newf("persona %s is defined in the persona file", p.ID).Error())
	}
	if _, ok := r.custom[p.ID]; ok {
		return errors.WithMessage(errors.ErrConflict,
			errors.Newf("persona %s already exists", p.ID).Error())
	}

	p.Builtin = false
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	focusJSON, err := json.Marshal(p.AnalysisFocus)
	if err != nil {
		return errors.Wrap(err, "failed to marshal analysis focus")
	}
	inputsJSON, err := json.Marshal(p.RequiredInputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal required inputs")
	}

	var temperature any
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	var maxTokens any
	if p.MaxTokens != nil {
		maxTokens = *p.MaxTokens
	}

	_, err = r.db.Exec(`
		INSERT INTO personas (id, name, description, strategy, prompt_template,
			analysis_focus, output_format, temperature, max_tokens, required_inputs,
			created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, string(p.Strategy), p.PromptTemplate,
		string(focusJSON), string(p.OutputFormat), temperature, maxTokens,
		string(inputsJSON), p.CreatedBy, p.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert persona")
	}

	r.custom[p.ID] = p
	r.logger.Infow("Created persona", "id", p.ID, "name", p.Name)
	return nil
}

// Delete removes a custom persona. Builtins and file-defined personas
// cannot be deleted.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.builtins[id]; ok {
		return errors.WithMessage(errors.ErrForbidden,
			errors.Newf("builtin persona %s cannot be deleted", id).Error())
	}
	if _, ok := r.fromFile[id]; ok {
		return errors.WithMessage(errors.ErrForbidden,
			errors.Newf("persona %s is defined in the persona file", id).Error())
	}
	if _, ok := r.custom[id]; !ok {
		return errors.NewNotFoundError("persona not found: %s", id)
	}

	if _, err := r.db.Exec("DELETE FROM personas WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "failed to delete persona")
	}

	delete(r.custom, id)
	r.logger.Infow("Deleted persona", "id", id)
	return nil
}

// SetFilePersonas atomically replaces the file-defined persona set.
// Called by the file loader at startup and on hot reload.
func (r *Registry) SetFilePersonas(personas []*Persona) {
	next := make(map[string]*Persona, len(personas))
	for _, p := range personas {
		next[p.ID] = p
	}

	r.mu.Lock()
	r.fromFile = next
	r.mu.Unlock()

	r.logger.Infow("Loaded file-defined personas", "count", len(next))
}
