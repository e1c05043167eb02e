// Package chat provides follow-up conversation over completed analyses:
// free-form Q&A grounded in the analysis results, plus structured
// summary and comparison operations.
package chat

import (
	"database/sql"
	"time"

	"github.com/ensembleworks/ensemble/errors"
)

// Message is one chat exchange (user message and assistant response).
type Message struct {
	ID                string    `json:"id"`
	AnalysisID        string    `json:"analysis_id"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	CreatedAt         time.Time `json:"created_at"`
}

// Store persists chat history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save persists a chat exchange.
func (s *Store) Save(m *Message) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_messages (id, analysis_id, user_message, assistant_response, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.AnalysisID, m.UserMessage, m.AssistantResponse, m.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert chat message")
	}
	return nil
}

// History returns the conversation for an analysis in chronological order.
func (s *Store) History(analysisID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, analysis_id, user_message, assistant_response, created_at
		FROM chat_messages WHERE analysis_id = ? ORDER BY created_at ASC, id ASC`,
		analysisID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load chat history")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AnalysisID, &m.UserMessage,
			&m.AssistantResponse, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan chat message")
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// Clear removes all chat history for an analysis.
func (s *Store) Clear(analysisID string) error {
	_, err := s.db.Exec("DELETE FROM chat_messages WHERE analysis_id = ?", analysisID)
	if err != nil {
		return errors.Wrap(err, "failed to clear chat history")
	}
	return nil
}
