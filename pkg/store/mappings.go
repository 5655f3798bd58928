package store

import (
	"context"
	"database/sql"
	"time"
)

// Mapping correlates a proxy session with an id owned by the external
// task-tracking service.
type Mapping struct {
	SessionID string  `json:"session_id"`
	TodoID    string  `json:"todo_id"`
	MissionID *string `json:"mission_id"`
	CreatedAt int64   `json:"created_at"`
}

// SaveMapping records (or replaces) the external mapping for a session.
func (s *Store) SaveMapping(ctx context.Context, sessionID, todoID string, missionID *string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threadcast_mappings (session_id, todo_id, mission_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			todo_id = excluded.todo_id,
			mission_id = excluded.mission_id`,
		sessionID, todoID, missionID, time.Now().Unix())
	return wrap("save mapping", err)
}

// GetMappingBySession returns the mapping for a session id, or nil.
func (s *Store) GetMappingBySession(ctx context.Context, sessionID string) (*Mapping, error) {
	var m Mapping
	var mission sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, todo_id, mission_id, created_at
		 FROM threadcast_mappings WHERE session_id = ?`, sessionID).
		Scan(&m.SessionID, &m.TodoID, &mission, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get mapping", err)
	}
	if mission.Valid {
		m.MissionID = &mission.String
	}
	return &m, nil
}

// GetSessionsByExternalID returns every session mapped to the given todo id.
func (s *Store) GetSessionsByExternalID(ctx context.Context, todoID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM threadcast_mappings
		 WHERE todo_id = ? ORDER BY created_at DESC`, todoID)
	if err != nil {
		return nil, wrap("sessions by external id", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan mapping row", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("sessions by external id", rows.Err())
}
