package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// PostgresDirectory reads team roles from the team_memberships table.
type PostgresDirectory struct {
	DB *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{DB: db}
}

func (d *PostgresDirectory) TeamRole(ctx context.Context, userID, teamID string) (TeamRole, error) {
	var role string
	err := d.DB.QueryRowContext(ctx, `SELECT role FROM team_memberships WHERE team_id = $1 AND user_id = $2`, teamID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return TeamNone, nil
	}
	if err != nil {
		return TeamNone, fmt.Errorf("read team role: %w", err)
	}
	return TeamRole(role), nil
}

// StaticDirectory is an in-memory TeamDirectory.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string]TeamRole
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{roles: make(map[string]TeamRole)}
}

func (d *StaticDirectory) Set(teamID, userID string, role TeamRole) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[teamID+"/"+userID] = role
}

func (d *StaticDirectory) TeamRole(_ context.Context, userID, teamID string) (TeamRole, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if role, ok := d.roles[teamID+"/"+userID]; ok {
		return role, nil
	}
	return TeamNone, nil
}
