package access

import (
	"context"
	"errors"
	"fmt"

	"formdesk/pkg/apperr"
)

type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapAdmin Capability = "admin"
)

func (c Capability) rank() int {
	switch c {
	case CapRead:
		return 1
	case CapWrite:
		return 2
	case CapAdmin:
		return 3
	}
	return 0
}

// Allows reports whether holding c also grants required.
func (c Capability) Allows(required Capability) bool {
	return c.rank() > 0 && c.rank() >= required.rank()
}

type TeamRole string

const (
	TeamOwner TeamRole = "owner"
	TeamEdit  TeamRole = "edit"
	TeamView  TeamRole = "view"
	TeamNone  TeamRole = "none"
)

// roleCapability is the policy table for team-owned documents.
var roleCapability = map[TeamRole]Capability{
	TeamOwner: CapAdmin,
	TeamEdit:  CapWrite,
	TeamView:  CapRead,
}

func CapabilityForRole(role TeamRole) (Capability, bool) {
	c, ok := roleCapability[role]
	return c, ok
}

// Ownership is the part of a document the gate needs.
type Ownership struct {
	DocumentID string
	TeamID     string
	CreatorID  string
}

// ErrDocumentNotFound is returned by OwnershipSource when the document is missing.
var ErrDocumentNotFound = errors.New("document not found")

type OwnershipSource interface {
	Ownership(ctx context.Context, documentID string) (Ownership, error)
}

// TeamDirectory is the external team-membership collaborator.
type TeamDirectory interface {
	TeamRole(ctx context.Context, userID, teamID string) (TeamRole, error)
}

type Gate struct {
	docs  OwnershipSource
	teams TeamDirectory
}

func NewGate(docs OwnershipSource, teams TeamDirectory) *Gate {
	return &Gate{docs: docs, teams: teams}
}

// Capability resolves the strongest capability userID holds on documentID.
// Personal documents grant admin to their creator only; team documents map
// the user's team role through the policy table.
func (g *Gate) Capability(ctx context.Context, userID, documentID string) (Capability, error) {
	own, err := g.docs.Ownership(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) || apperr.IsKind(err, apperr.KindNotFound) {
			return "", apperr.NotFound("document %s not found", documentID)
		}
		return "", fmt.Errorf("load document ownership: %w", err)
	}
	if userID == "" {
		return "", nil
	}
	if own.TeamID == "" {
		if own.CreatorID == userID {
			return CapAdmin, nil
		}
		return "", nil
	}
	role, err := g.teams.TeamRole(ctx, userID, own.TeamID)
	if err != nil {
		return "", fmt.Errorf("load team role: %w", err)
	}
	c, _ := CapabilityForRole(role)
	return c, nil
}

// Authorize returns nil when userID holds required on documentID, a
// PermissionDenied error when it does not, and NotFound for missing documents.
func (g *Gate) Authorize(ctx context.Context, userID, documentID string, required Capability) error {
	c, err := g.Capability(ctx, userID, documentID)
	if err != nil {
		return err
	}
	if !c.Allows(required) {
		return apperr.PermissionDenied("%s access to document %s denied", required, documentID)
	}
	return nil
}

// AuthorizeTeam checks that userID may create documents in teamID.
func (g *Gate) AuthorizeTeam(ctx context.Context, userID, teamID string, required Capability) error {
	role, err := g.teams.TeamRole(ctx, userID, teamID)
	if err != nil {
		return fmt.Errorf("load team role: %w", err)
	}
	c, _ := CapabilityForRole(role)
	if !c.Allows(required) {
		return apperr.PermissionDenied("%s access to team %s denied", required, teamID)
	}
	return nil
}
