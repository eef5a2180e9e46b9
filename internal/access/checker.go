// Package access authorizes users against workspaces before a request reaches the router.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const opAuthorize = "access.authorize"

var (
	// ErrNotMember indicates a user without membership in the workspace.
	ErrNotMember = errors.New("access: not a workspace member")
	// ErrReadOnly indicates a member whose role forbids writes.
	ErrReadOnly = errors.New("access: read-only member")
)

// Role is the membership role of a user in a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

// WorkspaceMember records that UID belongs to WorkspaceID.
type WorkspaceMember struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UID              int64  `gorm:"column:uid;primaryKey;autoIncrement:false;not null;index"`
	Role             string `gorm:"column:role;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WorkspaceMember) TableName() string {
	return "workspace_members"
}

// Config configures a Checker.
type Config struct {
	Database *gorm.DB
	// ClaimUnowned makes the first user to reach a workspace without members its owner.
	ClaimUnowned bool
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Checker authorizes workspace access from the workspace_members table.
type Checker struct {
	db           *gorm.DB
	claimUnowned bool
	clock        func() time.Time
	logger       *zap.Logger
}

// NewChecker builds a Checker.
func NewChecker(cfg Config) (*Checker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("access: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{db: cfg.Database, claimUnowned: cfg.ClaimUnowned, clock: clock, logger: logger}, nil
}

// Authorize fails with NotFound unless uid may write to workspaceID. Workspaces are
// reported as missing rather than forbidden so their existence is not disclosed.
func (checker *Checker) Authorize(ctx context.Context, uid int64, workspaceID collab.WorkspaceID) error {
	role, err := checker.roleOf(ctx, uid, workspaceID)
	if err != nil {
		return err
	}
	if role == RoleGuest {
		return collab.NewError(collab.ErrNotFound, opAuthorize, "read_only", ErrReadOnly)
	}
	return nil
}

func (checker *Checker) roleOf(ctx context.Context, uid int64, workspaceID collab.WorkspaceID) (Role, error) {
	var role Role
	err := checker.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member WorkspaceMember
		err := tx.Where("workspace_id = ? AND uid = ?", workspaceID.String(), uid).Take(&member).Error
		if err == nil {
			role = Role(member.Role)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !checker.claimUnowned {
			return ErrNotMember
		}
		var members int64
		if err := tx.Model(&WorkspaceMember{}).Where("workspace_id = ?", workspaceID.String()).Count(&members).Error; err != nil {
			return err
		}
		if members > 0 {
			return ErrNotMember
		}
		claim := WorkspaceMember{
			WorkspaceID:      workspaceID.String(),
			UID:              uid,
			Role:             string(RoleOwner),
			CreatedAtSeconds: checker.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim).Error; err != nil {
			return err
		}
		checker.logger.Info("workspace claimed", zap.String("workspace_id", workspaceID.String()), zap.Int64("uid", uid))
		role = RoleOwner
		return nil
	})
	if errors.Is(err, ErrNotMember) {
		return "", collab.NewError(collab.ErrNotFound, opAuthorize, "not_member", err)
	}
	if err != nil {
		checker.logger.Error("membership lookup failed",
			zap.String("operation", opAuthorize),
			zap.String("workspace_id", workspaceID.String()),
			zap.Int64("uid", uid),
			zap.Error(err),
		)
		return "", collab.NewError(collab.ErrInternal, opAuthorize, "query_failed", err)
	}
	return role, nil
}

// Grant adds or updates the membership of uid in workspaceID.
func (checker *Checker) Grant(ctx context.Context, workspaceID collab.WorkspaceID, uid int64, role Role) error {
	member := WorkspaceMember{
		WorkspaceID:      workspaceID.String(),
		UID:              uid,
		Role:             string(role),
		CreatedAtSeconds: checker.clock().UTC().Unix(),
	}
	return checker.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
}
