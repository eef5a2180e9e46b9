// Package quota resolves the storage limits of a user's plan and enforces them.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	gibibyte = int64(1) << 30

	opLimitForUser   = "quota.limit_for_user"
	opEnsureCapacity = "quota.ensure_capacity"
)

var (
	// ErrUnknownPlan indicates a plan name outside the supported set.
	ErrUnknownPlan = errors.New("quota: unknown plan")
	// ErrLimitExceeded indicates that a write does not fit the remaining allowance.
	ErrLimitExceeded = errors.New("quota: storage limit exceeded")
)

// Plan is a subscription plan.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPro     Plan = "pro"
	PlanTeam    Plan = "team"
	PlanAIMax   Plan = "ai_max"
	PlanAILocal Plan = "ai_local"
)

// Limit is a storage allowance in bytes. Unlimited allowances ignore Bytes.
type Limit struct {
	Bytes     int64
	Unlimited bool
}

// Bytes returns a bounded limit.
func Bytes(value int64) Limit {
	return Limit{Bytes: value}
}

// UnlimitedStorage returns an allowance without bound.
func UnlimitedStorage() Limit {
	return Limit{Unlimited: true}
}

var defaultPlanLimits = map[Plan]Limit{
	PlanFree:  UnlimitedStorage(),
	PlanBasic: Bytes(2 * gibibyte),
	PlanPro:   Bytes(10 * gibibyte),
	PlanTeam:  Bytes(20 * gibibyte),
}

// NewPlan validates a plan name.
func NewPlan(raw string) (Plan, error) {
	plan := Plan(strings.ToLower(strings.TrimSpace(raw)))
	switch plan {
	case PlanFree, PlanBasic, PlanPro, PlanTeam, PlanAIMax, PlanAILocal:
		return plan, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlan, raw)
}

// base returns the plan whose limits p inherits.
func (p Plan) base() Plan {
	if p == PlanAIMax || p == PlanAILocal {
		return PlanPro
	}
	return p
}

// UserPlan assigns a plan to a user.
type UserPlan struct {
	UID              int64  `gorm:"column:uid;primaryKey;autoIncrement:false"`
	Plan             string `gorm:"column:plan;size:32;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserPlan) TableName() string {
	return "user_plans"
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	DefaultPlan Plan
	// Overrides replaces the built-in limit of a plan.
	Overrides map[Plan]Limit
	Logger    *zap.Logger
}

// Service resolves plan limits.
type Service struct {
	defaultPlan Plan
	limits      map[Plan]Limit
	logger      *zap.Logger
}

// NewService builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	defaultPlan := cfg.DefaultPlan
	if defaultPlan == "" {
		defaultPlan = PlanFree
	}
	if _, err := NewPlan(string(defaultPlan)); err != nil {
		return nil, err
	}
	limits := make(map[Plan]Limit, len(defaultPlanLimits))
	for plan, limit := range defaultPlanLimits {
		limits[plan] = limit
	}
	for plan, limit := range cfg.Overrides {
		if _, err := NewPlan(string(plan)); err != nil {
			return nil, err
		}
		limits[plan] = limit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{defaultPlan: defaultPlan, limits: limits, logger: logger}, nil
}

// LimitForPlan returns the allowance of plan.
func (service *Service) LimitForPlan(plan Plan) Limit {
	if limit, ok := service.limits[plan]; ok {
		return limit
	}
	if limit, ok := service.limits[plan.base()]; ok {
		return limit
	}
	return service.limits[service.defaultPlan]
}

// PlanForUser returns the stored plan of uid, or the default plan.
func (service *Service) PlanForUser(ctx context.Context, db *gorm.DB, uid int64) (Plan, error) {
	var record UserPlan
	err := db.WithContext(ctx).Where("uid = ?", uid).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return service.defaultPlan, nil
	}
	if err != nil {
		service.logger.Error("plan lookup failed", zap.String("operation", opLimitForUser), zap.Int64("uid", uid), zap.Error(err))
		return "", collab.NewError(collab.ErrInternal, opLimitForUser, "query_failed", err)
	}
	plan, err := NewPlan(record.Plan)
	if err != nil {
		service.logger.Warn("stored plan is unknown, using default", zap.Int64("uid", uid), zap.String("plan", record.Plan))
		return service.defaultPlan, nil
	}
	return plan, nil
}

// LimitForUser resolves the allowance of uid using db, which may be a transaction.
func (service *Service) LimitForUser(ctx context.Context, db *gorm.DB, uid int64) (Limit, error) {
	plan, err := service.PlanForUser(ctx, db, uid)
	if err != nil {
		return Limit{}, err
	}
	return service.LimitForPlan(plan), nil
}

// SetPlan stores the plan of uid.
func (service *Service) SetPlan(ctx context.Context, db *gorm.DB, uid int64, plan Plan, updatedAtSeconds int64) error {
	record := UserPlan{UID: uid, Plan: string(plan), UpdatedAtSeconds: updatedAtSeconds}
	return db.WithContext(ctx).Save(&record).Error
}

// EnsureCapacity fails with CapacityExceeded when used plus incoming bytes exceed limit.
func EnsureCapacity(limit Limit, used, incoming int64) error {
	if limit.Unlimited {
		return nil
	}
	if used+incoming > limit.Bytes {
		return collab.NewError(collab.ErrCapacityExceeded, opEnsureCapacity, "plan_limit",
			fmt.Errorf("%w: used %d + incoming %d > limit %d", ErrLimitExceeded, used, incoming, limit.Bytes))
	}
	return nil
}
