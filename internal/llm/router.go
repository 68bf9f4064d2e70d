package llm

import (
	"context"

	"github.com/google/uuid"

	"atlas/internal/config"
	"atlas/internal/domain/account"
	"atlas/internal/logging"
)

// Role identifies the job a completion serves. Each role can route to a
// different model.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleAggregator Role = "aggregator"
	RoleTool       Role = "tool"
	RoleCreative   Role = "creative"
)

// Router resolves the model for a role, preferring the user's stored
// preferences over server defaults. Preference lookups that fail fall back to
// defaults; model routing must never fail a request.
type Router struct {
	defaults config.ModelDefaults
	prefs    account.PreferencesStore
	logger   logging.Logger
}

// NewRouter constructs a role router. prefs may be nil, in which case the
// defaults always apply.
func NewRouter(defaults config.ModelDefaults, prefs account.PreferencesStore, logger logging.Logger) *Router {
	return &Router{defaults: defaults, prefs: prefs, logger: logging.OrNop(logger)}
}

// Model returns the model identifier for a role and user.
func (r *Router) Model(ctx context.Context, userID uuid.UUID, role Role) string {
	fallback := r.defaultFor(role)
	if r.prefs == nil || userID == uuid.Nil {
		return fallback
	}

	prefs, err := r.prefs.Get(ctx, userID)
	if err != nil {
		r.logger.Warn("preferences lookup for %s failed, using default model: %v", userID, err)
		return fallback
	}

	var preferred string
	switch role {
	case RolePlanner:
		preferred = prefs.PlannerModel
	case RoleAggregator:
		preferred = prefs.AggregatorModel
	case RoleTool:
		preferred = prefs.ToolModel
	case RoleCreative:
		preferred = prefs.CreativeModel
	}
	if preferred != "" {
		return preferred
	}
	return fallback
}

func (r *Router) defaultFor(role Role) string {
	switch role {
	case RolePlanner:
		return r.defaults.Planner
	case RoleAggregator:
		return r.defaults.Aggregator
	case RoleCreative:
		return r.defaults.Creative
	default:
		return r.defaults.Tool
	}
}
