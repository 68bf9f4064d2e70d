package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"atlas/internal/config"
	"atlas/internal/domain/account"
)

type stubPrefs struct {
	prefs account.Preferences
	err   error
}

func (s *stubPrefs) Get(context.Context, uuid.UUID) (account.Preferences, error) {
	return s.prefs, s.err
}

func (s *stubPrefs) Upsert(context.Context, account.Preferences) error { return nil }

var testDefaults = config.ModelDefaults{
	Planner:    "default-planner",
	Aggregator: "default-aggregator",
	Tool:       "default-tool",
	Creative:   "default-creative",
}

func TestRouterPrefersUserPreference(t *testing.T) {
	router := NewRouter(testDefaults, &stubPrefs{prefs: account.Preferences{ToolModel: "my-tool"}}, nil)

	assert.Equal(t, "my-tool", router.Model(context.Background(), uuid.New(), RoleTool))
	// Roles without a stored preference fall back to defaults.
	assert.Equal(t, "default-planner", router.Model(context.Background(), uuid.New(), RolePlanner))
}

func TestRouterFallsBackWhenLookupFails(t *testing.T) {
	router := NewRouter(testDefaults, &stubPrefs{err: errors.New("db down")}, nil)
	assert.Equal(t, "default-creative", router.Model(context.Background(), uuid.New(), RoleCreative))
}

func TestRouterWithoutPreferencesStore(t *testing.T) {
	router := NewRouter(testDefaults, nil, nil)
	assert.Equal(t, "default-aggregator", router.Model(context.Background(), uuid.New(), RoleAggregator))
	assert.Equal(t, "default-tool", router.Model(context.Background(), uuid.Nil, RoleTool))
}
