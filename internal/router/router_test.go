package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/common/config"
	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/tracker"
	"github.com/stagehand/stagehand/internal/transport"
)

// countingTracker counts issue fetches to verify the decision cache.
type countingTracker struct {
	tracker.Service
	fetches int
}

func (c *countingTracker) FetchIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	c.fetches++
	return c.Service.FetchIssue(ctx, id)
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testRepos() []config.RepositoryConfig {
	return []config.RepositoryConfig{
		{ID: "repo-labels", Name: "Labels Repo", Path: "/r/labels", RoutingLabels: []string{"backend"}},
		{ID: "repo-project", Name: "Project Repo", Path: "/r/project", ProjectKeys: []string{"Atlas"}},
		{ID: "repo-team", Name: "Team Repo", Path: "/r/team", TeamKeys: []string{"ENG"}},
		{ID: "repo-any", Name: "Catch All", Path: "/r/any"},
	}
}

func seedIssue(trk *tracker.MemoryService, id, identifier string, labels []string, project string) {
	trk.SeedIssue(&tracker.Issue{
		ID:          id,
		Identifier:  identifier,
		Labels:      labels,
		ProjectName: project,
	})
}

func TestRouterPriorityChain(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-1", "ENG-1", []string{"backend"}, "Atlas")
	seedIssue(mem, "iss-2", "ENG-2", nil, "Atlas")
	seedIssue(mem, "iss-3", "ENG-3", nil, "")
	seedIssue(mem, "iss-4", "XYZ-4", nil, "")

	r := New(testRepos(), mem, nil, testLogger(t))
	ctx := context.Background()

	// Labels beat project and team.
	d, err := r.Route(ctx, &transport.Event{IssueID: "iss-1", IssueIdentifier: "ENG-1", TeamKey: "ENG"})
	require.NoError(t, err)
	assert.Equal(t, "repo-labels", d.Repo.ID)

	// Project beats team.
	d, err = r.Route(ctx, &transport.Event{IssueID: "iss-2", IssueIdentifier: "ENG-2", TeamKey: "ENG"})
	require.NoError(t, err)
	assert.Equal(t, "repo-project", d.Repo.ID)

	// Team key.
	d, err = r.Route(ctx, &transport.Event{IssueID: "iss-3", IssueIdentifier: "ENG-3", TeamKey: "ENG"})
	require.NoError(t, err)
	assert.Equal(t, "repo-team", d.Repo.ID)

	// Catch-all.
	d, err = r.Route(ctx, &transport.Event{IssueID: "iss-4", IssueIdentifier: "XYZ-4"})
	require.NoError(t, err)
	assert.Equal(t, "repo-any", d.Repo.ID)
}

func TestRouterActiveSessionOverride(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-1", "ENG-1", []string{"backend"}, "")

	active := func(issueID string) (string, bool) {
		if issueID == "iss-1" {
			return "repo-team", true
		}
		return "", false
	}
	r := New(testRepos(), mem, active, testLogger(t))

	d, err := r.Route(context.Background(), &transport.Event{IssueID: "iss-1", IssueIdentifier: "ENG-1"})
	require.NoError(t, err)
	// Active session wins even though labels would route elsewhere.
	assert.Equal(t, "repo-team", d.Repo.ID)
}

func TestRouterTeamKeyFromIdentifierPrefix(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-5", "ENG-5", nil, "")

	r := New(testRepos(), mem, nil, testLogger(t))
	d, err := r.Route(context.Background(), &transport.Event{IssueID: "iss-5", IssueIdentifier: "ENG-5"})
	require.NoError(t, err)
	assert.Equal(t, "repo-team", d.Repo.ID)
}

func TestRouterDecisionCache(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-1", "ENG-1", []string{"backend"}, "")
	counting := &countingTracker{Service: mem}

	r := New(testRepos(), counting, nil, testLogger(t))
	ctx := context.Background()
	ev := &transport.Event{IssueID: "iss-1", IssueIdentifier: "ENG-1"}

	d1, err := r.Route(ctx, ev)
	require.NoError(t, err)
	d2, err := r.Route(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, d1.Repo.ID, d2.Repo.ID)
	assert.Equal(t, 1, counting.fetches, "second route must reuse the cached decision")
}

func TestRouterElicitationOnAmbiguity(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-9", "QQQ-9", nil, "")
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-1", IssueID: "iss-9"})

	repos := []config.RepositoryConfig{
		{ID: "repo-a", Name: "repo-A", Path: "/a", TeamKeys: []string{"AAA"}},
		{ID: "repo-b", Name: "repo-B", Path: "/b", TeamKeys: []string{"BBB"}},
	}
	r := New(repos, mem, nil, testLogger(t))

	d, err := r.Route(context.Background(), &transport.Event{
		IssueID: "iss-9", IssueIdentifier: "QQQ-9", AgentSessionID: "as-1",
	})
	require.NoError(t, err)
	require.NotNil(t, d.Pending)
	assert.Equal(t, []string{"repo-A", "repo-B"}, d.Pending.Names)

	activities := mem.Activities("as-1")
	require.Len(t, activities, 1)
	assert.Equal(t, tracker.ActivityElicitation, activities[0].Content.Type)
	assert.Equal(t, []string{"repo-A", "repo-B"}, activities[0].Content.Options)

	// Response selects repo-B.
	repo, err := r.ResolveSelection("as-1", "repo-B")
	require.NoError(t, err)
	assert.Equal(t, "repo-b", repo.ID)

	// Decision is now cached for the issue.
	d, err = r.Route(context.Background(), &transport.Event{IssueID: "iss-9"})
	require.NoError(t, err)
	assert.Equal(t, "repo-b", d.Repo.ID)
}

func TestRouterSelectionFallbackAndCancel(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-9", "QQQ-9", nil, "")
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-2", IssueID: "iss-9"})

	repos := []config.RepositoryConfig{
		{ID: "repo-a", Name: "repo-A", Path: "/a", TeamKeys: []string{"AAA"}},
		{ID: "repo-b", Name: "repo-B", Path: "/b", TeamKeys: []string{"BBB"}},
	}
	r := New(repos, mem, nil, testLogger(t))

	_, err := r.Route(context.Background(), &transport.Event{
		IssueID: "iss-9", IssueIdentifier: "QQQ-9", AgentSessionID: "as-2",
	})
	require.NoError(t, err)

	// Unrecognised response falls back to the first option.
	repo, err := r.ResolveSelection("as-2", "something else entirely")
	require.NoError(t, err)
	assert.Equal(t, "repo-a", repo.ID)

	// Resolving twice fails; the pending entry is gone.
	_, err = r.ResolveSelection("as-2", "repo-B")
	assert.Error(t, err)

	// Cancel is a no-op for unknown sessions.
	r.CancelSelection("as-2")
}

func TestRouterSelectionExpires(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-9", "QQQ-9", nil, "")
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-3", IssueID: "iss-9"})

	repos := []config.RepositoryConfig{
		{ID: "repo-a", Name: "repo-A", Path: "/a", TeamKeys: []string{"AAA"}},
		{ID: "repo-b", Name: "repo-B", Path: "/b", TeamKeys: []string{"BBB"}},
	}
	r := New(repos, mem, nil, testLogger(t))

	d, err := r.Route(context.Background(), &transport.Event{
		IssueID: "iss-9", IssueIdentifier: "QQQ-9", AgentSessionID: "as-3",
	})
	require.NoError(t, err)
	require.NotNil(t, d.Pending)

	d.Pending.CreatedAt = time.Now().Add(-selectionTTL - time.Minute)

	_, ok := r.PendingFor("as-3")
	assert.False(t, ok)
	_, err = r.ResolveSelection("as-3", "repo-B")
	assert.Error(t, err)
}

func TestRouterMultipleCatchAllsAreAmbiguous(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-9", "QQQ-9", nil, "")
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-ca", IssueID: "iss-9"})

	repos := []config.RepositoryConfig{
		{ID: "repo-a", Name: "repo-A", Path: "/a"},
		{ID: "repo-b", Name: "repo-B", Path: "/b"},
	}
	r := New(repos, mem, nil, testLogger(t))

	d, err := r.Route(context.Background(), &transport.Event{
		IssueID: "iss-9", IssueIdentifier: "QQQ-9", AgentSessionID: "as-ca",
	})
	require.NoError(t, err)
	require.NotNil(t, d.Pending, "two catch-all repos must elicit, not silently pick the first")
	assert.Equal(t, []string{"repo-A", "repo-B"}, d.Pending.Names)
}

func TestRouterSelectionByNumber(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-9", "QQQ-9", nil, "")
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-n", IssueID: "iss-9"})

	repos := []config.RepositoryConfig{
		{ID: "repo-a", Name: "repo-A", Path: "/a", TeamKeys: []string{"AAA"}},
		{ID: "repo-b", Name: "repo-B", Path: "/b", TeamKeys: []string{"BBB"}},
	}
	r := New(repos, mem, nil, testLogger(t))

	_, err := r.Route(context.Background(), &transport.Event{
		IssueID: "iss-9", IssueIdentifier: "QQQ-9", AgentSessionID: "as-n",
	})
	require.NoError(t, err)

	repo, err := r.ResolveSelection("as-n", " 2 ")
	require.NoError(t, err)
	assert.Equal(t, "repo-b", repo.ID)
}

func TestRouterSelectionByNamePrefix(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-9", "QQQ-9", nil, "")
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-p1", IssueID: "iss-9"})
	mem.SeedAgentSession(&tracker.AgentSession{ID: "as-p2", IssueID: "iss-9"})

	repos := []config.RepositoryConfig{
		{ID: "repo-api", Name: "Backend API", Path: "/api", TeamKeys: []string{"AAA"}},
		{ID: "repo-web", Name: "Backend Web", Path: "/web", TeamKeys: []string{"BBB"}},
	}
	r := New(repos, mem, nil, testLogger(t))
	ctx := context.Background()

	_, err := r.Route(ctx, &transport.Event{
		IssueID: "iss-9", IssueIdentifier: "QQQ-9", AgentSessionID: "as-p1",
	})
	require.NoError(t, err)

	// "backend w" uniquely prefixes "Backend Web".
	repo, err := r.ResolveSelection("as-p1", "backend w")
	require.NoError(t, err)
	assert.Equal(t, "repo-web", repo.ID)

	_, err = r.Route(ctx, &transport.Event{
		IssueID: "iss-10", IssueIdentifier: "QQQ-10", AgentSessionID: "as-p2",
	})
	require.NoError(t, err)

	// "backend" prefixes both names; ambiguity falls back to the first.
	repo, err = r.ResolveSelection("as-p2", "backend")
	require.NoError(t, err)
	assert.Equal(t, "repo-api", repo.ID)
}

func TestRouterSingleRepoNeverAmbiguous(t *testing.T) {
	mem := tracker.NewMemoryService()
	seedIssue(mem, "iss-1", "ZZZ-1", nil, "")

	repos := []config.RepositoryConfig{
		{ID: "only", Name: "Only", Path: "/only", TeamKeys: []string{"ENG"}},
	}
	r := New(repos, mem, nil, testLogger(t))

	d, err := r.Route(context.Background(), &transport.Event{IssueID: "iss-1", IssueIdentifier: "ZZZ-1"})
	require.NoError(t, err)
	assert.Equal(t, "only", d.Repo.ID)
}
