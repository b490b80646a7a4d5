package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"stakeline/internal/companion"
	"stakeline/internal/config"
	"stakeline/internal/consensus"
	"stakeline/internal/db"
	"stakeline/internal/domain"
	"stakeline/internal/engine"
	"stakeline/internal/ledger"
	"stakeline/internal/migrate"
	"stakeline/internal/repo"
	"stakeline/internal/treasury"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	Ledger *ledger.Memory
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	lgr := ledger.NewMemory()
	trs := treasury.New(conn, cfg, lgr)
	cns := consensus.New(conn, cfg, lgr, trs)
	e := engine.New(conn, cfg, lgr, trs, cns, companion.NewMemory())
	cns.SetFinalizer(e.Authority())
	cns.RandInt = func(n int) (int, error) { return 0, nil }
	if err := trs.EnsureTiers(context.Background()); err != nil {
		t.Fatalf("seed tiers: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Ledger: lgr,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeader(t *testing.T, actorID string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, actorID, nil)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, "alice")

	// All first fetches race to build the document; every one must get
	// the same complete body.
	const fetchers = 8
	bodies := make([][]byte, fetchers)
	errs := make([]error, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/openapi.json", nil)
			if err != nil {
				errs[slot] = err
				return
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			res, err := srv.Client().Do(req)
			if err != nil {
				errs[slot] = err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs[slot] = fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[slot], errs[slot] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < fetchers; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if len(bodies[i]) == 0 {
			t.Fatalf("fetch %d returned an empty document", i)
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
	if !json.Valid(bodies[0]) {
		t.Fatalf("document is not valid JSON")
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/goals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/goals", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d, want 401", res.StatusCode)
	}
}

func TestGoalLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	srv.Ledger.Fund("alice", 500)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals", map[string]any{
		"title":           "run a marathon",
		"stake":           100,
		"duration_hours":  720,
		"milestone_total": 1,
	}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create goal status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Goal
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	if created.Owner != "alice" || created.Status != domain.GoalActive {
		t.Fatalf("unexpected goal %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/goals?owner=alice", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list goals status %d: %s", res.StatusCode, string(data))
	}
	var listed []domain.Goal
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal goals: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("unexpected listing %+v", listed)
	}

	// A third party cannot fail someone else's active goal.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+created.ID+"/fail", nil, authHeader(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("third-party fail status %d, want 403", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+created.ID+"/fail", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner fail status %d: %s", res.StatusCode, string(data))
	}
	var failed domain.Goal
	if err := json.Unmarshal(data, &failed); err != nil {
		t.Fatalf("unmarshal failed goal: %v", err)
	}
	if failed.Status != domain.GoalFailed || failed.FailureReason != domain.ReasonOwnerAbandoned {
		t.Fatalf("unexpected failed goal %+v", failed)
	}
}

func TestMilestoneVoteFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	// Seed the pools with a forfeited stake so completion payouts have
	// funding, then stand up a committee.
	srv.Ledger.Fund("seed-owner", 10000)
	seed, err := srv.Engine.CreateGoal(ctx, engine.GoalCreateOptions{
		Owner: "seed-owner", Title: "seed", Stake: 10000, DurationHours: 24, MilestoneTotal: 1,
	})
	if err != nil {
		t.Fatalf("seed goal: %v", err)
	}
	if _, err := srv.Engine.FailGoal(ctx, seed.ID, "seed-owner"); err != nil {
		t.Fatalf("seed fail: %v", err)
	}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("val-%d", i)
		srv.Ledger.Fund(id, 50)
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/validators", map[string]any{
			"stake": 50,
		}, authHeader(t, id))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s status %d: %s", id, res.StatusCode, string(data))
		}
	}

	srv.Ledger.Fund("alice", 100)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals", map[string]any{
		"title": "write a book", "stake": 100, "duration_hours": 1000, "milestone_total": 1,
	}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create goal status %d: %s", res.StatusCode, string(data))
	}
	var g domain.Goal
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+g.ID+"/milestones", map[string]any{
		"description": "finish the first draft",
	}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Milestone
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal milestone: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/milestones/"+m.ID+"/submit", map[string]any{
		"evidence_ref": "https://example.com/draft",
	}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var rd RoundResponse
	if err := json.Unmarshal(data, &rd); err != nil {
		t.Fatalf("unmarshal round: %v", err)
	}
	if rd.Round.CommitteeSize != 3 || len(rd.Votes) != 3 {
		t.Fatalf("unexpected round %+v", rd)
	}

	// Voting twice is a conflict; a non-member is forbidden.
	for i, approve := range []bool{true, true, false} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/milestones/"+m.ID+"/votes", map[string]any{
			"approve": approve,
		}, authHeader(t, fmt.Sprintf("val-%d", i+1)))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("vote %d status %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/milestones/"+m.ID+"/votes", map[string]any{
		"approve": true,
	}, authHeader(t, "val-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("resolved-round vote status %d, want 409", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/goals/"+g.ID, nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get goal status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	if g.Status != domain.GoalCompleted {
		t.Fatalf("goal status %s, want completed", g.Status)
	}
	bal, _ := srv.Ledger.Balance(ctx, "alice")
	if bal != 110 {
		t.Fatalf("alice balance = %d, want 110", bal)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	secret := "sk_testkey"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "alice",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/goals", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/goals", nil, map[string]string{"X-Api-Key": "sk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d, want 401", res.StatusCode)
	}
}

func TestAdminEndpointsGated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/pause", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin pause status %d, want 403", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/pause", nil, authHeader(t, "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin pause status %d: %s", res.StatusCode, string(data))
	}
	srv.Ledger.Fund("alice", 100)
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals", map[string]any{
		"title": "t", "stake": 100, "duration_hours": 1, "milestone_total": 1,
	}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("paused create status %d, want 409", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/resume", nil, authHeader(t, "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin resume status %d", res.StatusCode)
	}
}

func TestTreasuryAndStatsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/treasury", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("treasury status %d: %s", res.StatusCode, string(data))
	}
	var snap domain.Treasury
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal treasury: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/treasury/tiers", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tiers status %d: %s", res.StatusCode, string(data))
	}
	var tiers []domain.RewardTier
	if err := json.Unmarshal(data, &tiers); err != nil {
		t.Fatalf("unmarshal tiers: %v", err)
	}
	if len(tiers) != 3 {
		t.Fatalf("tier count %d, want 3", len(tiers))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats engine.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.ActiveGoals != 0 || stats.Paused {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
