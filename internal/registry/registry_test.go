package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"skillvault/internal/apperr"
	"skillvault/internal/cache"
	"skillvault/internal/manifest"
	"skillvault/internal/metrics"
	"skillvault/internal/signing"
)

const testProcess = "proc-123"

// fakeProcess answers dry runs and messages like a registry process.
type fakeProcess struct {
	mu       sync.Mutex
	dryRuns  int32
	messages []message
	// answer maps an Action to the reply for a dry run.
	answer func(action string, tags map[string]string) (data string, replyTags []Tag, envErr string)
	status int
}

func (f *fakeProcess) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testProcess, r.URL.Query().Get("process-id"))
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/dry-run":
			atomic.AddInt32(&f.dryRuns, 1)
			var req dryRunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, testProcess, req.Target)
			tags := map[string]string{}
			for _, tg := range req.Tags {
				tags[tg.Name] = tg.Value
			}
			data, replyTags, envErr := f.answer(tags[tagAction], tags)
			writeEnvelope(w, data, replyTags, envErr)
		case r.Method == http.MethodPost && r.URL.Path == "/message":
			var msg message
			require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
			f.mu.Lock()
			f.messages = append(f.messages, msg)
			f.mu.Unlock()
			_, _ = fmt.Fprintf(w, `{"id":%q}`, msg.ID)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/result/"):
			f.mu.Lock()
			msg := f.messages[len(f.messages)-1]
			f.mu.Unlock()
			tags := map[string]string{}
			for _, tg := range msg.Tags {
				tags[tg.Name] = tg.Value
			}
			data, replyTags, envErr := f.answer(tags[tagAction], tags)
			writeEnvelope(w, data, replyTags, envErr)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func writeEnvelope(w io.Writer, data string, tags []Tag, envErr string) {
	env := map[string]any{"Error": envErr, "Messages": []any{}}
	if envErr == "" && (data != "" || len(tags) > 0) {
		env["Messages"] = []any{map[string]any{"Data": data, "Tags": tags}}
	}
	_ = json.NewEncoder(w).Encode(env)
}

func errorTags(code string) []Tag {
	return []Tag{{Name: tagAction, Value: actionError}, {Name: tagErrorCode, Value: code}}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.ProcessID = testProcess
	if opts.Retry.Sleep == nil {
		opts.Retry.Sleep = noSleep
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func skillJSON(name, version string, deps ...string) string {
	s := Skill{Name: name, Version: version, Description: "d", Author: "a", ContentID: "tx-" + name}
	for _, d := range deps {
		s.Dependencies = append(s.Dependencies, Dependency{Name: d, Version: "1.0.0"})
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func TestNewRequiresProcessAndEndpoint(t *testing.T) {
	_, err := New(Options{PrimaryURL: "http://x"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	_, err = New(Options{ProcessID: testProcess})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestSecondReadWithinTTLIsCached(t *testing.T) {
	proc := &fakeProcess{answer: func(action string, _ map[string]string) (string, []Tag, string) {
		return `[` + skillJSON("alpha", "1.0.0") + `]`, nil, ""
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	rec := metrics.New()
	c := newTestClient(t, Options{PrimaryURL: srv.URL, Metrics: rec})
	first, err := c.Search(context.Background(), "alpha")
	require.NoError(t, err)
	second, err := c.Search(context.Background(), "  alpha ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&proc.dryRuns))

	c.ClearCache()
	_, err = c.Search(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&proc.dryRuns))
}

func TestExpiredEntryGoesBackToNetwork(t *testing.T) {
	proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
		return skillJSON("alpha", "1.0.0"), nil, ""
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	now := time.Unix(1000, 0)
	store := cache.New(time.Minute, cache.WithClock(func() time.Time { return now }))
	c := newTestClient(t, Options{PrimaryURL: srv.URL, Cache: store})
	_, err := c.GetSkill(context.Background(), "alpha", "")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = c.GetSkill(context.Background(), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&proc.dryRuns))
}

func TestFastPathFailureFallsBackToSlowPath(t *testing.T) {
	var fastHits int32
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fastHits, 1)
		assert.Equal(t, "/"+testProcess+"/"+ActionGet, r.URL.Path)
		assert.Equal(t, "alpha", r.URL.Query().Get("name"))
		_, _ = io.WriteString(w, `{"status":"error","message":"stale state"}`)
	}))
	defer fast.Close()
	proc := &fakeProcess{answer: func(action string, tags map[string]string) (string, []Tag, string) {
		assert.Equal(t, ActionGet, action)
		return skillJSON(tags["Name"], "2.0.0"), nil, ""
	}}
	slow := httptest.NewServer(proc.handler(t))
	defer slow.Close()

	rec := metrics.New()
	c := newTestClient(t, Options{FastPathURL: fast.URL, PrimaryURL: slow.URL, Metrics: rec})
	s, err := c.GetSkill(context.Background(), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", s.Version)
	assert.Equal(t, int32(1), fastHits)
	assert.Equal(t, int32(1), atomic.LoadInt32(&proc.dryRuns))
}

func TestFastPathSuccessSkipsSlowPath(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"versions":["1.0.0","1.10.0","1.2.0"],"total":3}`)
	}))
	defer fast.Close()
	proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
		t.Error("slow path must not be used")
		return "", nil, ""
	}}
	slow := httptest.NewServer(proc.handler(t))
	defer slow.Close()

	c := newTestClient(t, Options{FastPathURL: fast.URL, PrimaryURL: slow.URL})
	v, err := c.GetVersions(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", v.Latest)
	assert.Equal(t, []VersionInfo{{Version: "1.10.0"}, {Version: "1.2.0"}, {Version: "1.0.0"}}, v.Versions)
}

func TestPrimaryFailureUsesFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
		return `{"name":"registry","process":"proc-123","version":"1.0.0","handlers":["Info","Get-Skill"]}`, nil, ""
	}}
	fallback := httptest.NewServer(proc.handler(t))
	defer fallback.Close()

	c := newTestClient(t, Options{PrimaryURL: primary.URL, FallbackURL: fallback.URL})
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Info", "Get-Skill"}, info.Handlers)
}

func TestPersistentFailureAttemptsRetriesPlusOne(t *testing.T) {
	proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
		return "", nil, "process overloaded"
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	var delays []time.Duration
	policy := RetryPolicy{
		Retries:  2,
		Schedule: DefaultSchedule,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}
	rec := metrics.New()
	core, logs := observer.New(zap.WarnLevel)
	c := newTestClient(t, Options{PrimaryURL: srv.URL, Retry: policy, Metrics: rec, Logger: zap.New(core)})
	_, err := c.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRegistry, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeRegistryError, apperr.RegistryCodeOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&proc.dryRuns))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, 0, c.cache.Len())
	retried := logs.FilterMessage("registry call failed, retrying")
	require.Equal(t, 2, retried.Len())
	assert.Equal(t, int64(1), retried.All()[0].ContextMap()["attempt"])
}

func TestRetrySurfacesFirstError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, "", nil, "")
	}))
	defer srv.Close()

	c := newTestClient(t, Options{PrimaryURL: srv.URL, Retry: RetryPolicy{Retries: 2}})
	_, err := c.Info(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEnvelopeErrorCodes(t *testing.T) {
	cases := []struct {
		name     string
		data     string
		tags     []Tag
		envErr   string
		kind     apperr.Kind
		code     apperr.RegistryCode
		attempts int32
	}{
		{name: "not found", tags: errorTags("NOT_FOUND"), data: `{"error":"no such skill"}`, kind: apperr.KindRegistry, code: apperr.CodeNotFound, attempts: 1},
		{name: "empty", kind: apperr.KindRegistry, code: apperr.CodeEmptyResponse, attempts: 2},
		{name: "envelope error", envErr: "boom", kind: apperr.KindRegistry, code: apperr.CodeRegistryError, attempts: 2},
		{name: "parse", data: "not json", kind: apperr.KindRegistry, code: apperr.CodeParseError, attempts: 2},
		{name: "structure", data: `[1,2]`, kind: apperr.KindRegistry, code: apperr.CodeInvalidStructure, attempts: 2},
		{name: "unauthorized", tags: errorTags("UNAUTHORIZED"), kind: apperr.KindAuthorization, attempts: 1},
		{name: "generic", tags: errorTags("RATE"), kind: apperr.KindRegistry, code: apperr.CodeRegistryError, attempts: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
				return tc.data, tc.tags, tc.envErr
			}}
			srv := httptest.NewServer(proc.handler(t))
			defer srv.Close()
			c := newTestClient(t, Options{PrimaryURL: srv.URL, Retry: RetryPolicy{Retries: 1}})
			_, err := c.GetSkill(context.Background(), "alpha", "1.0.0")
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Equal(t, tc.code, apperr.RegistryCodeOf(err))
			assert.Equal(t, tc.attempts, atomic.LoadInt32(&proc.dryRuns))
		})
	}
}

func TestSearchTruncatesQuery(t *testing.T) {
	var got string
	proc := &fakeProcess{answer: func(_ string, tags map[string]string) (string, []Tag, string) {
		got = tags["Query"]
		return `[]`, nil, ""
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	c := newTestClient(t, Options{PrimaryURL: srv.URL})
	_, err := c.Search(context.Background(), "  "+strings.Repeat("q", 300)+"  ")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("q", MaxQueryLength), got)
	assert.Equal(t, "", SanitizeQuery("   "))
}

func TestListSendsFilters(t *testing.T) {
	var got map[string]string
	proc := &fakeProcess{answer: func(_ string, tags map[string]string) (string, []Tag, string) {
		got = tags
		return `{"skills":[` + skillJSON("alpha", "1.0.0") + `],"total":1,"limit":5,"offset":10}`, nil, ""
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	c := newTestClient(t, Options{PrimaryURL: srv.URL})
	res, err := c.List(context.Background(), ListOptions{Limit: 5, Offset: 10, FilterTags: []string{"go", "cli"}, Featured: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Len(t, res.Skills, 1)
	assert.Equal(t, "5", got["Limit"])
	assert.Equal(t, "10", got["Offset"])
	assert.Equal(t, "go,cli", got["Filter-Tags"])
	assert.Equal(t, "true", got["Featured"])
	assert.NotContains(t, got, "Filter-Name")
}

func TestDependenciesAcceptBareNames(t *testing.T) {
	proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
		return `{"name":"alpha","version":"1.0.0","dependencies":["beta",{"name":"gamma","version":"2.0.0"}]}`, nil, ""
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	c := newTestClient(t, Options{PrimaryURL: srv.URL})
	s, err := c.GetSkill(context.Background(), "alpha", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []Dependency{{Name: "beta", Version: "*"}, {Name: "gamma", Version: "2.0.0"}}, s.Dependencies)
}

func TestRegisterSignsMessageAndClearsCache(t *testing.T) {
	proc := &fakeProcess{answer: func(action string, tags map[string]string) (string, []Tag, string) {
		switch action {
		case ActionRegister:
			return `{"success":true}`, []Tag{{Name: tagAction, Value: "Register-Skill-Result"}}, ""
		default:
			return skillJSON("alpha", "1.0.0"), nil, ""
		}
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	provider, err := signing.NewSeedProvider("abandon ability able about above absent absorb abstract absurd abuse access accident")
	require.NoError(t, err)
	defer provider.Close()
	signer, err := provider.Signer(context.Background())
	require.NoError(t, err)

	c := newTestClient(t, Options{PrimaryURL: srv.URL})
	_, err = c.GetSkill(context.Background(), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.cache.Len())

	m := &manifest.SkillManifest{Name: "alpha", Version: "1.0.0", Description: "d", Author: "a"}
	res, err := c.Register(context.Background(), signer, m, "tx-alpha", 42)
	require.NoError(t, err)
	assert.Equal(t, 0, c.cache.Len())

	require.Len(t, proc.messages, 1)
	msg := proc.messages[0]
	assert.Equal(t, res.MessageID, msg.ID)
	assert.Equal(t, signer.Address(), msg.Owner)
	id, err := messageID(unsignedMessage{Target: msg.Target, Owner: msg.Owner, Tags: msg.Tags, Data: msg.Data, Anchor: msg.Anchor})
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.NotEmpty(t, msg.Anchor)
	assert.Contains(t, msg.Data, `"name":"alpha"`)
}

func TestUpdateNotOwnerIsAuthorizationError(t *testing.T) {
	proc := &fakeProcess{answer: func(string, map[string]string) (string, []Tag, string) {
		return "caller does not own alpha", errorTags("UNAUTHORIZED"), ""
	}}
	srv := httptest.NewServer(proc.handler(t))
	defer srv.Close()

	provider, err := signing.NewSeedProvider("abandon ability able about above absent absorb abstract absurd abuse access accident")
	require.NoError(t, err)
	defer provider.Close()
	signer, err := provider.Signer(context.Background())
	require.NoError(t, err)

	c := newTestClient(t, Options{PrimaryURL: srv.URL})
	m := &manifest.SkillManifest{Name: "alpha", Version: "1.1.0", Description: "d", Author: "a"}
	_, err = c.Update(context.Background(), signer, m, "tx", 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Len(t, proc.messages, 1)
}
