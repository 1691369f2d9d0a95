package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/cache"
	"skillvault/internal/logging"
	"skillvault/internal/manifest"
	"skillvault/internal/metrics"
	"skillvault/internal/signing"
)

type Options struct {
	ProcessID       string
	FastPathURL     string
	PrimaryURL      string
	FallbackURL     string
	FastPathTimeout time.Duration
	RequestTimeout  time.Duration
	// RateLimit caps slow-path messages per second; 0 means unlimited.
	RateLimit float64
	Retry     RetryPolicy
	// Cache is shared with whoever owns the client; nil gets a private
	// cache with the default TTL.
	Cache   *cache.Store
	Metrics *metrics.Recorder
	Logger  *zap.Logger
}

type Client struct {
	processID string
	fast      *fastPath
	slow      *messenger
	retry     RetryPolicy
	cache     *cache.Store
	metrics   *metrics.Recorder
	logger    *zap.Logger
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ProcessID) == "" {
		return nil, apperr.Configuration("CFG_PROCESS_ID_MISSING", "registry process id is not configured: set [registry].process_id or SKILLVAULT_PROCESS_ID")
	}
	if strings.TrimSpace(opts.PrimaryURL) == "" && strings.TrimSpace(opts.FallbackURL) == "" {
		return nil, apperr.Configuration("CFG_REGISTRY_MISSING", "no registry endpoint configured: set [registry].primary_url")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Cache
	if store == nil {
		store = cache.New(cache.DefaultTTL)
	}
	c := &Client{
		processID: opts.ProcessID,
		slow:      newMessenger(opts.ProcessID, []string{opts.PrimaryURL, opts.FallbackURL}, opts.RequestTimeout, opts.RateLimit),
		retry:     opts.Retry,
		cache:     store,
		metrics:   opts.Metrics,
		logger:    logger.Named("registry"),
	}
	if strings.TrimSpace(opts.FastPathURL) != "" {
		c.fast = newFastPath(opts.FastPathURL, opts.ProcessID, opts.FastPathTimeout)
	}
	return c, nil
}

// ProcessID identifies the registry process this client talks to.
func (c *Client) ProcessID() string { return c.processID }

// ClearCache drops every cached read.
func (c *Client) ClearCache() { c.cache.Clear() }

// SanitizeQuery trims q and truncates it to MaxQueryLength characters.
func SanitizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) <= MaxQueryLength {
		return q
	}
	return strings.TrimSpace(string([]rune(q)[:MaxQueryLength]))
}

// Search returns skills matching query; an empty query matches everything.
func (c *Client) Search(ctx context.Context, query string) ([]Skill, error) {
	params := []Tag{{Name: "Query", Value: SanitizeQuery(query)}}
	v, err := c.read(ctx, ActionSearch, params, func(raw json.RawMessage, endpoint string) (any, error) {
		var out []Skill
		if err := decodePayload(raw, shapeArray, endpoint, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneSkills(v.([]Skill)), nil
}

func (c *Client) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	params := []Tag{
		{Name: "Limit", Value: strconv.Itoa(limit)},
		{Name: "Offset", Value: strconv.Itoa(offset)},
	}
	if len(opts.FilterTags) > 0 {
		params = append(params, Tag{Name: "Filter-Tags", Value: strings.Join(opts.FilterTags, ",")})
	}
	if opts.FilterName != "" {
		params = append(params, Tag{Name: "Filter-Name", Value: opts.FilterName})
	}
	if opts.Featured {
		params = append(params, Tag{Name: "Featured", Value: "true"})
	}
	v, err := c.read(ctx, ActionList, params, func(raw json.RawMessage, endpoint string) (any, error) {
		var out ListResult
		if err := decodePayload(raw, shapeObject, endpoint, &out); err != nil {
			return nil, err
		}
		if out.Skills == nil {
			return nil, apperr.Registry(apperr.CodeInvalidStructure, endpoint, "list reply has no skills array")
		}
		return out, nil
	})
	if err != nil {
		return ListResult{}, err
	}
	out := v.(ListResult)
	out.Skills = cloneSkills(out.Skills)
	return out, nil
}

// GetSkill fetches one version of a skill; an empty version or "*" asks
// for the latest.
func (c *Client) GetSkill(ctx context.Context, name, version string) (Skill, error) {
	params := []Tag{{Name: "Name", Value: name}}
	if version != "" && version != manifest.LatestVersion {
		params = append(params, Tag{Name: "Version", Value: version})
	}
	v, err := c.read(ctx, ActionGet, params, func(raw json.RawMessage, endpoint string) (any, error) {
		var out Skill
		if err := decodePayload(raw, shapeObject, endpoint, &out); err != nil {
			return nil, err
		}
		if out.Name == "" || out.Version == "" {
			return nil, apperr.Registry(apperr.CodeInvalidStructure, endpoint, "skill record lacks name or version")
		}
		return out, nil
	})
	if err != nil {
		return Skill{}, err
	}
	return cloneSkill(v.(Skill)), nil
}

// LookupSkill is GetSkill with not-found reported as ok=false.
func (c *Client) LookupSkill(ctx context.Context, name, version string) (Skill, bool, error) {
	s, err := c.GetSkill(ctx, name, version)
	if err != nil {
		if IsNotFound(err) {
			return Skill{}, false, nil
		}
		return Skill{}, false, err
	}
	return s, true, nil
}

func (c *Client) GetVersions(ctx context.Context, name string) (VersionsResult, error) {
	params := []Tag{{Name: "Name", Value: name}}
	v, err := c.read(ctx, ActionVersions, params, func(raw json.RawMessage, endpoint string) (any, error) {
		var out VersionsResult
		if err := decodePayload(raw, shapeObject, endpoint, &out); err != nil {
			return nil, err
		}
		SortVersions(out.Versions)
		if out.Latest == "" {
			out.Latest = LatestVersion(out.Versions)
		}
		if out.Total == 0 {
			out.Total = len(out.Versions)
		}
		return out, nil
	})
	if err != nil {
		return VersionsResult{}, err
	}
	out := v.(VersionsResult)
	out.Versions = append([]VersionInfo(nil), out.Versions...)
	return out, nil
}

// GetDownloadStats returns registry-wide counters for an empty name, else
// the counters of one skill.
func (c *Client) GetDownloadStats(ctx context.Context, name string) (DownloadStats, error) {
	params := []Tag{{Name: "Scope", Value: "all"}}
	if name != "" {
		params = []Tag{{Name: "Name", Value: name}}
	}
	v, err := c.read(ctx, ActionStats, params, func(raw json.RawMessage, endpoint string) (any, error) {
		var out DownloadStats
		if err := decodePayload(raw, shapeObject, endpoint, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return DownloadStats{}, err
	}
	return v.(DownloadStats), nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	v, err := c.read(ctx, ActionInfo, nil, func(raw json.RawMessage, endpoint string) (any, error) {
		var out Info
		if err := decodePayload(raw, shapeObject, endpoint, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return Info{}, err
	}
	out := v.(Info)
	out.Handlers = append([]string(nil), out.Handlers...)
	return out, nil
}

// Register creates the registry entry for a new skill name.
func (c *Client) Register(ctx context.Context, signer signing.Signer, m *manifest.SkillManifest, contentID string, bundleSize int64) (WriteResult, error) {
	tags := []Tag{
		{Name: tagAction, Value: ActionRegister},
		{Name: "Name", Value: m.Name},
		{Name: "Version", Value: m.Version},
		{Name: "Content-Id", Value: contentID},
		{Name: "Bundle-Size", Value: strconv.FormatInt(bundleSize, 10)},
	}
	return c.write(ctx, ActionRegister, signer, tags, m)
}

// Update publishes a new version of a skill the signer owns. Earlier
// versions stay available.
func (c *Client) Update(ctx context.Context, signer signing.Signer, m *manifest.SkillManifest, contentID string, bundleSize int64) (WriteResult, error) {
	tags := []Tag{
		{Name: tagAction, Value: ActionUpdate},
		{Name: "Name", Value: m.Name},
		{Name: "Version", Value: m.Version},
		{Name: "Content-Id", Value: contentID},
		{Name: "Bundle-Size", Value: strconv.FormatInt(bundleSize, 10)},
	}
	return c.write(ctx, ActionUpdate, signer, tags, m)
}

type decodeFunc func(raw json.RawMessage, endpoint string) (any, error)

// read serves one read through the cache, then the retry loop around the
// fast and slow paths.
func (c *Client) read(ctx context.Context, action string, params []Tag, decode decodeFunc) (any, error) {
	key := cache.Key(action, tagMap(params))
	v, hit, err := c.cache.GetOrLoad(key, func() (any, error) {
		c.metrics.CacheMiss(action)
		policy := c.retry
		policy.OnRetry = c.onRetry(action, c.retry.OnRetry)
		return Do(ctx, policy, func(ctx context.Context) (any, error) {
			return c.fetch(ctx, action, params, decode)
		})
	})
	if hit {
		c.metrics.CacheHit(action)
		c.logger.Debug("cache hit", zap.String("action", action))
	}
	if err != nil {
		c.logger.Debug("read failed", zap.String("action", action), logging.Error(err))
		return nil, err
	}
	return v, nil
}

// fetch makes one attempt: fast path when configured, slow path when the
// fast path fails or is absent.
func (c *Client) fetch(ctx context.Context, action string, params []Tag, decode decodeFunc) (any, error) {
	if c.fast != nil {
		raw, endpoint, err := c.fast.fetch(ctx, action, params)
		if err == nil {
			v, derr := decode(raw, endpoint)
			if derr == nil {
				c.metrics.Request(action, "fast", "ok")
				return v, nil
			}
			err = derr
		}
		c.metrics.Request(action, "fast", "error")
		c.logger.Debug("fast path failed, using slow path", zap.String("action", action), logging.Error(err))
	}

	tags := append([]Tag{{Name: tagAction, Value: action}}, params...)
	raw, endpoint, err := c.slow.dryRun(ctx, tags)
	if err != nil {
		c.metrics.Request(action, "slow", "error")
		return nil, err
	}
	v, err := decode(raw, endpoint)
	if err != nil {
		c.metrics.Request(action, "slow", "error")
		return nil, err
	}
	c.metrics.Request(action, "slow", "ok")
	return v, nil
}

func (c *Client) write(ctx context.Context, action string, signer signing.Signer, tags []Tag, m *manifest.SkillManifest) (WriteResult, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return WriteResult{}, apperr.Parse("MAN_ENCODE", "encode manifest: %v", err)
	}
	policy := c.retry
	policy.Retryable = RetryableWrite
	policy.OnRetry = c.onRetry(action, c.retry.OnRetry)
	id, err := Do(ctx, policy, func(ctx context.Context) (string, error) {
		id, _, err := c.slow.send(ctx, signer, tags, string(data))
		if err != nil {
			c.metrics.Request(action, "message", "error")
			return "", err
		}
		c.metrics.Request(action, "message", "ok")
		return id, nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	// Reads cached before the write no longer describe the registry.
	c.cache.Clear()
	c.logger.Info("registry updated", zap.String("action", action), zap.String("skill", m.ID()), zap.String("messageId", id))
	return WriteResult{MessageID: id}, nil
}

func (c *Client) onRetry(action string, next func(int, error, time.Duration)) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		c.metrics.Retry(action)
		c.logger.Warn("registry call failed, retrying",
			zap.String("action", action),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			logging.Error(err))
		if next != nil {
			next(attempt, err, delay)
		}
	}
}

// IsNotFound reports whether err is the registry's NOT_FOUND answer.
func IsNotFound(err error) bool {
	return apperr.RegistryCodeOf(err) == apperr.CodeNotFound
}

func tagMap(params []Tag) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Value
	}
	return out
}

func cloneSkill(s Skill) Skill {
	s.Tags = append([]string(nil), s.Tags...)
	s.Dependencies = append([]Dependency(nil), s.Dependencies...)
	return s
}

func cloneSkills(in []Skill) []Skill {
	out := make([]Skill, len(in))
	for i, s := range in {
		out[i] = cloneSkill(s)
	}
	return out
}
