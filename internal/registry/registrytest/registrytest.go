// Package registrytest runs an in-memory registry process behind the
// dry-run and message endpoints, for tests.
package registrytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"skillvault/internal/manifest"
	"skillvault/internal/registry"
)

// ProcessID is the id the server reports for itself.
const ProcessID = "registry-test-process"

// Process holds published skills, oldest version first.
type Process struct {
	mu      sync.Mutex
	skills  map[string][]registry.Skill
	results map[string]string
	clock   int64
	// Requests counts calls by action.
	requests map[string]int
}

type Server struct {
	*Process
	URL string
	srv *httptest.Server
}

// NewServer starts a server; Close stops it.
func NewServer() *Server {
	p := &Process{skills: map[string][]registry.Skill{}, results: map[string]string{}, requests: map[string]int{}}
	srv := httptest.NewServer(p)
	return &Server{Process: p, URL: srv.URL, srv: srv}
}

func (s *Server) Close() { s.srv.Close() }

// Add publishes a record directly, bypassing signatures.
func (p *Process) Add(skill registry.Skill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock++
	if skill.PublishedAt == 0 {
		skill.PublishedAt = p.clock
	}
	p.skills[skill.Name] = append(p.skills[skill.Name], skill)
}

// Versions returns the published versions of name, oldest first.
func (p *Process) Versions(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []string{}
	for _, s := range p.skills[name] {
		out = append(out, s.Version)
	}
	return out
}

// Requests returns how many times action was called.
func (p *Process) Requests(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[action]
}

func (p *Process) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/dry-run":
		var req struct {
			Tags []registry.Tag `json:"Tags"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, p.read(req.Tags))
	case r.Method == http.MethodPost && r.URL.Path == "/message":
		var msg struct {
			ID    string         `json:"Id"`
			Owner string         `json:"Owner"`
			Tags  []registry.Tag `json:"Tags"`
			Data  string         `json:"Data"`
		}
		if err := json.Unmarshal(body, &msg); err != nil || msg.ID == "" {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		result := p.write(msg.Owner, msg.Tags, msg.Data)
		p.mu.Lock()
		p.results[msg.ID] = result
		p.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"id":%q}`, msg.ID)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/result/"):
		p.mu.Lock()
		result, ok := p.results[strings.TrimPrefix(r.URL.Path, "/result/")]
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, result)
	default:
		http.NotFound(w, r)
	}
}

func tagOf(tags []registry.Tag, name string) string {
	for _, t := range tags {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}

// Reply wraps data as a registry envelope.
func Reply(data any) string {
	blob, _ := json.Marshal(data)
	env, _ := json.Marshal(map[string]any{"Messages": []any{map[string]any{"Data": string(blob), "Tags": []registry.Tag{}}}})
	return string(env)
}

// ErrorReply is the envelope of a rejected request.
func ErrorReply(code, msg string) string {
	env, _ := json.Marshal(map[string]any{"Messages": []any{map[string]any{
		"Data": msg,
		"Tags": []registry.Tag{{Name: "Action", Value: "Error"}, {Name: "Error-Code", Value: code}},
	}}})
	return string(env)
}

func (p *Process) latest() []registry.Skill {
	out := make([]registry.Skill, 0, len(p.skills))
	for _, versions := range p.skills {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func hasTags(s registry.Skill, want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range s.Tags {
			if strings.EqualFold(t, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (p *Process) read(tags []registry.Tag) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	action := tagOf(tags, "Action")
	p.requests[action]++
	name := tagOf(tags, "Name")
	switch action {
	case registry.ActionGet:
		versions := p.skills[name]
		want := tagOf(tags, "Version")
		for i := len(versions) - 1; i >= 0; i-- {
			if want == "" || versions[i].Version == want {
				return Reply(versions[i])
			}
		}
		return ErrorReply("NOT_FOUND", fmt.Sprintf("skill %s not found", name))
	case registry.ActionSearch:
		query := strings.ToLower(tagOf(tags, "Query"))
		out := []registry.Skill{}
		for _, s := range p.latest() {
			if strings.Contains(s.Name, query) || strings.Contains(strings.ToLower(s.Description), query) {
				out = append(out, s)
			}
		}
		return Reply(out)
	case registry.ActionList:
		limit, _ := strconv.Atoi(tagOf(tags, "Limit"))
		offset, _ := strconv.Atoi(tagOf(tags, "Offset"))
		var filterTags []string
		if raw := tagOf(tags, "Filter-Tags"); raw != "" {
			filterTags = strings.Split(raw, ",")
		}
		all := []registry.Skill{}
		for _, s := range p.latest() {
			if hasTags(s, filterTags) && strings.Contains(s.Name, tagOf(tags, "Filter-Name")) {
				all = append(all, s)
			}
		}
		page := []registry.Skill{}
		for i := offset; i < len(all) && (limit <= 0 || i < offset+limit); i++ {
			page = append(page, all[i])
		}
		return Reply(registry.ListResult{Skills: page, Total: len(all), Limit: limit, Offset: offset})
	case registry.ActionVersions:
		versions := p.skills[name]
		if len(versions) == 0 {
			return ErrorReply("NOT_FOUND", fmt.Sprintf("skill %s not found", name))
		}
		res := registry.VersionsResult{Latest: versions[len(versions)-1].Version, Total: len(versions)}
		for i := len(versions) - 1; i >= 0; i-- {
			res.Versions = append(res.Versions, registry.VersionInfo{Version: versions[i].Version, ContentID: versions[i].ContentID, PublishedAt: versions[i].PublishedAt})
		}
		return Reply(res)
	case registry.ActionStats:
		if name == "" {
			var total int64
			for _, s := range p.latest() {
				total += s.Downloads
			}
			return Reply(registry.DownloadStats{Scope: "all", TotalSkills: int64(len(p.skills)), TotalDownloads: total})
		}
		versions := p.skills[name]
		if len(versions) == 0 {
			return ErrorReply("NOT_FOUND", fmt.Sprintf("skill %s not found", name))
		}
		stats := registry.DownloadStats{Name: name, Versions: map[string]int64{}}
		for _, s := range versions {
			stats.TotalDownloads += s.Downloads
			stats.Versions[s.Version] = s.Downloads
		}
		return Reply(stats)
	case registry.ActionInfo:
		return Reply(registry.Info{
			Name:    "registrytest",
			Process: ProcessID,
			Version: "1.0.0",
			Handlers: []string{
				registry.ActionSearch, registry.ActionList, registry.ActionGet, registry.ActionVersions,
				registry.ActionStats, registry.ActionInfo, registry.ActionRegister, registry.ActionUpdate,
			},
		})
	}
	return ErrorReply("BAD_REQUEST", "unsupported action "+action)
}

func (p *Process) write(owner string, tags []registry.Tag, data string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	action := tagOf(tags, "Action")
	p.requests[action]++
	var m manifest.SkillManifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return ErrorReply("BAD_REQUEST", err.Error())
	}
	existing := p.skills[m.Name]
	switch action {
	case registry.ActionRegister:
		if len(existing) > 0 {
			return ErrorReply("FORBIDDEN", m.Name+" is already registered")
		}
	case registry.ActionUpdate:
		if len(existing) == 0 {
			return ErrorReply("NOT_FOUND", m.Name+" is not registered")
		}
		if existing[0].Owner != owner {
			return ErrorReply("UNAUTHORIZED", "only the owner may update "+m.Name)
		}
		for _, s := range existing {
			if s.Version == m.Version {
				return ErrorReply("FORBIDDEN", m.ID()+" already exists")
			}
		}
	default:
		return ErrorReply("BAD_REQUEST", "unsupported action "+action)
	}
	size, _ := strconv.ParseInt(tagOf(tags, "Bundle-Size"), 10, 64)
	p.clock++
	s := registry.Skill{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Author:      m.Author,
		Owner:       owner,
		Tags:        m.Tags,
		ContentID:   tagOf(tags, "Content-Id"),
		BundleSize:  size,
		License:     m.License,
		PublishedAt: p.clock,
		UpdatedAt:   p.clock,
	}
	for _, d := range m.Dependencies {
		s.Dependencies = append(s.Dependencies, registry.Dependency{Name: d.Name, Version: d.Version})
	}
	p.skills[m.Name] = append(existing, s)
	return Reply(map[string]string{"status": "ok"})
}
