package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

// fakeStore is an in-memory domain.Store recording publishes and TTLs.
type fakeStore struct {
	mu    sync.Mutex
	kv    map[string]string
	ttl   map[string]time.Duration
	lists map[string][]string
	zsets map[string][]scoredMember
	sets  map[string]map[string]bool
	hash  map[string]map[string]string
	pubs  []pubMsg
}

type scoredMember struct {
	score  float64
	member string
}

type pubMsg struct {
	channel string
	payload string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		kv:    map[string]string{},
		ttl:   map[string]time.Duration{},
		lists: map[string][]string{},
		zsets: map[string][]scoredMember{},
		sets:  map[string]map[string]bool{},
		hash:  map[string]map[string]string{},
	}
}

func (s *fakeStore) Get(_ domain.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) Set(_ domain.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	s.ttl[key] = ttl
	return nil
}

func (s *fakeStore) SetNX(_ domain.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; ok {
		return false, nil
	}
	s.kv[key] = value
	s.ttl[key] = ttl
	return true, nil
}

func (s *fakeStore) Del(_ domain.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
		delete(s.lists, k)
		delete(s.zsets, k)
		delete(s.sets, k)
		delete(s.hash, k)
	}
	return nil
}

func (s *fakeStore) Incr(_ domain.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(s.kv[key], 10, 64)
	n++
	s.kv[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *fakeStore) IncrByFloat(_ domain.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, _ := strconv.ParseFloat(s.kv[key], 64)
	f += delta
	s.kv[key] = strconv.FormatFloat(f, 'f', -1, 64)
	return f, nil
}

func (s *fakeStore) Expire(_ domain.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl[key] = ttl
	return nil
}

func (s *fakeStore) LPush(_ domain.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *fakeStore) LRange(_ domain.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if stop < 0 {
		stop = int64(len(l)) + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(l)) {
		stop = int64(len(l)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, l[start:stop+1]...)
	return out, nil
}

func (s *fakeStore) LTrim(_ domain.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if stop >= int64(len(l)) {
		stop = int64(len(l)) - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = l[start : stop+1]
	return nil
}

func (s *fakeStore) ZAdd(_ domain.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zsets[key] = append(s.zsets[key], scoredMember{score: score, member: member})
	return nil
}

func (s *fakeStore) ZRangeByScore(_ domain.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.zsets[key] {
		if m.score >= min && m.score <= max {
			out = append(out, m.member)
		}
	}
	return out, nil
}

func (s *fakeStore) HSet(_ domain.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hash[key] == nil {
		s.hash[key] = map[string]string{}
	}
	for k, v := range fields {
		s.hash[key][k] = v
	}
	return nil
}

func (s *fakeStore) HGet(_ domain.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hash[key][field]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) HGetAll(_ domain.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) HDel(_ domain.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		delete(s.hash[key], f)
	}
	return nil
}

func (s *fakeStore) SAdd(_ domain.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		s.sets[key][m] = true
	}
	return nil
}

func (s *fakeStore) SMembers(_ domain.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) Publish(_ domain.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubs = append(s.pubs, pubMsg{channel: channel, payload: payload})
	return nil
}

func (s *fakeStore) Subscribe(domain.Context, string) (domain.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *fakeStore) ScanPrefix(_ domain.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(domain.Context) error { return nil }
func (s *fakeStore) Close() error              { return nil }

func (s *fakeStore) published(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.pubs {
		if p.channel == channel {
			out = append(out, p.payload)
		}
	}
	return out
}

func (s *fakeStore) ttlOf(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl[key]
}

func (s *fakeStore) zmembers(key string) []scoredMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scoredMember, len(s.zsets[key]))
	copy(out, s.zsets[key])
	return out
}

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueuedJob
	err      error
}

type enqueuedJob struct {
	kind    string
	payload []byte
	opts    domain.EnqueueOptions
}

func (q *fakeQueue) Enqueue(_ domain.Context, kind string, payload []byte, opts domain.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.enqueued = append(q.enqueued, enqueuedJob{kind: kind, payload: payload, opts: opts})
	return fmt.Sprintf("job-%d", len(q.enqueued)), nil
}

// fakeForge scripts the forge interactions and records every mutation.
type fakeForge struct {
	mu sync.Mutex

	issue    domain.Issue
	issueErr error

	comments    []domain.Comment
	commentsErr error

	repo     domain.Repository
	repoErr  error
	token    string
	tokenErr error

	createPR    domain.PullRequest
	createPRErr error

	// listPRs is returned on every ListPRsByHead call unless listPRSeq is
	// set, then responses pop from it in order.
	listPRs    []domain.PullRequest
	listPRSeq  [][]domain.PullRequest
	listPRsErr error

	addCommentErr error
	nextCommentID int64

	labelsAdded     []labelChange
	labelsRemoved   []labelChange
	createdPRs      []domain.CreatePRInput
	postedComments  []postedComment
	deletedComments []int64
}

type labelChange struct {
	number int
	label  string
}

type postedComment struct {
	number int
	body   string
}

func (f *fakeForge) GetIssue(_ domain.Context, _, _ string, _ int) (domain.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return domain.Issue{}, f.issueErr
	}
	return f.issue, nil
}

func (f *fakeForge) ListIssueComments(_ domain.Context, _, _ string, _ int) ([]domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	return f.comments, nil
}

func (f *fakeForge) AddLabels(_ domain.Context, _, _ string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range labels {
		f.labelsAdded = append(f.labelsAdded, labelChange{number: number, label: l})
	}
	return nil
}

func (f *fakeForge) RemoveLabel(_ domain.Context, _, _ string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelsRemoved = append(f.labelsRemoved, labelChange{number: number, label: label})
	return nil
}

func (f *fakeForge) CreatePR(_ domain.Context, _, _ string, in domain.CreatePRInput) (domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdPRs = append(f.createdPRs, in)
	if f.createPRErr != nil {
		return domain.PullRequest{}, f.createPRErr
	}
	return f.createPR, nil
}

func (f *fakeForge) ListPRsByHead(_ domain.Context, _, _, _ string) ([]domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listPRsErr != nil {
		return nil, f.listPRsErr
	}
	if len(f.listPRSeq) > 0 {
		out := f.listPRSeq[0]
		f.listPRSeq = f.listPRSeq[1:]
		return out, nil
	}
	return f.listPRs, nil
}

func (f *fakeForge) AddIssueComment(_ domain.Context, _, _ string, number int, body string) (domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addCommentErr != nil {
		return domain.Comment{}, f.addCommentErr
	}
	f.nextCommentID++
	f.postedComments = append(f.postedComments, postedComment{number: number, body: body})
	return domain.Comment{ID: f.nextCommentID, Body: body}, nil
}

func (f *fakeForge) DeleteIssueComment(_ domain.Context, _, _ string, commentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedComments = append(f.deletedComments, commentID)
	return nil
}

func (f *fakeForge) GetRepository(_ domain.Context, owner, repo string) (domain.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repoErr != nil {
		return domain.Repository{}, f.repoErr
	}
	if f.repo.Owner == "" {
		return domain.Repository{Owner: owner, Name: repo, DefaultBranch: "main"}, nil
	}
	return f.repo, nil
}

func (f *fakeForge) InstallationToken(domain.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	if f.token == "" {
		return "ghs_testtoken", nil
	}
	return f.token, nil
}

func (f *fakeForge) commentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.postedComments))
	for _, c := range f.postedComments {
		out = append(out, c.body)
	}
	return out
}

func (f *fakeForge) hasLabelChange(changes []labelChange, number int, label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range changes {
		if c.number == number && c.label == label {
			return true
		}
	}
	return false
}

// fakeGit scripts the workspace manager.
type fakeGit struct {
	mu sync.Mutex

	localPath     string
	ensureErr     error
	ws            domain.Workspace
	createErr     error
	fromBranchErr error

	commitHash string
	commitErr  error
	commits    []string

	pushErr error
	pushes  []string

	diff    string
	diffErr error

	cleanups []domain.CleanupOptions
}

func (g *fakeGit) EnsureClone(_ domain.Context, _, _, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ensureErr != nil {
		return "", g.ensureErr
	}
	if g.localPath == "" {
		return "/tmp/clones/acme/web", nil
	}
	return g.localPath, nil
}

func (g *fakeGit) CreateWorktreeForIssue(_ domain.Context, _ string, _ domain.IssueRef, baseBranch string) (domain.Workspace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return domain.Workspace{}, g.createErr
	}
	ws := g.ws
	if ws.BaseBranch == "" {
		ws.BaseBranch = baseBranch
	}
	return ws, nil
}

func (g *fakeGit) CreateWorktreeFromExistingBranch(_ domain.Context, _, branchName, _, _, _ string) (domain.Workspace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fromBranchErr != nil {
		return domain.Workspace{}, g.fromBranchErr
	}
	ws := g.ws
	ws.BranchName = branchName
	return ws, nil
}

func (g *fakeGit) CommitChanges(_ domain.Context, _ domain.Workspace, message string, _ domain.CommitAuthor) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.commitErr != nil {
		return "", g.commitErr
	}
	g.commits = append(g.commits, message)
	return g.commitHash, nil
}

func (g *fakeGit) PushBranch(_ domain.Context, _ domain.Workspace, branch string, _ domain.PushOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, branch)
	return nil
}

func (g *fakeGit) DiffWorktree(domain.Context, domain.Workspace) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.diffErr != nil {
		return "", g.diffErr
	}
	return g.diff, nil
}

func (g *fakeGit) CleanupWorktree(_ domain.Context, _ domain.Workspace, opts domain.CleanupOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, opts)
	return nil
}

// fakeAgent scripts agent runs and records requests.
type fakeAgent struct {
	mu       sync.Mutex
	res      domain.AgentResult
	err      error
	execFn   func(req domain.AgentRequest) (domain.AgentResult, error)
	requests []domain.AgentRequest
}

func (a *fakeAgent) Execute(_ domain.Context, req domain.AgentRequest) (domain.AgentResult, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	fn := a.execFn
	res, err := a.res, a.err
	a.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return res, err
}

func (a *fakeAgent) ProviderName() string { return domain.ProviderClaude }
func (a *fakeAgent) ValidateConfig() error { return nil }

type fakeRegistry struct {
	agent domain.Agent
}

func (r fakeRegistry) ForModel(string) domain.Agent { return r.agent }

func testProcessorConfig() config.Config {
	return config.Config{
		AIPrimaryTag:              "AI",
		AIProcessingTag:           "AI-processing",
		AIDoneTag:                 "AI-done",
		DefaultClaudeModel:        "sonnet",
		RequeueBufferMS:           300000,
		RequeueJitterMS:           120000,
		WorktreeRetentionStrategy: "always_delete",
		WorktreeRetentionHours:    4,
		GitHubBotUsername:         "gitfix-bot",
	}
}

func testSettings() config.Settings {
	return config.Settings{PRLabel: "gitfix"}
}
