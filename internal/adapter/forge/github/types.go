package github

import (
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// Wire types mirror the slice of the GitHub v3 JSON the worker reads. They
// never leave this package; every method converts to domain values.

type ghUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

func (u ghUser) toDomain() domain.User {
	return domain.User{Login: u.Login, Type: u.Type}
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	User      ghUser    `json:"user"`
	Labels    []ghLabel `json:"labels"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i ghIssue) toDomain() domain.Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return domain.Issue{
		Number:    i.Number,
		Title:     i.Title,
		Body:      i.Body,
		Labels:    labels,
		User:      i.User.toDomain(),
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

type ghComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      ghUser    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func (c ghComment) toDomain() domain.Comment {
	return domain.Comment{ID: c.ID, Body: c.Body, User: c.User.toDomain(), CreatedAt: c.CreatedAt}
}

type ghBranchRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type ghPullRequest struct {
	Number  int         `json:"number"`
	Title   string      `json:"title"`
	HTMLURL string      `json:"html_url"`
	State   string      `json:"state"`
	Draft   bool        `json:"draft"`
	Head    ghBranchRef `json:"head"`
	Base    ghBranchRef `json:"base"`
}

func (p ghPullRequest) toDomain() domain.PullRequest {
	return domain.PullRequest{
		Number:  p.Number,
		Title:   p.Title,
		HTMLURL: p.HTMLURL,
		Head:    p.Head.Ref,
		Base:    p.Base.Ref,
		State:   p.State,
		Draft:   p.Draft,
	}
}

type ghRepository struct {
	Name          string `json:"name"`
	Owner         ghUser `json:"owner"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
}

func (r ghRepository) toDomain() domain.Repository {
	return domain.Repository{
		Owner:         r.Owner.Login,
		Name:          r.Name,
		DefaultBranch: r.DefaultBranch,
		CloneURL:      r.CloneURL,
	}
}
