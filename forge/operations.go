// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"time"
)

// User is the forge account attached to a resource.
type User struct {
	Login string `json:"login"`
}

// PullRequest is the subset of the forge pull request object the
// gateway consumes.
type PullRequest struct {
	Number    int       `json:"number"`
	State     string    `json:"state"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	Head      Ref       `json:"head"`
	Base      Ref       `json:"base"`
}

// Ref names one side of a pull request.
type Ref struct {
	Ref string `json:"ref"`
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Issue is the subset of the forge issue object the gateway consumes.
type Issue struct {
	Number    int       `json:"number"`
	State     string    `json:"state"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPullRequest is the payload for CreatePullRequest.
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// CreatePullRequest opens a pull request.
func (client *Client) CreatePullRequest(ctx context.Context, owner, repo string, pull NewPullRequest) (*PullRequest, error) {
	var created PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := client.post(ctx, path, pull, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetPullRequest fetches a pull request, authorship included. The
// ownership checks call this at decision time rather than trusting
// anything cached.
func (client *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pull PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := client.get(ctx, path, &pull); err != nil {
		return nil, err
	}
	return &pull, nil
}

// ClosePullRequest sets a pull request's state to closed.
func (client *Client) ClosePullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var closed PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	payload := map[string]string{"state": "closed"}
	if err := client.patch(ctx, path, payload, &closed); err != nil {
		return nil, err
	}
	return &closed, nil
}

// CreateIssueComment comments on an issue or pull request (the forge
// shares the comment endpoint between the two).
func (client *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var created Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	payload := map[string]string{"body": body}
	if err := client.post(ctx, path, payload, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetComment fetches a comment, authorship included.
func (client *Client) GetComment(ctx context.Context, owner, repo string, commentID int64) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	if err := client.get(ctx, path, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// UpdateComment replaces a comment's body.
func (client *Client) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*Comment, error) {
	var updated Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	payload := map[string]string{"body": body}
	if err := client.patch(ctx, path, payload, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// NewIssue is the payload for CreateIssue.
type NewIssue struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// CreateIssue opens an issue.
func (client *Client) CreateIssue(ctx context.Context, owner, repo string, issue NewIssue) (*Issue, error) {
	var created Issue
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if err := client.post(ctx, path, issue, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Identity returns the login the credential authenticates as. The
// ownership checks compare resource authors against this.
func (client *Client) Identity(ctx context.Context) (string, error) {
	var user User
	if err := client.get(ctx, "/user", &user); err != nil {
		return "", err
	}
	if user.Login == "" {
		return "", fmt.Errorf("forge: credential has no associated login")
	}
	return user.Login, nil
}
