package plugins

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RepoClient fetches the remote tool repository. The concrete client talks a
// GitHub-style API; tests substitute their own.
type RepoClient interface {
	Tree(ctx context.Context) ([]TreeEntry, error)
	FileContent(ctx context.Context, path string) (string, error)
}

// TreeEntry is one node in the repository tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// GitHubClient implements RepoClient against the GitHub REST API.
type GitHubClient struct {
	apiBase    string
	repo       string
	branch     string
	token      string
	httpClient *http.Client
}

func NewGitHubClient(apiBase, repo, branch, token string, timeout time.Duration) *GitHubClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHubClient{
		apiBase:    strings.TrimRight(apiBase, "/"),
		repo:       repo,
		branch:     branch,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Tree fetches the full recursive tree of the configured branch in a single
// call.
func (c *GitHubClient) Tree(ctx context.Context) ([]TreeEntry, error) {
	url := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", c.apiBase, c.repo, c.branch)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tree []TreeEntry `json:"tree"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode tree listing: %w", err)
	}
	return payload.Tree, nil
}

// FileContent fetches one file through the contents endpoint and decodes the
// base64 payload.
func (c *GitHubClient) FileContent(ctx context.Context, path string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s", c.apiBase, c.repo, path, c.branch)
	body, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	var payload struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode contents response: %w", err)
	}
	if payload.Encoding != "base64" {
		return "", fmt.Errorf("unexpected encoding %q for %s", payload.Encoding, path)
	}
	// GitHub wraps base64 content with newlines.
	raw := strings.ReplaceAll(payload.Content, "\n", "")
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return string(decoded), nil
}

func (c *GitHubClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return body, nil
}
