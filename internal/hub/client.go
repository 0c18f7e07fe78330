package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/core/utils"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultEndpoint = "https://huggingface.co"

	downloadWorkers = 4
	requestTimeout  = 30 * time.Second
)

var (
	ErrNotFound     = errors.New("hub resource not found")
	ErrUnauthorized = errors.New("hub request unauthorized")
)

// Client talks to a Hugging Face compatible model hub.
type Client struct {
	client *resty.Client
	token  string
}

func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		client: resty.New().SetBaseURL(strings.TrimSuffix(endpoint, "/")),
		token:  token,
	}
}

func (c *Client) request(ctx context.Context, token string) *resty.Request {
	if token == "" {
		token = c.token
	}
	req := c.client.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// escapePath escapes every segment of a slash separated path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func statusError(res *resty.Response, action string) error {
	switch res.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", action, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w (status %d)", action, ErrUnauthorized, res.StatusCode())
	default:
		return fmt.Errorf("%s: hub returned status %d: %s", action, res.StatusCode(), strings.TrimSpace(res.String()))
	}
}

type repoInfo struct {
	Id       string `json:"id"`
	Sha      string `json:"sha"`
	Siblings []struct {
		Filename string `json:"rfilename"`
	} `json:"siblings"`
}

// ListFiles returns the paths of every file in a model repo at a revision.
func (c *Client) ListFiles(ctx context.Context, repo, revision string) ([]string, error) {
	var info repoInfo
	res, err := c.request(ctx, "").
		SetResult(&info).
		Get(fmt.Sprintf("/api/models/%s/revision/%s", escapePath(repo), url.PathEscape(revision)))
	if err != nil {
		return nil, fmt.Errorf("error listing files of %s: %w", repo, err)
	}
	if !res.IsSuccess() {
		return nil, statusError(res, fmt.Sprintf("error listing files of %s@%s", repo, revision))
	}

	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		files = append(files, s.Filename)
	}
	return files, nil
}

// DownloadFile fetches one file of a repo to dest/<file>.
func (c *Client) DownloadFile(ctx context.Context, repo, revision, file, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(file))
	// file names come from the hub listing and must stay inside dest
	if rel, err := filepath.Rel(dest, target); err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("invalid repo file path %q", file)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", file, err)
	}

	partial := target + ".incomplete"
	res, err := c.request(ctx, "").
		SetOutput(partial).
		Get(fmt.Sprintf("/%s/resolve/%s/%s", escapePath(repo), url.PathEscape(revision), escapePath(file)))
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("error downloading %s: %w", file, err)
	}
	if !res.IsSuccess() {
		os.Remove(partial)
		return statusError(res, fmt.Sprintf("error downloading %s", file))
	}
	return os.Rename(partial, target)
}

// Download fetches every file of a repo at a revision into dest.
func (c *Client) Download(ctx context.Context, repo, revision, dest string) error {
	files, err := c.ListFiles(ctx, repo, revision)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("repo %s@%s has no files", repo, revision)
	}

	start := time.Now()
	_, err = utils.RunInPool(func(file string) (struct{}, error) {
		return struct{}{}, c.DownloadFile(ctx, repo, revision, file, dest)
	}, files, downloadWorkers)
	if err != nil {
		return err
	}

	slog.Info("downloaded repo", "repo", repo, "revision", revision, "files", len(files), "duration", time.Since(start))
	return nil
}

type createRepoRequest struct {
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
	Type         string `json:"type"`
}

// CreateRepo creates a model repo. An existing repo is not an error.
func (c *Client) CreateRepo(ctx context.Context, repo, token string, private bool) error {
	body := createRepoRequest{Name: repo, Private: private, Type: "model"}
	if org, name, ok := strings.Cut(repo, "/"); ok {
		body.Organization, body.Name = org, name
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	res, err := c.request(ctx, token).SetBody(body).Post("/api/repos/create")
	if err != nil {
		return fmt.Errorf("error creating repo %s: %w", repo, err)
	}
	if res.StatusCode() == http.StatusConflict {
		slog.Info("hub repo already exists", "repo", repo)
		return nil
	}
	if !res.IsSuccess() {
		return statusError(res, fmt.Sprintf("error creating repo %s", repo))
	}
	slog.Info("created hub repo", "repo", repo, "private", private)
	return nil
}
