package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/geniusrise/geniusrise-text/internal/core/utils"
)

const (
	DefaultRevision = "main"

	sampleSize   = 512
	hashWorkers  = 4
	lfsMediaType = "application/vnd.git-lfs+json"
)

type UploadMode string

const (
	UploadRegular UploadMode = "regular"
	UploadLFS     UploadMode = "lfs"
)

// CommitOptions control how a folder is pushed.
type CommitOptions struct {
	Message  string
	Revision string
	Token    string
	CreatePR bool
}

type CommitResult struct {
	CommitOid      string `json:"commitOid"`
	CommitUrl      string `json:"commitUrl"`
	PullRequestUrl string `json:"pullRequestUrl,omitempty"`
}

type localFile struct {
	path   string // repo path, slash separated
	file   string // local path
	size   int64
	sample []byte
	sha256 string
	mode   UploadMode
}

func collectFiles(dir string) ([]*localFile, error) {
	var files []*localFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, &localFile{path: filepath.ToSlash(rel), file: path, size: info.Size()})
		return nil
	})
	return files, err
}

func hashFile(f *localFile) (*localFile, error) {
	file, err := os.Open(f.file)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	h := sha256.New()
	sample := &bytes.Buffer{}
	if _, err := io.Copy(h, io.TeeReader(io.LimitReader(file, sampleSize), sample)); err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, file); err != nil {
		return nil, err
	}
	f.sample = sample.Bytes()
	f.sha256 = hex.EncodeToString(h.Sum(nil))
	return f, nil
}

type preuploadFile struct {
	Path   string `json:"path"`
	Sample string `json:"sample"`
	Size   int64  `json:"size"`
}

type preuploadResponse struct {
	Files []struct {
		Path         string     `json:"path"`
		UploadMode   UploadMode `json:"uploadMode"`
		ShouldIgnore bool       `json:"shouldIgnore"`
	} `json:"files"`
}

// preupload asks the hub which files must go through LFS.
func (c *Client) preupload(ctx context.Context, repo string, files []*localFile, opts CommitOptions) ([]*localFile, error) {
	body := map[string][]preuploadFile{"files": {}}
	for _, f := range files {
		body["files"] = append(body["files"], preuploadFile{Path: f.path, Sample: base64.StdEncoding.EncodeToString(f.sample), Size: f.size})
	}

	var out preuploadResponse
	res, err := c.request(ctx, opts.Token).
		SetBody(body).
		SetResult(&out).
		Post(fmt.Sprintf("/api/models/%s/preupload/%s", escapePath(repo), url.PathEscape(opts.Revision)))
	if err != nil {
		return nil, fmt.Errorf("error preparing upload to %s: %w", repo, err)
	}
	if !res.IsSuccess() {
		return nil, statusError(res, fmt.Sprintf("error preparing upload to %s", repo))
	}

	modes := map[string]UploadMode{}
	ignored := map[string]bool{}
	for _, f := range out.Files {
		modes[f.Path] = f.UploadMode
		ignored[f.Path] = f.ShouldIgnore
	}

	kept := files[:0]
	for _, f := range files {
		if ignored[f.path] {
			continue
		}
		f.mode = modes[f.path]
		if f.mode == "" {
			f.mode = UploadRegular
		}
		kept = append(kept, f)
	}
	return kept, nil
}

type lfsObject struct {
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		lfsObject
		Actions map[string]lfsAction `json:"actions"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

// uploadLFS sends large files through the git LFS basic transfer protocol.
func (c *Client) uploadLFS(ctx context.Context, repo string, files []*localFile, opts CommitOptions) error {
	if len(files) == 0 {
		return nil
	}

	byOid := map[string]*localFile{}
	objects := make([]lfsObject, 0, len(files))
	for _, f := range files {
		byOid[f.sha256] = f
		objects = append(objects, lfsObject{Oid: f.sha256, Size: f.size})
	}

	var batch lfsBatchResponse
	res, err := c.request(ctx, opts.Token).
		SetHeader("Accept", lfsMediaType).
		SetHeader("Content-Type", lfsMediaType).
		SetBody(map[string]any{
			"operation": "upload",
			"transfers": []string{"basic"},
			"objects":   objects,
			"hash_algo": "sha256",
		}).
		Post(fmt.Sprintf("/%s.git/info/lfs/objects/batch", escapePath(repo)))
	if err != nil {
		return fmt.Errorf("error requesting lfs upload: %w", err)
	}
	if !res.IsSuccess() {
		return statusError(res, "error requesting lfs upload")
	}
	if err := json.Unmarshal(res.Body(), &batch); err != nil {
		return fmt.Errorf("error parsing lfs batch response: %w", err)
	}

	for _, obj := range batch.Objects {
		if obj.Error != nil {
			return fmt.Errorf("lfs upload of %s rejected: %s", obj.Oid, obj.Error.Message)
		}
		upload, ok := obj.Actions["upload"]
		if !ok {
			// already stored
			continue
		}
		f := byOid[obj.Oid]
		if f == nil {
			return fmt.Errorf("lfs batch returned unknown object %s", obj.Oid)
		}
		if err := c.putLFS(ctx, f, upload); err != nil {
			return err
		}
		if verify, ok := obj.Actions["verify"]; ok {
			res, err := c.client.R().SetContext(ctx).
				SetHeaders(verify.Header).
				SetHeader("Content-Type", lfsMediaType).
				SetBody(lfsObject{Oid: f.sha256, Size: f.size}).
				Post(verify.Href)
			if err != nil {
				return fmt.Errorf("error verifying lfs upload of %s: %w", f.path, err)
			}
			if !res.IsSuccess() {
				return statusError(res, fmt.Sprintf("error verifying lfs upload of %s", f.path))
			}
		}
		slog.Info("uploaded lfs file", "repo", repo, "path", f.path, "size", f.size)
	}
	return nil
}

func (c *Client) putLFS(ctx context.Context, f *localFile, action lfsAction) error {
	file, err := os.Open(f.file)
	if err != nil {
		return err
	}
	defer file.Close()

	res, err := c.client.R().SetContext(ctx).
		SetHeaders(action.Header).
		SetContentLength(true).
		SetBody(file).
		Put(action.Href)
	if err != nil {
		return fmt.Errorf("error uploading %s: %w", f.path, err)
	}
	if !res.IsSuccess() {
		return statusError(res, fmt.Sprintf("error uploading %s", f.path))
	}
	return nil
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (c *Client) commitBody(files []*localFile, message string) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(commitLine{Key: "header", Value: map[string]string{"summary": message, "description": ""}}); err != nil {
		return nil, err
	}
	for _, f := range files {
		var line commitLine
		if f.mode == UploadLFS {
			line = commitLine{Key: "lfsFile", Value: map[string]any{"path": f.path, "algo": "sha256", "oid": f.sha256, "size": f.size}}
		} else {
			data, err := os.ReadFile(f.file)
			if err != nil {
				return nil, err
			}
			line = commitLine{Key: "file", Value: map[string]string{"path": f.path, "content": base64.StdEncoding.EncodeToString(data), "encoding": "base64"}}
		}
		if err := enc.Encode(line); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Commit pushes every non hidden file under dir to the repo as a single commit.
func (c *Client) Commit(ctx context.Context, repo, dir string, opts CommitOptions) (*CommitResult, error) {
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.Message == "" {
		opts.Message = "Upload folder"
	}

	files, err := collectFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to upload in %s", dir)
	}

	if files, err = utils.RunInPool(hashFile, files, hashWorkers); err != nil {
		return nil, fmt.Errorf("error hashing files: %w", err)
	}

	if files, err = c.preupload(ctx, repo, files, opts); err != nil {
		return nil, err
	}

	var lfs []*localFile
	for _, f := range files {
		if f.mode == UploadLFS {
			lfs = append(lfs, f)
		}
	}
	if err := c.uploadLFS(ctx, repo, lfs, opts); err != nil {
		return nil, err
	}

	body, err := c.commitBody(files, opts.Message)
	if err != nil {
		return nil, fmt.Errorf("error building commit: %w", err)
	}

	req := c.request(ctx, opts.Token).
		SetHeader("Content-Type", "application/x-ndjson").
		SetBody(body).
		SetResult(&CommitResult{})
	if opts.CreatePR {
		req.SetQueryParam("create_pr", "1")
	}
	res, err := req.Post(fmt.Sprintf("/api/models/%s/commit/%s", escapePath(repo), url.PathEscape(opts.Revision)))
	if err != nil {
		return nil, fmt.Errorf("error committing to %s: %w", repo, err)
	}
	if !res.IsSuccess() {
		return nil, statusError(res, fmt.Sprintf("error committing to %s", repo))
	}

	result := res.Result().(*CommitResult)
	slog.Info("committed to hub", "repo", repo, "files", len(files), "lfs_files", len(lfs), "commit_url", result.CommitUrl, "pull_request_url", result.PullRequestUrl)
	return result, nil
}

// UploadFolder commits dir to the default revision.
func (c *Client) UploadFolder(ctx context.Context, repo, dir, message, token string, createPR bool) error {
	_, err := c.Commit(ctx, repo, dir, CommitOptions{Message: message, Token: token, CreatePR: createPR})
	return err
}
