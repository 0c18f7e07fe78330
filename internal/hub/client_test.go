package hub_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/geniusrise/geniusrise-text/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHubServer struct {
	mu       sync.Mutex
	files    map[string]string
	created  []map[string]any
	commits  [][]map[string]any
	lfsPuts  map[string]int
	auth     []string
	prFlags  []string
	lfsFiles map[string]bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newFakeHub(t *testing.T) (*fakeHubServer, *httptest.Server) {
	f := &fakeHubServer{
		files:    map[string]string{"config.json": `{"a":1}`, "sub/vocab.txt": "hello"},
		lfsPuts:  map[string]int{},
		lfsFiles: map[string]bool{},
	}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models/org/model/revision/main", func(w http.ResponseWriter, r *http.Request) {
		siblings := []map[string]string{}
		for name := range f.files {
			siblings = append(siblings, map[string]string{"rfilename": name})
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "org/model", "siblings": siblings})
	})
	mux.HandleFunc("GET /org/model/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/org/model/resolve/main/")
		content, ok := f.files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, content)
	})
	mux.HandleFunc("POST /api/repos/create", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.created = append(f.created, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		if body["name"] == "exists" {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "exists"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": "x"})
	})
	mux.HandleFunc("POST /api/models/org/model/preupload/main", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Files []struct {
				Path string `json:"path"`
				Size int64  `json:"size"`
			} `json:"files"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		out := []map[string]any{}
		for _, file := range body.Files {
			mode := "regular"
			if strings.HasSuffix(file.Path, ".bin") {
				mode = "lfs"
			}
			out = append(out, map[string]any{"path": file.Path, "uploadMode": mode, "shouldIgnore": false})
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": out})
	})
	mux.HandleFunc("POST /org/model.git/info/lfs/objects/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Objects []struct {
				Oid  string `json:"oid"`
				Size int64  `json:"size"`
			} `json:"objects"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		objects := []map[string]any{}
		for _, obj := range body.Objects {
			objects = append(objects, map[string]any{
				"oid":  obj.Oid,
				"size": obj.Size,
				"actions": map[string]any{
					"upload": map[string]any{"href": srv.URL + "/lfs/" + obj.Oid, "header": map[string]string{"X-Upload": "1"}},
				},
			})
		}
		w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
		json.NewEncoder(w).Encode(map[string]any{"objects": objects})
	})
	mux.HandleFunc("PUT /lfs/", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lfsPuts[strings.TrimPrefix(r.URL.Path, "/lfs/")] = len(data)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/models/org/model/commit/main", func(w http.ResponseWriter, r *http.Request) {
		var lines []map[string]any
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		for scanner.Scan() {
			var line map[string]any
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
			lines = append(lines, line)
		}
		f.mu.Lock()
		f.commits = append(f.commits, lines)
		f.prFlags = append(f.prFlags, r.URL.Query().Get("create_pr"))
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"commitOid": "abc", "commitUrl": srv.URL + "/commit/abc"})
	})
	mux.HandleFunc("POST /api/models/org/denied/preupload/main", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestDownload(t *testing.T) {
	_, srv := newFakeHub(t)
	client := hub.NewClient(srv.URL, "")

	dest := t.TempDir()
	require.NoError(t, client.Download(context.Background(), "org/model", "main", dest))

	data, err := os.ReadFile(filepath.Join(dest, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	data, err = os.ReadFile(filepath.Join(dest, "sub", "vocab.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(filepath.Join(dest, "config.json.incomplete"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadMissing(t *testing.T) {
	_, srv := newFakeHub(t)
	client := hub.NewClient(srv.URL, "")

	err := client.Download(context.Background(), "org/missing", "main", t.TempDir())
	assert.ErrorIs(t, err, hub.ErrNotFound)

	err = client.DownloadFile(context.Background(), "org/model", "main", "nope.txt", t.TempDir())
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestDownloadRejectsEscapingPaths(t *testing.T) {
	f, srv := newFakeHub(t)
	f.files["../evil.txt"] = "pwned"
	client := hub.NewClient(srv.URL, "")

	root := t.TempDir()
	dest := filepath.Join(root, "model")
	err := client.Download(context.Background(), "org/model", "main", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid repo file path")

	_, err = os.Stat(filepath.Join(root, "evil.txt"))
	assert.True(t, os.IsNotExist(err))

	for _, file := range []string{"../../etc/passwd", "..", "sub/../../x"} {
		err := client.DownloadFile(context.Background(), "org/model", "main", file, dest)
		assert.ErrorContains(t, err, "invalid repo file path", file)
	}
}

func TestCreateRepo(t *testing.T) {
	f, srv := newFakeHub(t)
	client := hub.NewClient(srv.URL, "default-token")

	require.NoError(t, client.CreateRepo(context.Background(), "org/new", "", true))
	require.NoError(t, client.CreateRepo(context.Background(), "exists", "override", false))

	require.Len(t, f.created, 2)
	assert.Equal(t, "new", f.created[0]["name"])
	assert.Equal(t, "org", f.created[0]["organization"])
	assert.Equal(t, true, f.created[0]["private"])
	assert.Equal(t, "model", f.created[0]["type"])
	assert.Equal(t, []string{"Bearer default-token", "Bearer override"}, f.auth)
}

func TestUploadFolder(t *testing.T) {
	f, srv := newFakeHub(t)
	client := hub.NewClient(srv.URL, "token")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"x":1}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), []byte(strings.Repeat("w", 2048)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cache", "x"), []byte("skip"), 0644))

	require.NoError(t, client.UploadFolder(context.Background(), "org/model", dir, "Upload model", "", true))

	require.Len(t, f.commits, 1)
	lines := f.commits[0]
	require.Len(t, lines, 3)
	assert.Equal(t, "header", lines[0]["key"])
	assert.Equal(t, "Upload model", lines[0]["value"].(map[string]any)["summary"])

	byKey := map[string]map[string]any{}
	for _, line := range lines[1:] {
		byKey[line["key"].(string)] = line["value"].(map[string]any)
	}
	require.Contains(t, byKey, "file")
	require.Contains(t, byKey, "lfsFile")

	assert.Equal(t, "config.json", byKey["file"]["path"])
	content, err := base64.StdEncoding.DecodeString(byKey["file"]["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(content))

	lfs := byKey["lfsFile"]
	assert.Equal(t, "weights.bin", lfs["path"])
	assert.Equal(t, "sha256", lfs["algo"])
	assert.EqualValues(t, 2048, lfs["size"])
	assert.Equal(t, 2048, f.lfsPuts[lfs["oid"].(string)])

	assert.Equal(t, []string{"1"}, f.prFlags)
}

func TestUploadFolderErrors(t *testing.T) {
	_, srv := newFakeHub(t)
	client := hub.NewClient(srv.URL, "token")

	err := client.UploadFolder(context.Background(), "org/model", t.TempDir(), "", "", false)
	assert.ErrorContains(t, err, "nothing to upload")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	err = client.UploadFolder(context.Background(), "org/denied", dir, "", "", false)
	assert.ErrorIs(t, err, hub.ErrUnauthorized)
}
