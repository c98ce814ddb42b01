package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gorilla/mux"
)

// BlobStore is a content-addressed blob store rooted at a directory, keyed
// by the blob's hex SHA-256. Range/ETag/conditional-GET semantics are
// delegated to http.ServeContent, which already implements 206/304/416
// correctly — no third-party CAS library in the pack improves on this.
type BlobStore struct {
	Root string

	mu        sync.Mutex
	downloads map[string]bool // id -> in-progress
}

// NewBlobStore constructs a BlobStore rooted at dir.
func NewBlobStore(dir string) *BlobStore {
	return &BlobStore{Root: dir, downloads: make(map[string]bool)}
}

func (b *BlobStore) path(sum string) string {
	return filepath.Join(b.Root, sum[:2], sum)
}

// Put stores data, keyed by its own SHA-256, and returns the hex digest.
func (b *BlobStore) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	path := b.path(hexSum)
	if _, err := os.Stat(path); err == nil {
		return hexSum, nil // already present, content-addressed dedup
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return hexSum, nil
}

// ByHash implements GET/HEAD /admin/models/by-hash/{sha256}.
func (b *BlobStore) ByHash(w http.ResponseWriter, r *http.Request) {
	sum := mux.Vars(r)["sha256"]
	f, err := os.Open(b.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			writeProblem(w, http.StatusNotFound, "Blob not found", sum)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}
	w.Header().Set("ETag", `"`+sum+`"`)
	http.ServeContent(w, r, sum, info.ModTime(), f)
}

// ListHashes implements GET /state/models_hashes: a paginated CAS index.
func (b *BlobStore) ListHashes(w http.ResponseWriter, r *http.Request) {
	var hashes []string
	_ = filepath.WalkDir(b.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".tmp" {
			return nil
		}
		hashes = append(hashes, d.Name())
		return nil
	})
	sort.Strings(hashes)

	limit := 200
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n := parsePositiveInt(v); n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n := parsePositiveInt(v); n > 0 {
			offset = n
		}
	}
	end := offset + limit
	if offset > len(hashes) {
		offset = len(hashes)
	}
	if end > len(hashes) {
		end = len(hashes)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(hashes), "items": hashes[offset:end]})
}

// Download implements POST /admin/models/download: accepts a pre-fetched
// body and stores it content-addressed; it does not fetch anything from a
// remote source.
func (b *BlobStore) Download(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeProblem(w, http.StatusBadRequest, "Missing id", "id query parameter required")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 512<<20))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Read failed", err.Error())
		return
	}
	b.mu.Lock()
	b.downloads[id] = true
	b.mu.Unlock()

	sum, err := b.Put(data)
	b.mu.Lock()
	delete(b.downloads, id)
	b.mu.Unlock()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Store failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "sha256": sum})
}

// CancelDownload implements POST /admin/models/download/cancel.
func (b *BlobStore) CancelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	b.mu.Lock()
	_, active := b.downloads[id]
	delete(b.downloads, id)
	b.mu.Unlock()
	if !active {
		writeProblem(w, http.StatusNotImplemented, "Not active", "no matching in-progress download")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func parsePositiveInt(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
