package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
)

// ProjectStore serves project listings and notes under a root directory
// (ARW_PROJECTS_DIR), guarding writes with optimistic concurrency over the
// previous file's SHA-256 (spec §6.1 PUT /projects/{proj}/notes).
type ProjectStore struct {
	Root       string
	MaxFileMB  int
}

func (p *ProjectStore) notesPath(project string) (string, error) {
	if strings.Contains(project, "..") || strings.ContainsAny(project, "/\\") {
		return "", os.ErrInvalid
	}
	return filepath.Join(p.Root, project, "NOTES.md"), nil
}

// List implements GET /state/projects: the set of project directories.
func (p *ProjectStore) List(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(p.Root)
	if err != nil && !os.IsNotExist(err) {
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": names})
}

// GetNotes implements reading a project's NOTES.md.
func (p *ProjectStore) GetNotes(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["proj"]
	path, err := p.notesPath(project)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid project name", "path traversal rejected")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"content": "", "sha256": emptySHA})
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}
	sum := sha256.Sum256(data)
	writeJSON(w, http.StatusOK, map[string]any{"content": string(data), "sha256": hex.EncodeToString(sum[:])})
}

var emptySHA = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

type notesWriteRequest struct {
	Content    string `json:"content"`
	PrevSHA256 string `json:"prev_sha256"`
}

const defaultMaxFileMB = 10

// PutNotes implements PUT /projects/{proj}/notes: optimistic-concurrency
// save. The caller must supply prev_sha256 matching the current on-disk
// content (or the SHA-256 of empty content for a fresh file); a
// mismatch is a 409.
func (p *ProjectStore) PutNotes(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["proj"]
	path, err := p.notesPath(project)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid project name", "path traversal rejected")
		return
	}

	var req notesWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	maxMB := p.MaxFileMB
	if maxMB <= 0 {
		maxMB = defaultMaxFileMB
	}
	if len(req.Content) > maxMB*1024*1024 {
		writeProblem(w, http.StatusBadRequest, "File too large", "content exceeds ARW_PROJECT_MAX_FILE_MB")
		return
	}

	existing, readErr := os.ReadFile(path)
	var currentSHA string
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			writeProblem(w, http.StatusInternalServerError, "Internal error", readErr.Error())
			return
		}
		currentSHA = emptySHA
	} else {
		sum := sha256.Sum256(existing)
		currentSHA = hex.EncodeToString(sum[:])
	}

	if req.PrevSHA256 != currentSHA {
		writeProblemErrors(w, http.StatusConflict, "Concurrent modification", "prev_sha256 does not match current content",
			map[string]any{"current_sha256": currentSHA})
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(req.Content), 0o600); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
		return
	}

	newSum := sha256.Sum256([]byte(req.Content))
	writeJSON(w, http.StatusOK, map[string]any{"sha256": hex.EncodeToString(newSum[:])})
}
