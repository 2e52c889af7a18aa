// Package artifact persists tool invocation artifacts on disk.
//
// Layout per invocation:
//
//	<root>/threads/<thread>/lineages/<run>/tools/<tool>/<tool_use_id>/
//	    request.json    — the payload the tool was dispatched with
//	    response.json   — the normalized envelope returned to the model
//	    manifest.json   — every file under raw/ and files/ with size + SHA-256
//	    raw/*           — raw upstream payloads written by the handler
//	    files/*         — derived files written by the handler
//
// A per-source content cache lives at <source_cache_root>/<source>/.
// All writes are best-effort from the registry's point of view: a failed
// artifact write never fails the tool call itself.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Store writes invocation artifacts under Root and cached source content
// under CacheRoot. Paths are unique per (thread, run, tool_use_id), so
// parallel invocations never write the same file.
type Store struct {
	Root      string
	CacheRoot string
}

// NewStore creates a store rooted at the given directories.
func NewStore(root, cacheRoot string) *Store {
	return &Store{Root: root, CacheRoot: cacheRoot}
}

// ManifestFile is one entry in manifest.json.
type ManifestFile struct {
	Path   string `json:"path"` // relative to the invocation directory
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest enumerates everything persisted for one invocation.
type Manifest struct {
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id"`
	Tool      string         `json:"tool"`
	ToolUseID string         `json:"tool_use_id"`
	Files     []ManifestFile `json:"files"`
	Extra     []string       `json:"extra,omitempty"` // handler-declared artifacts
	WrittenAt string         `json:"written_at"`
}

// SanitizeSegment replaces characters outside [A-Za-z0-9._-] with '_' so
// identifiers are always safe as path segments.
func SanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// InvocationDir returns the directory for one tool invocation, creating it.
func (s *Store) InvocationDir(threadID, runID, toolName, toolUseID string) (string, error) {
	dir := filepath.Join(
		s.Root,
		"threads", SanitizeSegment(threadID),
		"lineages", SanitizeSegment(runID),
		"tools", SanitizeSegment(toolName),
		SanitizeSegment(toolUseID),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create invocation dir: %w", err)
	}
	return dir, nil
}

// WriteRequest persists the dispatched payload as request.json.
func (s *Store) WriteRequest(threadID, runID, toolName, toolUseID string, payload any) error {
	return s.writeJSON(threadID, runID, toolName, toolUseID, "request.json", payload)
}

// WriteResponse persists the normalized envelope as response.json.
func (s *Store) WriteResponse(threadID, runID, toolName, toolUseID string, envelope any) error {
	return s.writeJSON(threadID, runID, toolName, toolUseID, "response.json", envelope)
}

// WriteRaw persists a raw upstream payload under raw/ and returns its path.
func (s *Store) WriteRaw(threadID, runID, toolName, toolUseID, name string, data []byte) (string, error) {
	dir, err := s.InvocationDir(threadID, runID, toolName, toolUseID)
	if err != nil {
		return "", err
	}
	rawDir := filepath.Join(dir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return "", fmt.Errorf("create raw dir: %w", err)
	}
	path := filepath.Join(rawDir, SanitizeSegment(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write raw artifact: %w", err)
	}
	return path, nil
}

// WriteManifest enumerates raw/ and files/ and writes manifest.json.
// extra carries handler-declared artifact names outside those directories.
func (s *Store) WriteManifest(threadID, runID, toolName, toolUseID string, extra []string) error {
	dir, err := s.InvocationDir(threadID, runID, toolName, toolUseID)
	if err != nil {
		return err
	}
	m := Manifest{
		ThreadID:  threadID,
		RunID:     runID,
		Tool:      toolName,
		ToolUseID: toolUseID,
		Extra:     extra,
		WrittenAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, sub := range []string{"raw", "files"} {
		base := filepath.Join(dir, sub)
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				return nil
			}
			size, sum, hashErr := hashFile(path)
			if hashErr != nil {
				return nil
			}
			m.Files = append(m.Files, ManifestFile{Path: filepath.ToSlash(rel), Size: size, SHA256: sum})
			return nil
		})
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// CachePut stores content in the per-source cache and returns its path.
// The content hash is the file name, so identical payloads share one entry.
func (s *Store) CachePut(source string, data []byte) (string, error) {
	dir := filepath.Join(s.CacheRoot, SanitizeSegment(source))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(dir, hex.EncodeToString(sum[:]))
	if _, err := os.Stat(path); err == nil {
		return path, nil // already cached
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write cache entry: %w", err)
	}
	return path, nil
}

// CacheGet returns cached content by its hex SHA-256, or false when absent.
func (s *Store) CacheGet(source, sum string) ([]byte, bool) {
	path := filepath.Join(s.CacheRoot, SanitizeSegment(source), SanitizeSegment(sum))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Store) writeJSON(threadID, runID, toolName, toolUseID, name string, v any) error {
	dir, err := s.InvocationDir(threadID, runID, toolName, toolUseID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func hashFile(path string) (int64, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	sum := sha256.Sum256(data)
	return int64(len(data)), hex.EncodeToString(sum[:]), nil
}
