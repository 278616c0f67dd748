package claudestate

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sessionIDTTL      = 15 * time.Second
	sessionNameReRead = 15 * time.Second

	debugTailBytes      = 16 * 1024
	transcriptHeadBytes = 64 * 1024
	transcriptTailBytes = 64 * 1024

	sessionNameMaxLen = 100
)

type sessionIDEntry struct {
	sessionID  string // "" means resolved-to-nothing; negative results are cached too
	resolvedAt time.Time
}

type sessionNameEntry struct {
	name           string
	transcriptMtim time.Time
	readAt         time.Time
}

// sessionResolver correlates Claude process ids to session ids via the
// debug logs, and session ids to human names via the transcripts. All file
// reads touch only the head/tail regions; a full-file read here would stall
// terminal streaming.
type sessionResolver struct {
	debugDir    string // e.g. ~/.claude/debug
	projectsDir string // e.g. ~/.claude/projects
	now         func() time.Time

	mu        sync.Mutex
	idCache   map[int]sessionIDEntry
	nameCache map[string]sessionNameEntry
}

func newSessionResolver(home string) *sessionResolver {
	return &sessionResolver{
		debugDir:    filepath.Join(home, ".claude", "debug"),
		projectsDir: filepath.Join(home, ".claude", "projects"),
		now:         time.Now,
		idCache:     make(map[int]sessionIDEntry),
		nameCache:   make(map[string]sessionNameEntry),
	}
}

// SessionID resolves a Claude pid to its session id by scanning the most
// recently modified debug files for the substring "tmp.<pid>.". Results,
// including misses, are cached for 15s to suppress repeated scans.
func (r *sessionResolver) SessionID(pid int) string {
	r.mu.Lock()
	if e, ok := r.idCache[pid]; ok && r.now().Sub(e.resolvedAt) < sessionIDTTL {
		r.mu.Unlock()
		return e.sessionID
	}
	r.mu.Unlock()

	sid := r.scanDebugLogs(pid)

	r.mu.Lock()
	r.idCache[pid] = sessionIDEntry{sessionID: sid, resolvedAt: r.now()}
	r.mu.Unlock()
	return sid
}

func (r *sessionResolver) scanDebugLogs(pid int) string {
	entries, err := os.ReadDir(r.debugDir)
	if err != nil {
		return ""
	}

	type candidate struct {
		name string
		mtim time.Time
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{name: e.Name(), mtim: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtim.After(files[j].mtim) })

	needle := "tmp." + strconv.Itoa(pid) + "."
	for _, f := range files {
		tail, err := readTail(filepath.Join(r.debugDir, f.name), debugTailBytes)
		if err != nil {
			continue
		}
		if strings.Contains(string(tail), needle) {
			return strings.TrimSuffix(f.name, ".txt")
		}
	}
	return ""
}

// SessionName resolves a session id to a display name from its transcript.
// A minimum 15s re-read interval applies even when the transcript mtime
// has changed.
func (r *sessionResolver) SessionName(sessionID, cwd string) string {
	if sessionID == "" {
		return ""
	}

	r.mu.Lock()
	if e, ok := r.nameCache[sessionID]; ok && r.now().Sub(e.readAt) < sessionNameReRead {
		r.mu.Unlock()
		return e.name
	}
	r.mu.Unlock()

	path := filepath.Join(r.projectsDir, encodePath(cwd), sessionID+".jsonl")
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	name := r.readTranscriptName(path)

	r.mu.Lock()
	r.nameCache[sessionID] = sessionNameEntry{
		name:           name,
		transcriptMtim: info.ModTime(),
		readAt:         r.now(),
	}
	r.mu.Unlock()
	return name
}

// transcriptRecord covers the two record shapes the resolver cares about.
type transcriptRecord struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// readTranscriptName prefers the most recent custom-title record in the
// tail, else the first plausible user message in the head.
func (r *sessionResolver) readTranscriptName(path string) string {
	if tail, err := readTail(path, transcriptTailBytes); err == nil {
		if title := lastCustomTitle(tail); title != "" {
			return truncate(title, sessionNameMaxLen)
		}
	}
	head, err := readHead(path, transcriptHeadBytes)
	if err != nil {
		return ""
	}
	return truncate(firstUserText(head), sessionNameMaxLen)
}

func lastCustomTitle(data []byte) string {
	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.Contains(line, "custom-title") {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type == "custom-title" && rec.Title != "" {
			return rec.Title
		}
	}
	return ""
}

func firstUserText(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" || rec.Message.Role != "user" {
			continue
		}
		text := contentText(rec.Message.Content)
		text = strings.TrimSpace(text)
		if len(text) < 4 || strings.HasPrefix(text, "<") || strings.HasPrefix(text, "[") {
			continue
		}
		return text
	}
	return ""
}

// contentText extracts plain text from either a string content field or a
// content-block array.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

// encodePath hyphen-encodes a working directory the way the transcript
// layout does: every path separator and dot becomes a hyphen.
func encodePath(p string) string {
	p = strings.ReplaceAll(p, "/", "-")
	return strings.ReplaceAll(p, ".", "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func readHead(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

func readTail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	offset := size - n
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
