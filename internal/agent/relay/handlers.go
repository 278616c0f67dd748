package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime"
	"strconv"

	"github.com/49agents/tc2/internal/agent/beads"
	"github.com/49agents/tc2/internal/agent/claudestate"
	"github.com/49agents/tc2/internal/agent/files"
	"github.com/49agents/tc2/internal/agent/gitgraph"
	"github.com/49agents/tc2/internal/agent/gitscan"
	"github.com/49agents/tc2/internal/agent/panes"
	"github.com/49agents/tc2/internal/agent/sysinfo"
	"github.com/49agents/tc2/internal/agent/terminal"
	"github.com/49agents/tc2/internal/agent/tmux"
	"github.com/49agents/tc2/internal/protocol"
)

// Services groups every local service the multiplex can reach.
type Services struct {
	Terminals *terminal.Manager
	Tmux      *tmux.Tmux
	Files     *files.Service
	Panes     *panes.Service
	Scanner   *gitscan.Scanner
	Graphs    *gitgraph.Service
	Beads     *beads.Service
	Detector  *claudestate.Detector
	Metrics   *sysinfo.Collector

	Version string
}

// Handlers implements Dispatcher over the local services.
type Handlers struct {
	svc    Services
	router *Router
}

func NewHandlers(svc Services) *Handlers {
	h := &Handlers{svc: svc, router: NewRouter()}
	h.registerRoutes()
	return h
}

// HandleRequest answers one multiplexed REST call.
func (h *Handlers) HandleRequest(ctx context.Context, call *Call) protocol.Response {
	return h.router.Dispatch(ctx, call)
}

// HandleMessage processes terminal stream frames.
func (h *Handlers) HandleMessage(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTerminalAttach:
		var p protocol.TerminalAttach
		if json.Unmarshal(env.Payload, &p) == nil {
			go func() { _ = h.svc.Terminals.Attach(ctx, p.TerminalID, p.Cols, p.Rows) }()
		}

	case protocol.TypeTerminalInput:
		var p protocol.TerminalInput
		if json.Unmarshal(env.Payload, &p) == nil {
			h.svc.Terminals.Input(ctx, p.TerminalID, p.Data)
		}

	case protocol.TypeTerminalResize:
		var p protocol.TerminalResize
		if json.Unmarshal(env.Payload, &p) == nil {
			h.svc.Terminals.Resize(ctx, p.TerminalID, p.Cols, p.Rows)
		}

	case protocol.TypeTerminalScroll:
		var p protocol.TerminalScroll
		if json.Unmarshal(env.Payload, &p) == nil {
			if err := h.svc.Terminals.Scroll(ctx, p.TerminalID, p.Lines); err != nil {
				slog.Debug("scroll failed", "terminal_id", p.TerminalID, "error", err)
			}
		}

	case protocol.TypeTerminalDetach:
		var p protocol.TerminalRef
		if json.Unmarshal(env.Payload, &p) == nil {
			h.svc.Terminals.Detach(p.TerminalID)
		}

	case protocol.TypeTerminalClose:
		var p protocol.TerminalRef
		if json.Unmarshal(env.Payload, &p) == nil {
			if err := h.svc.Terminals.Close(ctx, p.TerminalID); err != nil {
				slog.Warn("close failed", "terminal_id", p.TerminalID, "error", err)
			}
		}

	case protocol.TypeTerminalResume:
		var p protocol.TerminalResume
		if json.Unmarshal(env.Payload, &p) == nil {
			go h.resumeAndAttach(ctx, p)
		}

	default:
		slog.Debug("unhandled message type", "type", env.Type)
	}
}

func (h *Handlers) resumeAndAttach(ctx context.Context, p protocol.TerminalResume) {
	if _, err := h.svc.Terminals.Resume(ctx, p.TerminalID, p.WorkingDir); err != nil {
		slog.Warn("resume failed", "terminal_id", p.TerminalID, "error", err)
		return
	}
	if p.Cols > 0 && p.Rows > 0 {
		_ = h.svc.Terminals.Attach(ctx, p.TerminalID, p.Cols, p.Rows)
	}
}

func (h *Handlers) registerRoutes() {
	r := h.router

	// Terminals.
	r.Handle("GET", "/api/terminals", h.listTerminals)
	r.Handle("POST", "/api/terminals", h.createTerminal)
	r.Handle("POST", "/api/terminals/resume", h.resumeTerminal)
	r.Handle("DELETE", "/api/terminals/:id", h.deleteTerminal)
	r.Handle("GET", "/api/terminals/processes", h.terminalProcesses)
	r.Handle("GET", "/api/terminals/states", h.terminalStates)

	// Files.
	r.Handle("GET", "/api/files/browse", h.browseFiles)
	r.Handle("GET", "/api/files/read", h.readFile)
	r.Handle("POST", "/api/files/create", h.createFile)
	r.Handle("POST", "/api/files/rename", h.renameFile)
	r.Handle("POST", "/api/files/mkdir", h.mkdir)
	r.Handle("DELETE", "/api/files/delete", h.deleteFile)

	// File panes.
	r.Handle("GET", "/api/file-panes", h.listFilePanes)
	r.Handle("POST", "/api/file-panes", h.createFilePane)
	r.Handle("GET", "/api/file-panes/:id", h.readFilePane)
	r.Handle("PUT", "/api/file-panes/:id", h.writeFilePane)
	r.Handle("DELETE", "/api/file-panes/:id", h.deleteFilePane)

	// Notes.
	r.Handle("GET", "/api/notes", h.listNotes)
	r.Handle("POST", "/api/notes", h.createNote)
	r.Handle("PUT", "/api/notes/:id", h.updateNote)
	r.Handle("DELETE", "/api/notes/:id", h.deleteNote)

	// Git graphs.
	r.Handle("GET", "/api/git-graphs", h.listGitGraphs)
	r.Handle("POST", "/api/git-graphs", h.createGitGraph)
	r.Handle("DELETE", "/api/git-graphs/:id", h.deleteGitGraph)
	r.Handle("GET", "/api/git-graphs/:id/data", h.gitGraphData)
	r.Handle("POST", "/api/git-graphs/:id/push", h.gitGraphPush)

	// Iframes.
	r.Handle("GET", "/api/iframes", h.listIframes)
	r.Handle("POST", "/api/iframes", h.createIframe)
	r.Handle("DELETE", "/api/iframes/:id", h.deleteIframe)

	// Folder panes.
	r.Handle("GET", "/api/folder-panes", h.listFolderPanes)
	r.Handle("POST", "/api/folder-panes", h.createFolderPane)
	r.Handle("DELETE", "/api/folder-panes/:id", h.deleteFolderPane)

	// Issue panes.
	r.Handle("GET", "/api/beads-panes", h.listBeadsPanes)
	r.Handle("POST", "/api/beads-panes", h.createBeadsPane)
	r.Handle("DELETE", "/api/beads-panes/:id", h.deleteBeadsPane)
	r.Handle("GET", "/api/beads-panes/:id/issues", h.listIssues)
	r.Handle("POST", "/api/beads-panes/:id/issues", h.createIssue)
	r.Handle("POST", "/api/beads-panes/:id/issues/close", h.closeIssue)

	// Repo discovery and git status.
	r.Handle("GET", "/api/git-repos", h.scanRepos)
	r.Handle("GET", "/api/git-repos/in-folder", h.scanFolder)
	r.Handle("GET", "/api/git-status", h.gitStatus)

	// Host.
	r.Handle("GET", "/api/metrics", h.hostMetrics)
	r.Handle("GET", "/api/devices", h.devices)
}

// --- terminals ---

func (h *Handlers) listTerminals(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"terminals": h.svc.Terminals.ListRecords(ctx)})
}

func (h *Handlers) createTerminal(ctx context.Context, call *Call) Result {
	var body struct {
		WorkingDir string `json:"workingDir"`
	}
	if len(call.Body) > 0 {
		if err := call.Bind(&body); err != nil {
			return Invalid("%v", err)
		}
	}
	rec, err := h.svc.Terminals.Create(ctx, body.WorkingDir)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(rec)
}

func (h *Handlers) resumeTerminal(ctx context.Context, call *Call) Result {
	var body struct {
		TerminalID string `json:"terminalId"`
		WorkingDir string `json:"workingDir"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	rec, err := h.svc.Terminals.Resume(ctx, body.TerminalID, body.WorkingDir)
	if err != nil {
		return NotFound("%v", err)
	}
	return OK(rec)
}

func (h *Handlers) deleteTerminal(ctx context.Context, call *Call) Result {
	if err := h.svc.Terminals.Delete(ctx, call.Params["id"]); err != nil {
		return NotFound("%v", err)
	}
	return OK(map[string]bool{"ok": true})
}

func (h *Handlers) terminalProcesses(ctx context.Context, call *Call) Result {
	procs, err := h.svc.Tmux.ListPanes(ctx)
	if err != nil {
		return Failure(err)
	}
	return OK(map[string]any{"processes": procs})
}

func (h *Handlers) terminalStates(ctx context.Context, call *Call) Result {
	states, err := h.svc.Detector.DetectAll(ctx)
	if err != nil {
		return Failure(err)
	}
	return OK(states)
}

// --- files ---

func (h *Handlers) browseFiles(ctx context.Context, call *Call) Result {
	path := call.Query.Get("path")
	showHidden := call.Query.Get("showHidden") == "true"
	entries, err := h.svc.Files.Browse(path, showHidden)
	if err != nil {
		return Invalid("%v", err)
	}
	return OK(map[string]any{"entries": entries})
}

func (h *Handlers) readFile(ctx context.Context, call *Call) Result {
	content, err := h.svc.Files.Read(call.Query.Get("path"))
	if err != nil {
		return Invalid("%v", err)
	}
	return OK(map[string]string{"content": content})
}

func (h *Handlers) createFile(ctx context.Context, call *Call) Result {
	var body struct {
		Path string `json:"path"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	p, err := h.svc.Files.Create(body.Path)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(map[string]string{"path": p})
}

func (h *Handlers) renameFile(ctx context.Context, call *Call) Result {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	p, err := h.svc.Files.Rename(body.From, body.To)
	if err != nil {
		return Invalid("%v", err)
	}
	return OK(map[string]string{"path": p})
}

func (h *Handlers) mkdir(ctx context.Context, call *Call) Result {
	var body struct {
		Path string `json:"path"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	p, err := h.svc.Files.Mkdir(body.Path)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(map[string]string{"path": p})
}

func (h *Handlers) deleteFile(ctx context.Context, call *Call) Result {
	path := call.Query.Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := call.Bind(&body); err != nil {
			return Invalid("path is required")
		}
		path = body.Path
	}
	if err := h.svc.Files.Delete(path); err != nil {
		return Invalid("%v", err)
	}
	return OK(map[string]bool{"ok": true})
}

// --- file panes ---

func (h *Handlers) listFilePanes(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"filePanes": h.svc.Panes.FilePanes.List()})
}

func (h *Handlers) createFilePane(ctx context.Context, call *Call) Result {
	var body struct {
		Title string `json:"title"`
		Path  string `json:"path"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	p, err := h.svc.Panes.CreateFilePane(body.Title, body.Path)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(p)
}

func (h *Handlers) readFilePane(ctx context.Context, call *Call) Result {
	p, err := h.svc.Panes.ReadFilePane(call.Params["id"])
	if err != nil {
		return NotFound("%v", err)
	}
	return OK(p)
}

func (h *Handlers) writeFilePane(ctx context.Context, call *Call) Result {
	var body struct {
		Content string `json:"content"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	p, err := h.svc.Panes.WriteFilePane(call.Params["id"], body.Content)
	if err != nil {
		return NotFound("%v", err)
	}
	return OK(p)
}

func (h *Handlers) deleteFilePane(ctx context.Context, call *Call) Result {
	return h.deleteFrom(func(id string) (bool, error) { return h.svc.Panes.FilePanes.Delete(id) }, call)
}

// --- notes ---

func (h *Handlers) listNotes(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"notes": h.svc.Panes.Notes.List()})
}

func (h *Handlers) createNote(ctx context.Context, call *Call) Result {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	n, err := h.svc.Panes.CreateNote(body.Title, body.Content)
	if err != nil {
		return Failure(err)
	}
	return Created(n)
}

func (h *Handlers) updateNote(ctx context.Context, call *Call) Result {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	n, err := h.svc.Panes.UpdateNote(call.Params["id"], body.Title, body.Content)
	if err != nil {
		return NotFound("%v", err)
	}
	return OK(n)
}

func (h *Handlers) deleteNote(ctx context.Context, call *Call) Result {
	return h.deleteFrom(func(id string) (bool, error) { return h.svc.Panes.Notes.Delete(id) }, call)
}

// --- git graphs ---

func (h *Handlers) listGitGraphs(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"gitGraphs": h.svc.Panes.GitGraphs.List()})
}

func (h *Handlers) createGitGraph(ctx context.Context, call *Call) Result {
	var body struct {
		RepoPath string `json:"repoPath"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	g, err := h.svc.Panes.CreateGitGraph(body.RepoPath)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(g)
}

func (h *Handlers) deleteGitGraph(ctx context.Context, call *Call) Result {
	return h.deleteFrom(func(id string) (bool, error) { return h.svc.Panes.GitGraphs.Delete(id) }, call)
}

func (h *Handlers) gitGraphData(ctx context.Context, call *Call) Result {
	g, ok := h.svc.Panes.GitGraphs.Get(call.Params["id"])
	if !ok {
		return NotFound("git graph not found: %s", call.Params["id"])
	}
	maxCommits := 0
	if v := call.Query.Get("maxCommits"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Invalid("invalid maxCommits: %q", v)
		}
		maxCommits = n
	}
	data, err := h.svc.Graphs.Data(ctx, g.RepoPath, maxCommits)
	if err != nil {
		return Failure(err)
	}
	return OK(data)
}

func (h *Handlers) gitGraphPush(ctx context.Context, call *Call) Result {
	g, ok := h.svc.Panes.GitGraphs.Get(call.Params["id"])
	if !ok {
		return NotFound("git graph not found: %s", call.Params["id"])
	}
	out, err := h.svc.Graphs.Push(ctx, g.RepoPath)
	if err != nil {
		return Result{Status: 502, Body: protocol.ErrorBody{Error: out}}
	}
	return OK(map[string]string{"output": out})
}

// --- iframes ---

func (h *Handlers) listIframes(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"iframes": h.svc.Panes.Iframes.List()})
}

func (h *Handlers) createIframe(ctx context.Context, call *Call) Result {
	var body struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	f, err := h.svc.Panes.CreateIframe(body.URL, body.Title)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(f)
}

func (h *Handlers) deleteIframe(ctx context.Context, call *Call) Result {
	return h.deleteFrom(func(id string) (bool, error) { return h.svc.Panes.Iframes.Delete(id) }, call)
}

// --- folder panes ---

func (h *Handlers) listFolderPanes(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"folderPanes": h.svc.Panes.FolderPanes.List()})
}

func (h *Handlers) createFolderPane(ctx context.Context, call *Call) Result {
	var body struct {
		Path       string `json:"path"`
		ShowHidden bool   `json:"showHidden"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	f, err := h.svc.Panes.CreateFolderPane(body.Path, body.ShowHidden)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(f)
}

func (h *Handlers) deleteFolderPane(ctx context.Context, call *Call) Result {
	return h.deleteFrom(func(id string) (bool, error) { return h.svc.Panes.FolderPanes.Delete(id) }, call)
}

// --- issue panes ---

func (h *Handlers) listBeadsPanes(ctx context.Context, call *Call) Result {
	return OK(map[string]any{"beadsPanes": h.svc.Panes.BeadsPanes.List()})
}

func (h *Handlers) createBeadsPane(ctx context.Context, call *Call) Result {
	var body struct {
		WorkingDir string `json:"workingDir"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	b, err := h.svc.Panes.CreateBeadsPane(body.WorkingDir)
	if err != nil {
		return Invalid("%v", err)
	}
	return Created(b)
}

func (h *Handlers) deleteBeadsPane(ctx context.Context, call *Call) Result {
	return h.deleteFrom(func(id string) (bool, error) { return h.svc.Panes.BeadsPanes.Delete(id) }, call)
}

func (h *Handlers) listIssues(ctx context.Context, call *Call) Result {
	pane, ok := h.svc.Panes.BeadsPanes.Get(call.Params["id"])
	if !ok {
		return NotFound("issue pane not found: %s", call.Params["id"])
	}
	issues, err := h.svc.Beads.List(ctx, pane.WorkingDir)
	if err != nil {
		return Failure(err)
	}
	return OK(map[string]any{"issues": issues})
}

func (h *Handlers) createIssue(ctx context.Context, call *Call) Result {
	pane, ok := h.svc.Panes.BeadsPanes.Get(call.Params["id"])
	if !ok {
		return NotFound("issue pane not found: %s", call.Params["id"])
	}
	var params beads.CreateParams
	if err := call.Bind(&params); err != nil {
		return Invalid("%v", err)
	}
	issue, err := h.svc.Beads.Create(ctx, pane.WorkingDir, params)
	if err != nil {
		if verr := params.Validate(); verr != nil {
			return Invalid("%v", verr)
		}
		return Failure(err)
	}
	return Created(issue)
}

func (h *Handlers) closeIssue(ctx context.Context, call *Call) Result {
	pane, ok := h.svc.Panes.BeadsPanes.Get(call.Params["id"])
	if !ok {
		return NotFound("issue pane not found: %s", call.Params["id"])
	}
	var body struct {
		IssueID string `json:"issueId"`
	}
	if err := call.Bind(&body); err != nil {
		return Invalid("%v", err)
	}
	if err := h.svc.Beads.Close(ctx, pane.WorkingDir, body.IssueID); err != nil {
		return Invalid("%v", err)
	}
	return OK(map[string]bool{"ok": true})
}

// --- repo discovery / git status ---

func (h *Handlers) scanRepos(ctx context.Context, call *Call) Result {
	repos, err := h.svc.Scanner.Scan(ctx, func(r gitscan.Repo) {
		call.Partial(r)
	})
	if err != nil {
		return Failure(err)
	}
	return OK(map[string]any{"repos": repos})
}

func (h *Handlers) scanFolder(ctx context.Context, call *Call) Result {
	path, err := h.svc.Files.Expand(call.Query.Get("path"))
	if err != nil {
		return Invalid("%v", err)
	}
	repos, err := h.svc.Scanner.ScanFolder(ctx, path, func(r gitscan.Repo) {
		call.Partial(r)
	})
	if err != nil {
		return Failure(err)
	}
	return OK(map[string]any{"repos": repos})
}

func (h *Handlers) gitStatus(ctx context.Context, call *Call) Result {
	path, err := h.svc.Files.Expand(call.Query.Get("path"))
	if err != nil {
		return Invalid("%v", err)
	}
	st, err := h.svc.Graphs.Status(ctx, path)
	if err != nil {
		return Failure(err)
	}
	return OK(st)
}

// --- host ---

func (h *Handlers) hostMetrics(ctx context.Context, call *Call) Result {
	return OK(h.svc.Metrics.Sample(ctx))
}

func (h *Handlers) devices(ctx context.Context, call *Call) Result {
	hostname, _ := os.Hostname()
	return OK(map[string]any{
		"devices": []map[string]string{{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
			"version":  h.svc.Version,
		}},
	})
}

func (h *Handlers) deleteFrom(del func(id string) (bool, error), call *Call) Result {
	existed, err := del(call.Params["id"])
	if err != nil {
		return Failure(err)
	}
	if !existed {
		return NotFound("not found: %s", call.Params["id"])
	}
	return OK(map[string]bool{"ok": true})
}
