// Package panes persists the agent-side pane records: file panes, notes,
// git graphs, iframes, folder panes, and issue panes. Each kind lives in
// its own full-replace JSON document in the state directory.
package panes

import (
	"fmt"
	"time"

	"github.com/49agents/tc2/internal/agent/config"
	"github.com/49agents/tc2/internal/agent/files"
	"github.com/49agents/tc2/internal/agent/jsonstore"
	"github.com/49agents/tc2/internal/id"
)

// FilePane views a file. Path-backed panes (Path != "") read and write
// the file on disk; virtual panes keep Content in the record itself.
type FilePane struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Virtual reports whether the pane stores its own content.
func (p FilePane) Virtual() bool { return p.Path == "" }

// Note is a freestanding text pane cached on the host.
type Note struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// GitGraph views the commit graph of a repository.
type GitGraph struct {
	ID        string `json:"id"`
	RepoPath  string `json:"repoPath"`
	CreatedAt string `json:"createdAt"`
}

// Iframe embeds an external URL.
type Iframe struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// FolderPane views a directory listing.
type FolderPane struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	ShowHidden bool   `json:"showHidden"`
	CreatedAt  string `json:"createdAt"`
}

// BeadsPane fronts the issues CLI for one working directory.
type BeadsPane struct {
	ID         string `json:"id"`
	WorkingDir string `json:"workingDir"`
	CreatedAt  string `json:"createdAt"`
}

// Service owns every pane store plus the file service used by
// path-backed file panes.
type Service struct {
	FilePanes   *jsonstore.Store[FilePane]
	Notes       *jsonstore.Store[Note]
	GitGraphs   *jsonstore.Store[GitGraph]
	Iframes     *jsonstore.Store[Iframe]
	FolderPanes *jsonstore.Store[FolderPane]
	BeadsPanes  *jsonstore.Store[BeadsPane]

	fs  *files.Service
	now func() time.Time
}

func NewService(cfg *config.Config, fs *files.Service) (*Service, error) {
	s := &Service{fs: fs, now: time.Now}
	var err error
	if s.FilePanes, err = jsonstore.Open[FilePane](cfg.ResourcePath("file-panes")); err != nil {
		return nil, err
	}
	if s.Notes, err = jsonstore.Open[Note](cfg.ResourcePath("notes")); err != nil {
		return nil, err
	}
	if s.GitGraphs, err = jsonstore.Open[GitGraph](cfg.ResourcePath("git-graphs")); err != nil {
		return nil, err
	}
	if s.Iframes, err = jsonstore.Open[Iframe](cfg.ResourcePath("iframes")); err != nil {
		return nil, err
	}
	if s.FolderPanes, err = jsonstore.Open[FolderPane](cfg.ResourcePath("folder-panes")); err != nil {
		return nil, err
	}
	if s.BeadsPanes, err = jsonstore.Open[BeadsPane](cfg.ResourcePath("beads-panes")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return id.Generate()
}

// CreateFilePane registers a pane. A non-empty path must point at an
// existing readable file; its content is loaded on read, not stored.
func (s *Service) CreateFilePane(title, path string) (FilePane, error) {
	p := FilePane{
		ID:        newID(),
		Title:     title,
		CreatedAt: s.timestamp(),
		UpdatedAt: s.timestamp(),
	}
	if path != "" {
		expanded, err := s.fs.Expand(path)
		if err != nil {
			return FilePane{}, err
		}
		if _, err := s.fs.Read(expanded); err != nil {
			return FilePane{}, err
		}
		p.Path = expanded
	}
	if err := s.FilePanes.Put(p.ID, p); err != nil {
		return FilePane{}, err
	}
	return p, nil
}

// ReadFilePane returns a pane with its current content: from disk for
// path-backed panes, from the record for virtual ones.
func (s *Service) ReadFilePane(paneID string) (FilePane, error) {
	p, ok := s.FilePanes.Get(paneID)
	if !ok {
		return FilePane{}, fmt.Errorf("file pane not found: %s", paneID)
	}
	if !p.Virtual() {
		content, err := s.fs.Read(p.Path)
		if err != nil {
			return FilePane{}, err
		}
		p.Content = content
	}
	return p, nil
}

// WriteFilePane saves content: to disk for path-backed panes, into the
// record for virtual ones.
func (s *Service) WriteFilePane(paneID, content string) (FilePane, error) {
	p, ok := s.FilePanes.Get(paneID)
	if !ok {
		return FilePane{}, fmt.Errorf("file pane not found: %s", paneID)
	}
	p.UpdatedAt = s.timestamp()
	if p.Virtual() {
		p.Content = content
	} else {
		if err := s.fs.Write(p.Path, content); err != nil {
			return FilePane{}, err
		}
	}
	if err := s.FilePanes.Put(p.ID, p); err != nil {
		return FilePane{}, err
	}
	return p, nil
}

func (s *Service) DeleteFilePane(paneID string) (bool, error) {
	return s.FilePanes.Delete(paneID)
}

func (s *Service) CreateNote(title, content string) (Note, error) {
	n := Note{
		ID:        newID(),
		Title:     title,
		Content:   content,
		CreatedAt: s.timestamp(),
		UpdatedAt: s.timestamp(),
	}
	return n, s.Notes.Put(n.ID, n)
}

func (s *Service) UpdateNote(noteID, title, content string) (Note, error) {
	n, ok := s.Notes.Get(noteID)
	if !ok {
		return Note{}, fmt.Errorf("note not found: %s", noteID)
	}
	if title != "" {
		n.Title = title
	}
	n.Content = content
	n.UpdatedAt = s.timestamp()
	return n, s.Notes.Put(n.ID, n)
}

func (s *Service) CreateGitGraph(repoPath string) (GitGraph, error) {
	expanded, err := s.fs.Expand(repoPath)
	if err != nil {
		return GitGraph{}, err
	}
	g := GitGraph{ID: newID(), RepoPath: expanded, CreatedAt: s.timestamp()}
	return g, s.GitGraphs.Put(g.ID, g)
}

func (s *Service) CreateIframe(url, title string) (Iframe, error) {
	if url == "" {
		return Iframe{}, fmt.Errorf("url is required")
	}
	f := Iframe{ID: newID(), URL: url, Title: title, CreatedAt: s.timestamp()}
	return f, s.Iframes.Put(f.ID, f)
}

func (s *Service) CreateFolderPane(path string, showHidden bool) (FolderPane, error) {
	expanded, err := s.fs.Expand(path)
	if err != nil {
		return FolderPane{}, err
	}
	f := FolderPane{ID: newID(), Path: expanded, ShowHidden: showHidden, CreatedAt: s.timestamp()}
	return f, s.FolderPanes.Put(f.ID, f)
}

func (s *Service) CreateBeadsPane(workingDir string) (BeadsPane, error) {
	expanded, err := s.fs.Expand(workingDir)
	if err != nil {
		return BeadsPane{}, err
	}
	b := BeadsPane{ID: newID(), WorkingDir: expanded, CreatedAt: s.timestamp()}
	return b, s.BeadsPanes.Put(b.ID, b)
}
