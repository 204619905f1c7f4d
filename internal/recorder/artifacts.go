package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Artifact is one finished recording on disk.
type Artifact struct {
	File string `json:"file"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

func isArtifact(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == extWebm || ext == extMP4) && !strings.Contains(name, segInfix)
}

// List returns finished artifacts sorted by filename.
func (s *Service) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read recording dir: %w", err)
	}
	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !isArtifact(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{File: e.Name(), URL: s.cfg.PublicPrefix + "/" + e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// ArtifactPath resolves a finished artifact by bare filename. Anything else is ErrNotFound.
func (s *Service) ArtifactPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !isArtifact(name) {
		return "", ErrNotFound
	}
	path := filepath.Join(s.cfg.Dir, name)
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}
