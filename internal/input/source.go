package input

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fact-memory-kernel/internal/facts"
)

// Source lists and loads conversation inputs.
type Source interface {
	UserIDs(ctx context.Context) ([]string, error)
	Load(ctx context.Context, userID string) (*Input, error)
}

// DirSource reads "<user_id>.json" files from a directory.
type DirSource struct {
	Dir string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

// UserIDs returns the file stems of every .json file in the directory, sorted.
func (s *DirSource) UserIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir %s: %w", s.Dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and parses one user's input file.
func (s *DirSource) Load(ctx context.Context, userID string) (*Input, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return nil, &facts.IngestionError{UserID: userID, Source: s.Dir, Err: errors.New("invalid user id")}
	}
	path := filepath.Join(s.Dir, userID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &facts.NotFoundError{Kind: "input", ID: userID}
		}
		return nil, &facts.IngestionError{UserID: userID, Source: path, Err: err}
	}
	return Parse(userID, path, data)
}

// MemorySource serves inputs held in memory. Used by tests and by callers
// that receive conversations over the wire.
type MemorySource struct {
	inputs map[string][]byte
}

// NewMemorySource creates a MemorySource from raw JSON documents keyed by user id.
func NewMemorySource(inputs map[string][]byte) *MemorySource {
	cp := make(map[string][]byte, len(inputs))
	for k, v := range inputs {
		cp[k] = v
	}
	return &MemorySource{inputs: cp}
}

// UserIDs implements Source.
func (s *MemorySource) UserIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.inputs))
	for id := range s.inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load implements Source.
func (s *MemorySource) Load(ctx context.Context, userID string) (*Input, error) {
	data, ok := s.inputs[userID]
	if !ok {
		return nil, &facts.NotFoundError{Kind: "input", ID: userID}
	}
	return Parse(userID, "memory:"+userID, data)
}
