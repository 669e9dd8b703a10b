// Package workingctx holds the ephemeral, process-wide ambient context
// (current project/client/file) that gets merged into metadata on store
// (spec §3 "Working context").
package workingctx

import "sync"

type Context struct {
	Project string
	Client  string
	File    string
}

// Store guards a single process-wide Context.
type Store struct {
	mu  sync.RWMutex
	ctx Context
}

func NewStore() *Store {
	return &Store{}
}

// Set replaces the working context. Empty fields are left unset (zero value).
func (s *Store) Set(ctx Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

func (s *Store) Get() Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = Context{}
}

// MergeInto merges the working context into metadata without overwriting
// keys the caller already set explicitly.
func (s *Store) MergeInto(metadata map[string]any) map[string]any {
	ctx := s.Get()
	if metadata == nil {
		metadata = map[string]any{}
	}
	if ctx.Project != "" {
		if _, ok := metadata["project"]; !ok {
			metadata["project"] = ctx.Project
		}
	}
	if ctx.Client != "" {
		if _, ok := metadata["client"]; !ok {
			metadata["client"] = ctx.Client
		}
	}
	if ctx.File != "" {
		if _, ok := metadata["file"]; !ok {
			metadata["file"] = ctx.File
		}
	}
	return metadata
}
