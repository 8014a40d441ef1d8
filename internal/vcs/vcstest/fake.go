// Package vcstest provides an in-memory VCS for tests.
package vcstest

import (
	"context"
	"fmt"
	"sync"
)

// Tag is one tag recorded by the fake.
type Tag struct {
	Name    string
	Message string
	Paths   []string
}

// Fake implements vcs.VCS from fixed per-directory state.
type Fake struct {
	mu         sync.Mutex
	Commits    map[string]string
	Dirty      map[string]bool
	Tags       []Tag
	Submodules map[string]string
	// Err, when set, is returned by every call.
	Err error
}

func New() *Fake {
	return &Fake{Commits: map[string]string{}, Dirty: map[string]bool{}, Submodules: map[string]string{}}
}

func (f *Fake) CurrentCommit(ctx context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	c, ok := f.Commits[dir]
	if !ok {
		return "", fmt.Errorf("fake vcs: %s is not a repository", dir)
	}
	return c, nil
}

func (f *Fake) IsDirty(ctx context.Context, dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return f.Dirty[dir], nil
}

func (f *Fake) CreateTag(ctx context.Context, name, message string, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, t := range f.Tags {
		if t.Name == name {
			return fmt.Errorf("fake vcs: tag %s already exists", name)
		}
	}
	f.Tags = append(f.Tags, Tag{Name: name, Message: message, Paths: append([]string(nil), paths...)})
	return nil
}

func (f *Fake) SubmoduleAdd(ctx context.Context, url, branch, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Submodules[path] = url
	return nil
}

func (f *Fake) SubmoduleRemove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.Submodules, path)
	return nil
}
