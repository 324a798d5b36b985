// internal/macrostore/history.go
package macrostore

import (
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Revision is one recorded change to a macro document.
type Revision struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// history keeps the macro directory under a local git repository. There is
// no remote; the repository exists purely as an audit trail for the JSON
// documents.
type history struct {
	repo *git.Repository
}

func openHistory(dir string) (*history, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("opening macro repository: %w", err)
	}
	return &history{repo: repo}, nil
}

// commitAll stages every pending change in the library and commits it.
// A clean worktree is a no-op, so redundant saves never pollute the log.
func (h *history) commitAll(message string) error {
	wt, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("reading worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "webspark",
			Email: "webspark@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// revisions lists the commits touching one file, newest first.
func (h *history) revisions(filename string) ([]Revision, error) {
	iter, err := h.repo.Log(&git.LogOptions{FileName: &filename})
	if err != nil {
		// A repository with no commits yet has no HEAD to log from.
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading macro log: %w", err)
	}
	defer iter.Close()

	var revs []Revision
	err = iter.ForEach(func(c *object.Commit) error {
		revs = append(revs, Revision{
			Hash:    c.Hash.String(),
			Message: c.Message,
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking macro log: %w", err)
	}
	return revs, nil
}
