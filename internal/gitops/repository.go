package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/portkeep/portkeep/internal/logger"
)

// RepositoryConfig holds configuration for Git repository operations
type RepositoryConfig struct {
	URL            string
	Branch         string
	LocalPath      string
	Username       string
	Password       string
	ConfigFilePath string // Path to the rules file within the repo
}

// Repository manages Git repository operations
type Repository struct {
	config *RepositoryConfig
	repo   *git.Repository
}

// CommitInfo contains information about a Git commit
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRepository creates a new Git repository manager
func NewRepository(config *RepositoryConfig) *Repository {
	return &Repository{
		config: config,
	}
}

// Initialize initializes the Git repository (clone or open existing)
func (r *Repository) Initialize(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.config.LocalPath, ".git")); err == nil {
		repo, err := git.PlainOpen(r.config.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repository: %w", err)
		}
		r.repo = repo

		logger.Info().
			Str("path", r.config.LocalPath).
			Msg("Opened existing Git repository")
		return nil
	}

	if err := r.clone(ctx); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	return nil
}

// clone clones the Git repository
func (r *Repository) clone(ctx context.Context) error {
	logger.Info().
		Str("url", r.config.URL).
		Str("branch", r.config.Branch).
		Str("path", r.config.LocalPath).
		Msg("Cloning Git repository")

	if err := os.MkdirAll(r.config.LocalPath, 0755); err != nil {
		return fmt.Errorf("failed to create local path: %w", err)
	}

	cloneOptions := &git.CloneOptions{
		URL:           r.config.URL,
		ReferenceName: plumbing.NewBranchReferenceName(r.config.Branch),
		SingleBranch:  true,
		Depth:         1, // Shallow clone
		Auth:          r.auth(),
	}

	repo, err := git.PlainCloneContext(ctx, r.config.LocalPath, false, cloneOptions)
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	r.repo = repo
	return nil
}

func (r *Repository) auth() *http.BasicAuth {
	if r.config.Username == "" || r.config.Password == "" {
		return nil
	}
	return &http.BasicAuth{
		Username: r.config.Username,
		Password: r.config.Password,
	}
}

// Pull pulls the latest changes from the remote repository. The bool is
// true when HEAD moved.
func (r *Repository) Pull(ctx context.Context) (*CommitInfo, bool, error) {
	if r.repo == nil {
		return nil, false, fmt.Errorf("repository not initialized")
	}

	headBefore, err := r.repo.Head()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get HEAD before pull: %w", err)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get worktree: %w", err)
	}

	pullOptions := &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(r.config.Branch),
		SingleBranch:  true,
		Auth:          r.auth(),
	}

	err = worktree.PullContext(ctx, pullOptions)
	if err != nil {
		if err == git.NoErrAlreadyUpToDate {
			commitInfo, err := r.CurrentCommit()
			if err != nil {
				return nil, false, err
			}
			return commitInfo, false, nil
		}
		return nil, false, fmt.Errorf("failed to pull: %w", err)
	}

	headAfter, err := r.repo.Head()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get HEAD after pull: %w", err)
	}

	hasChanges := headBefore.Hash() != headAfter.Hash()

	commitInfo, err := r.CurrentCommit()
	if err != nil {
		return nil, false, err
	}

	if hasChanges {
		logger.Info().
			Str("commit", commitInfo.Hash).
			Str("author", commitInfo.Author).
			Msg("Pulled new changes from Git repository")
	}
	return commitInfo, hasChanges, nil
}

// CurrentCommit returns information about the current HEAD commit
func (r *Repository) CurrentCommit() (*CommitInfo, error) {
	if r.repo == nil {
		return nil, fmt.Errorf("repository not initialized")
	}

	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}

	return &CommitInfo{
		Hash:      commit.Hash.String(),
		Message:   commit.Message,
		Author:    commit.Author.Name,
		Timestamp: commit.Author.When,
	}, nil
}

// ConfigFilePath returns the full path to the rules file within the checkout
func (r *Repository) ConfigFilePath() string {
	return filepath.Join(r.config.LocalPath, r.config.ConfigFilePath)
}
