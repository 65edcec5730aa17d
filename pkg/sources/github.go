// Package sources implements the engine's external signal producers: a
// GitHub-backed code-change poller and an HTTP metrics poller, each
// adapting a one-shot platform command into a background loop that
// publishes bus events.
package sources

import (
	"context"
	"fmt"
	"time"

	gh "github.com/google/go-github/v60/github"

	"github.com/cgast/autonomy/pkg/bus"
)

// GitHubSource polls a repository's commits at Interval and emits
// "code:change:commit" for every commit newer than the last one it saw.
type GitHubSource struct {
	Client   *gh.Client
	Owner    string
	Repo     string
	Interval time.Duration
	Bus      *bus.Bus

	// OnPollError is invoked (never nil after NewGitHubSource) when a poll
	// fails; the source keeps polling on the next tick regardless.
	OnPollError func(error)

	lastSHA string
}

// NewGitHubSource creates a GitHubSource. token authenticates against the
// GitHub API the same way the platform github:pr:list command does.
func NewGitHubSource(token, owner, repo string, interval time.Duration, b *bus.Bus) (*GitHubSource, error) {
	client, err := newAuthenticatedClient(token)
	if err != nil {
		return nil, fmt.Errorf("sources: github client: %w", err)
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &GitHubSource{
		Client:      client,
		Owner:       owner,
		Repo:        repo,
		Interval:    interval,
		Bus:         b,
		OnPollError: func(error) {},
	}, nil
}

// Run polls until ctx is cancelled. Callers typically run it in its own
// goroutine from Engine.Start.
func (s *GitHubSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *GitHubSource) poll(ctx context.Context) {
	commits, _, err := s.Client.Repositories.ListCommits(ctx, s.Owner, s.Repo, &gh.CommitsListOptions{
		ListOptions: gh.ListOptions{PerPage: 20},
	})
	if err != nil {
		s.OnPollError(fmt.Errorf("sources: list commits %s/%s: %w", s.Owner, s.Repo, err))
		return
	}
	if len(commits) == 0 {
		return
	}

	// commits[0] is the most recent; walk back to lastSHA. On the first
	// poll after a restart (no lastSHA yet) only the most recent commit is
	// emitted.
	var fresh []*gh.RepositoryCommit
	for _, c := range commits {
		if c.GetSHA() == s.lastSHA {
			break
		}
		fresh = append(fresh, c)
	}
	if s.lastSHA == "" {
		fresh = commits[:1]
	}
	s.lastSHA = commits[0].GetSHA()

	for i := len(fresh) - 1; i >= 0; i-- {
		c := fresh[i]
		if s.Bus != nil {
			s.Bus.Emit("code:change:commit", map[string]any{
				"repo":    s.Owner + "/" + s.Repo,
				"sha":     c.GetSHA(),
				"message": c.GetCommit().GetMessage(),
				"author":  c.GetCommit().GetAuthor().GetName(),
				"htmlUrl": c.GetHTMLURL(),
			})
		}
	}
}
