package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/repositories"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
)

const (
	StageFetchingContributors = "fetching-contributors"
	StageFetchingCommits      = "fetching-commits"
	StageSaving               = "saving"
)

// RunStarter launches a unit of work detached from the caller
type RunStarter interface {
	Start(job *models.Job, fn func(ctx context.Context) error) error
}

// CollectorService harvests contributor addresses of a repository into the email store
type CollectorService struct {
	store         repositories.EmailStore
	github        *GitHubClientFactory
	emitter       events.Emitter
	runner        RunStarter
	profileLookup bool
	now           func() time.Time
}

// NewCollectorService creates a new collector
func NewCollectorService(store repositories.EmailStore, clients *GitHubClientFactory, emitter events.Emitter, runner RunStarter, profileLookup bool) *CollectorService {
	if emitter == nil {
		emitter = events.Discard
	}
	return &CollectorService{
		store:         store,
		github:        clients,
		emitter:       emitter,
		runner:        runner,
		profileLookup: profileLookup,
		now:           time.Now,
	}
}

// Collect validates the request shape and starts a collection run in the background
func (s *CollectorService) Collect(repository string, opts models.CollectOptions, token string) (*models.Job, error) {
	if strings.TrimSpace(repository) == "" {
		return nil, &models.ValidationError{Field: "repository", Message: "Repository is required"}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	job := models.NewJob(models.JobTypeCollect, strings.TrimSpace(repository))
	run := models.NewCollectionRun(job.ID, repository, opts, token)
	if err := s.runner.Start(job, func(ctx context.Context) error {
		return s.Run(ctx, run)
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// Run executes a collection synchronously and emits exactly one terminal event
func (s *CollectorService) Run(ctx context.Context, run *models.CollectionRun) error {
	log := logger.ForRun(string(models.JobTypeCollect), run.ID).WithField("repository", run.Repository)

	if err := s.collect(ctx, run, log); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"saved":      run.Saved,
			"duplicates": run.Duplicates,
		}).Error("Collection failed")
		s.emitter.Emit(events.CollectionError, models.RunFailure{
			RunID:      run.ID,
			Repository: run.Repository,
			Error:      err.Error(),
			Kind:       models.KindOf(err),
		})
		return err
	}

	log.WithFields(logrus.Fields{
		"total_fetched": run.TotalFetched,
		"collected":     run.Collected,
		"saved":         run.Saved,
		"duplicates":    run.Duplicates,
	}).Info("Collection completed")
	s.emitter.Emit(events.CollectionComplete, models.CollectionComplete{
		RunID:        run.ID,
		Repository:   run.Repository,
		Saved:        run.Saved,
		Collected:    run.Collected,
		Duplicates:   run.Duplicates,
		TotalFetched: run.TotalFetched,
	})
	return nil
}

func (s *CollectorService) collect(ctx context.Context, run *models.CollectionRun, log *logrus.Entry) error {
	owner, name, err := ParseRepositoryRef(run.Repository)
	if err != nil {
		return err
	}
	run.Owner, run.Name = owner, name

	client := s.github.ForToken(run.Token)
	fullName, err := client.GetRepository(ctx, owner, name)
	if err != nil {
		return err
	}
	run.Repository = fullName

	if run.Options.Contributors() {
		if err := s.collectContributors(ctx, client, run, log); err != nil {
			return err
		}
	}
	if run.Options.Commits() {
		if err := s.collectCommits(ctx, client, run, log); err != nil {
			return err
		}
	}
	return nil
}

func (s *CollectorService) collectContributors(ctx context.Context, client *GitHubClient, run *models.CollectionRun, log *logrus.Entry) error {
	lookup := s.profileLookup && client.Authenticated()

	for page := 1; page != 0; {
		contributors, next, err := client.ListContributors(ctx, run.Owner, run.Name, page)
		if err != nil {
			// Repositories with very large histories refuse to list contributors
			if isGitHubStatus(err, http.StatusForbidden) {
				log.WithError(err).Warn("Contributor list unavailable, continuing with commits")
				s.emitter.Emit(events.CollectionProgress, run.Progress(StageFetchingContributors,
					"Contributor list unavailable for this repository"))
				return nil
			}
			return err
		}

		run.Page = page
		run.TotalFetched += len(contributors)
		s.emitter.Emit(events.CollectionProgress, run.Progress(StageFetchingContributors,
			fmt.Sprintf("Fetched %d contributors from page %d", len(contributors), page)))

		candidates := make([]models.Candidate, 0, len(contributors))
		for _, c := range contributors {
			candidate, err := s.contributorCandidate(ctx, client, c, lookup, log)
			if err != nil {
				return err
			}
			if candidate.Email != "" {
				candidates = append(candidates, candidate)
			}
		}

		if err := s.saveCandidates(ctx, run, candidates); err != nil {
			return err
		}
		page = next
	}
	return nil
}

func (s *CollectorService) contributorCandidate(ctx context.Context, client *GitHubClient, c *github.Contributor, lookup bool, log *logrus.Entry) (models.Candidate, error) {
	candidate := models.Candidate{
		Email:    c.GetEmail(),
		Name:     c.GetName(),
		Username: c.GetLogin(),
	}
	if candidate.Email != "" || candidate.Username == "" || !lookup {
		return candidate, nil
	}

	user, err := client.GetUser(ctx, candidate.Username)
	if err != nil {
		if ctx.Err() != nil || models.IsKind(err, models.ErrorKindRateLimitExhausted) {
			return candidate, err
		}
		log.WithError(err).WithField("login", candidate.Username).Debug("Profile lookup failed, skipping contributor")
		return candidate, nil
	}
	candidate.Email = user.GetEmail()
	if candidate.Name == "" {
		candidate.Name = user.GetName()
	}
	return candidate, nil
}

func (s *CollectorService) collectCommits(ctx context.Context, client *GitHubClient, run *models.CollectionRun, log *logrus.Entry) error {
	limit := run.Options.CommitLimit()
	perPage := githubPageSize
	if limit < perPage {
		perPage = limit
	}

	fetched := 0
	for page := 1; page != 0 && fetched < limit; {
		commits, next, err := client.ListCommits(ctx, run.Owner, run.Name, page, perPage)
		if err != nil {
			return err
		}
		if remaining := limit - fetched; len(commits) > remaining {
			commits = commits[:remaining]
		}

		fetched += len(commits)
		run.Page = page
		run.TotalFetched += len(commits)
		s.emitter.Emit(events.CollectionProgress, run.Progress(StageFetchingCommits,
			fmt.Sprintf("Fetched %d of at most %d commits", fetched, limit)))

		candidates := make([]models.Candidate, 0, len(commits))
		for _, rc := range commits {
			author := rc.GetCommit().GetAuthor()
			if author == nil || author.GetEmail() == "" {
				continue
			}
			candidates = append(candidates, models.Candidate{
				Email:    author.GetEmail(),
				Name:     author.GetName(),
				Username: rc.GetAuthor().GetLogin(),
			})
		}

		if err := s.saveCandidates(ctx, run, candidates); err != nil {
			return err
		}
		page = next
	}

	log.WithField("commits", fetched).Debug("Commit history walked")
	return nil
}

// saveCandidates filters, dedups and persists one page of candidates
func (s *CollectorService) saveCandidates(ctx context.Context, run *models.CollectionRun, candidates []models.Candidate) error {
	for _, candidate := range candidates {
		email, ok := AcceptAddress(candidate.Email)
		if !ok || !run.MarkSeen(email) {
			continue
		}
		run.Collected++

		record := models.NewEmailRecord(email, candidate.Name, candidate.Username, run.Repository, s.now())
		inserted, err := s.store.InsertIfAbsent(ctx, record)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("failed to save %s: %w", email, err)
		}
		if inserted {
			run.Saved++
		} else {
			run.Duplicates++
		}
	}

	s.emitter.Emit(events.CollectionProgress, run.Progress(StageSaving,
		fmt.Sprintf("Saved %d new emails, %d already known", run.Saved, run.Duplicates)))
	return nil
}
