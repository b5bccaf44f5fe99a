package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/repositories"
	"github.com/alimgiray/repomailer/pkg/config"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSMTPPort    = 587
	defaultBatchSize   = 5
	defaultBatchDelay  = 1000
	defaultMaxTargets  = 500
	customTargetLabel  = "custom"
	interruptedMessage = "dispatch interrupted before all batches ran"
)

// DispatcherService sends templated messages to collected or custom recipients in batches
type DispatcherService struct {
	store   repositories.EmailStore
	sender  MailSender
	probe   *PortProbe
	emitter events.Emitter
	runner  RunStarter

	maxTargets   int
	batchSize    int
	batchDelayMs int

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewDispatcherService creates a new dispatcher
func NewDispatcherService(store repositories.EmailStore, sender MailSender, probe *PortProbe, emitter events.Emitter, runner RunStarter, cfg config.SMTPConfig) *DispatcherService {
	if emitter == nil {
		emitter = events.Discard
	}
	s := &DispatcherService{
		store:        store,
		sender:       sender,
		probe:        probe,
		emitter:      emitter,
		runner:       runner,
		maxTargets:   cfg.MaxTargets,
		batchSize:    cfg.DefaultBatchSize,
		batchDelayMs: cfg.DefaultDelayMs,
		sleep:        sleepContext,
		now:          time.Now,
	}
	if s.maxTargets <= 0 {
		s.maxTargets = defaultMaxTargets
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.batchDelayMs < 0 {
		s.batchDelayMs = defaultBatchDelay
	}
	return s
}

// TestPortReachable probes raw TCP reachability of the SMTP endpoint
func (s *DispatcherService) TestPortReachable(ctx context.Context, host string, port int) (*models.ConnectionTestResult, error) {
	cfg := models.SMTPConfig{Host: host, Port: port}
	cfg.Normalize()
	if cfg.Host == "" {
		return nil, &models.ValidationError{Field: "host", Message: "SMTP host is required"}
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSMTPPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &models.ValidationError{Field: "port", Message: "SMTP port must be between 1 and 65535"}
	}
	return s.probe.Probe(ctx, cfg.Host, cfg.Port), nil
}

// TestCredentials performs a full handshake and authentication without sending
func (s *DispatcherService) TestCredentials(ctx context.Context, cfg models.SMTPConfig) (*models.ConnectionTestResult, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := s.sender.Verify(ctx, cfg); err != nil {
		logger.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port}).WithError(err).Info("SMTP credential check failed")
		return &models.ConnectionTestResult{Success: false, Message: err.Error()}, nil
	}
	return &models.ConnectionTestResult{
		Success: true,
		Message: fmt.Sprintf("Authenticated with %s as %s", cfg.Address(), cfg.User),
	}, nil
}

// SendBulk validates and normalizes req, then starts the dispatch in the background
func (s *DispatcherService) SendBulk(req *models.BulkSendRequest) (*models.Job, *models.DispatchRun, error) {
	run, err := s.newRun(req)
	if err != nil {
		return nil, nil, err
	}

	target := run.Repository
	if run.ToType == models.ToTypeCustom {
		target = customTargetLabel
	}
	job := models.NewJob(models.JobTypeSend, target)
	run.ID = job.ID

	if err := s.runner.Start(job, func(ctx context.Context) error {
		return s.Run(ctx, run)
	}); err != nil {
		return nil, nil, err
	}
	return job, run, nil
}

func (s *DispatcherService) newRun(req *models.BulkSendRequest) (*models.DispatchRun, error) {
	cfg := req.SMTPConfig
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, &models.ValidationError{Field: "subject", Message: "Subject is required"}
	}
	if strings.TrimSpace(req.HTMLTemplate) == "" {
		return nil, &models.ValidationError{Field: "htmlTemplate", Message: "HTML template is required"}
	}

	run := &models.DispatchRun{
		ToType:     strings.TrimSpace(req.ToType),
		Repository: strings.TrimSpace(req.Repository),
		Template: models.MessageTemplate{
			Subject: req.Subject,
			HTML:    req.HTMLTemplate,
			Text:    req.TextTemplate,
		},
		SMTP:      cfg,
		Limit:     clamp(cfg.Limit, 1, s.maxTargets, s.maxTargets),
		BatchSize: clamp(req.BatchSize, models.MinBatchSize, models.MaxBatchSize, s.batchSize),
		DelayMs:   s.batchDelayMs,
	}
	if req.Delay != nil {
		run.DelayMs = clamp(*req.Delay, 0, models.MaxDelayMs, 0)
	}
	if run.DelayMs > models.MaxDelayMs {
		run.DelayMs = models.MaxDelayMs
	}

	if owner, name, err := ParseRepositoryRef(run.Repository); err == nil {
		run.Repository = owner + "/" + name
	}

	switch run.ToType {
	case models.ToTypeRepository:
		if run.Repository == "" {
			return nil, &models.ValidationError{Field: "repository", Message: "Repository is required when sending to a repository"}
		}
	case models.ToTypeCustom:
		run.Custom = models.SplitAddresses(strings.Join(req.CustomEmails, "\n"))
		if len(run.Custom) == 0 {
			return nil, &models.ValidationError{Field: "customEmails", Message: "At least one email address is required"}
		}
		if len(run.Custom) > run.Limit {
			run.Custom = run.Custom[:run.Limit]
		}
	default:
		return nil, &models.ValidationError{Field: "toType", Message: "toType must be repository or custom"}
	}
	return run, nil
}

// Run executes a dispatch synchronously and emits exactly one terminal event
func (s *DispatcherService) Run(ctx context.Context, run *models.DispatchRun) error {
	log := logger.ForRun(string(models.JobTypeSend), run.ID).WithFields(logrus.Fields{
		"to_type":    run.ToType,
		"repository": run.Repository,
	})

	if err := s.sender.Verify(ctx, run.SMTP); err != nil {
		return s.fail(run, log, err)
	}

	targets, err := s.resolveTargets(ctx, run)
	if err != nil {
		return s.fail(run, log, err)
	}
	run.Total = len(targets)

	batches := splitBatches(targets, run.BatchSize)
	log.WithFields(logrus.Fields{"total": run.Total, "batches": len(batches)}).Info("Dispatch started")

	for i, batch := range batches {
		if i > 0 {
			if err := s.sleep(ctx, time.Duration(run.DelayMs)*time.Millisecond); err != nil {
				return s.fail(run, log, err)
			}
		}

		s.sendBatch(ctx, run, batch, log)

		s.emitter.Emit(events.BulkSendProgress, models.BulkSendProgress{
			RunID:      run.ID,
			Message:    fmt.Sprintf("Batch %d of %d done: %d sent, %d failed", i+1, len(batches), run.Sent, run.Failed),
			Sent:       run.Sent,
			Failed:     run.Failed,
			Total:      run.Total,
			Percentage: run.Percentage(),
			Batch:      i + 1,
			Batches:    len(batches),
		})
	}

	log.WithFields(logrus.Fields{"sent": run.Sent, "failed": run.Failed, "total": run.Total}).Info("Dispatch completed")
	s.emitter.Emit(events.BulkSendComplete, models.BulkSendComplete{
		RunID:  run.ID,
		Sent:   run.Sent,
		Failed: run.Failed,
		Total:  run.Total,
	})
	return nil
}

// sendBatch delivers every recipient of batch concurrently, one connection each
func (s *DispatcherService) sendBatch(ctx context.Context, run *models.DispatchRun, batch []models.Recipient, log *logrus.Entry) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(run.BatchSize)

	for _, recipient := range batch {
		recipient := recipient
		g.Go(func() error {
			err := s.deliver(ctx, run, recipient)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.Failed++
				log.WithError(err).WithField("to", recipient.Email).Warn("Delivery failed")
				return nil
			}
			run.Sent++
			return nil
		})
	}
	_ = g.Wait()
}

func (s *DispatcherService) deliver(ctx context.Context, run *models.DispatchRun, recipient models.Recipient) error {
	msg := RenderMessage(run.Template, recipient)
	if err := s.sender.Send(ctx, run.SMTP, msg); err != nil {
		return err
	}

	event := models.SendEvent{
		Sender:      senderDisplayName(run.SMTP),
		SenderEmail: models.SenderKey(run.SMTP.User),
		SentAt:      s.now().UTC(),
	}
	for _, id := range recipient.RecordIDs {
		// The message is out; a lost history entry must not turn it into a failure
		if err := s.store.AppendSendEvent(ctx, id, event); err != nil {
			logger.WithError(err).WithField("email_id", id).Error("Failed to record send event")
		}
	}
	return nil
}

// resolveTargets builds the recipient list of a run
func (s *DispatcherService) resolveTargets(ctx context.Context, run *models.DispatchRun) ([]models.Recipient, error) {
	if run.ToType == models.ToTypeRepository {
		records, err := s.store.ListUnsent(ctx, run.Repository, models.SenderKey(run.SMTP.User), run.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load recipients: %w", err)
		}
		targets := make([]models.Recipient, 0, len(records))
		for _, rec := range records {
			targets = append(targets, models.Recipient{
				Email:      rec.Email,
				Name:       rec.Name,
				Username:   rec.Username,
				Repository: rec.Repository,
				RecordIDs:  []string{rec.ID},
			})
		}
		return targets, nil
	}

	targets := make([]models.Recipient, 0, len(run.Custom))
	for _, addr := range run.Custom {
		recipient := models.Recipient{Email: addr, Repository: run.Repository}

		records, err := s.store.FindByAddress(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to match %s: %w", addr, err)
		}
		for _, rec := range records {
			if run.Repository != "" && rec.Repository != run.Repository {
				continue
			}
			if len(recipient.RecordIDs) == 0 {
				recipient.Name = rec.Name
				recipient.Username = rec.Username
				recipient.Repository = rec.Repository
			}
			recipient.RecordIDs = append(recipient.RecordIDs, rec.ID)
		}
		targets = append(targets, recipient)
	}
	return targets, nil
}

func (s *DispatcherService) fail(run *models.DispatchRun, log *logrus.Entry, err error) error {
	message := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		message = interruptedMessage
	}
	log.WithError(err).WithFields(logrus.Fields{"sent": run.Sent, "failed": run.Failed}).Error("Dispatch failed")
	s.emitter.Emit(events.BulkSendError, models.RunFailure{
		RunID:      run.ID,
		Repository: run.Repository,
		Error:      message,
		Kind:       models.KindOf(err),
	})
	return err
}

func senderDisplayName(cfg models.SMTPConfig) string {
	if cfg.SenderName != "" {
		return cfg.SenderName
	}
	return cfg.From
}

func splitBatches(targets []models.Recipient, size int) [][]models.Recipient {
	if size <= 0 {
		size = 1
	}
	batches := make([][]models.Recipient, 0, (len(targets)+size-1)/size)
	for start := 0; start < len(targets); start += size {
		end := start + size
		if end > len(targets) {
			end = len(targets)
		}
		batches = append(batches, targets[start:end])
	}
	return batches
}

// clamp bounds v to [lo, hi]; zero or negative values take fallback
func clamp(v, lo, hi, fallback int) int {
	if v <= 0 {
		v = fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
