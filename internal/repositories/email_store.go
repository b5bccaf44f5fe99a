package repositories

import (
	"context"
	"sort"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
)

// EmailStore persists EmailRecords and their send history.
// Every write touches a single record atomically.
type EmailStore interface {
	// InsertIfAbsent stores rec unless (email, repository) already exists.
	// It reports whether the record was inserted.
	InsertIfAbsent(ctx context.Context, rec *models.EmailRecord) (bool, error)
	GetByID(ctx context.Context, id string) (*models.EmailRecord, error)
	List(ctx context.Context, filter models.EmailFilter) ([]*models.EmailRecord, int, error)
	// ListUnsent returns up to limit records of repository without a SendEvent from senderEmail
	ListUnsent(ctx context.Context, repository, senderEmail string, limit int) ([]*models.EmailRecord, error)
	FindByAddress(ctx context.Context, email string) ([]*models.EmailRecord, error)
	// AppendSendEvent adds ev to the record's history; repeating the same event is a no-op
	AppendSendEvent(ctx context.Context, id string, ev models.SendEvent) error
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) (int64, error)
	DeleteByRepository(ctx context.Context, repository string) (int64, error)
	Stats(ctx context.Context, since time.Time) (*models.EmailStats, error)
	RepositorySummary(ctx context.Context, repository string) (*models.RepositorySummary, error)
}

// groupSendHistory collapses SendEvents into one entry per sender identity,
// keeping the latest timestamp, newest first
func groupSendHistory(events []models.SendEvent) []models.SendHistoryEntry {
	index := make(map[string]int)
	history := make([]models.SendHistoryEntry, 0)
	for _, ev := range events {
		key := models.SenderKey(ev.SenderEmail)
		if i, ok := index[key]; ok {
			history[i].Count++
			if ev.SentAt.After(history[i].SentAt) {
				history[i].SentAt = ev.SentAt
				history[i].Sender = ev.Sender
			}
			continue
		}
		index[key] = len(history)
		history = append(history, models.SendHistoryEntry{
			Sender:      ev.Sender,
			SenderEmail: ev.SenderEmail,
			SentAt:      ev.SentAt,
			Count:       1,
		})
	}
	sortHistory(history)
	return history
}

func sortHistory(history []models.SendHistoryEntry) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].SentAt.After(history[j].SentAt)
	})
}
