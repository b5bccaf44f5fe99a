package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
)

// MemoryEmailRepository is an in-process EmailStore
type MemoryEmailRepository struct {
	mu      sync.RWMutex
	records map[string]*models.EmailRecord
}

func NewMemoryEmailRepository() *MemoryEmailRepository {
	return &MemoryEmailRepository{records: make(map[string]*models.EmailRecord)}
}

func (r *MemoryEmailRepository) InsertIfAbsent(_ context.Context, rec *models.EmailRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return false, nil
	}
	stored := rec.Clone()
	stored.CollectedAt = stored.CollectedAt.UTC()
	r.records[rec.ID] = stored
	return true, nil
}

func (r *MemoryEmailRepository) GetByID(_ context.Context, id string) (*models.EmailRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, models.ErrEmailNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryEmailRepository) List(_ context.Context, filter models.EmailFilter) ([]*models.EmailRecord, int, error) {
	r.mu.RLock()
	matched := make([]*models.EmailRecord, 0)
	for _, rec := range r.records {
		if matchesFilter(rec, filter) {
			matched = append(matched, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CollectedAt.Equal(matched[j].CollectedAt) {
			return matched[i].CollectedAt.After(matched[j].CollectedAt)
		}
		return matched[i].Email < matched[j].Email
	})

	total := len(matched)
	if filter.Limit <= 0 {
		return matched, total, nil
	}
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryEmailRepository) ListUnsent(_ context.Context, repository, senderEmail string, limit int) ([]*models.EmailRecord, error) {
	key := models.SenderKey(senderEmail)

	r.mu.RLock()
	candidates := make([]*models.EmailRecord, 0)
	for _, rec := range r.records {
		if rec.Repository != repository {
			continue
		}
		if _, sent := rec.Senders()[key]; sent {
			continue
		}
		candidates = append(candidates, rec.Clone())
	}
	r.mu.RUnlock()

	sortOldestFirst(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (r *MemoryEmailRepository) FindByAddress(_ context.Context, email string) ([]*models.EmailRecord, error) {
	email = models.NormalizeAddress(email)

	r.mu.RLock()
	found := make([]*models.EmailRecord, 0)
	for _, rec := range r.records {
		if rec.Email == email {
			found = append(found, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sortOldestFirst(found)
	return found, nil
}

func (r *MemoryEmailRepository) AppendSendEvent(_ context.Context, id string, ev models.SendEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return models.ErrEmailNotFound
	}
	ev.SenderEmail = models.SenderKey(ev.SenderEmail)
	ev.SentAt = ev.SentAt.UTC()
	for _, existing := range rec.EmailSent {
		if existing.SenderEmail == ev.SenderEmail && existing.SentAt.Equal(ev.SentAt) {
			return nil
		}
	}
	rec.EmailSent = append(rec.EmailSent, ev)
	return nil
}

func (r *MemoryEmailRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return models.ErrEmailNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *MemoryEmailRepository) DeleteMany(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, id := range ids {
		if _, ok := r.records[id]; ok {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryEmailRepository) DeleteByRepository(_ context.Context, repository string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, rec := range r.records {
		if rec.Repository == repository {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryEmailRepository) Stats(_ context.Context, since time.Time) (*models.EmailStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &models.EmailStats{ByRepository: []models.RepositoryCount{}}
	counts := make(map[string]int)
	for _, rec := range r.records {
		stats.Total++
		if !rec.CollectedAt.Before(since) {
			stats.Recent24h++
		}
		counts[rec.Repository]++
	}
	for repo, n := range counts {
		stats.ByRepository = append(stats.ByRepository, models.RepositoryCount{Repository: repo, Count: n})
	}
	sort.Slice(stats.ByRepository, func(i, j int) bool {
		a, b := stats.ByRepository[i], stats.ByRepository[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Repository < b.Repository
	})
	return stats, nil
}

func (r *MemoryEmailRepository) RepositorySummary(_ context.Context, repository string) (*models.RepositorySummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := &models.RepositorySummary{Repository: repository}
	var sent []models.SendEvent
	for _, rec := range r.records {
		if rec.Repository != repository {
			continue
		}
		summary.TotalEmails++
		collected := rec.CollectedAt
		if summary.CollectedAt == nil || collected.Before(*summary.CollectedAt) {
			summary.CollectedAt = &collected
		}
		if summary.LastCollectedAt == nil || collected.After(*summary.LastCollectedAt) {
			last := collected
			summary.LastCollectedAt = &last
		}
		sent = append(sent, rec.EmailSent...)
	}
	if summary.TotalEmails == 0 {
		return nil, models.ErrRepositoryNotFound
	}
	summary.SendHistory = groupSendHistory(sent)
	return summary, nil
}

func matchesFilter(rec *models.EmailRecord, filter models.EmailFilter) bool {
	if s := strings.ToLower(strings.TrimSpace(filter.Search)); s != "" {
		haystack := strings.ToLower(strings.Join([]string{rec.Email, rec.Name, rec.Username, rec.Repository}, "\x00"))
		if !strings.Contains(haystack, s) {
			return false
		}
	}
	if filter.Repository != "" && rec.Repository != filter.Repository {
		return false
	}
	if filter.CollectedFrom != nil && rec.CollectedAt.Before(*filter.CollectedFrom) {
		return false
	}
	if filter.CollectedTo != nil && rec.CollectedAt.After(*filter.CollectedTo) {
		return false
	}
	switch filter.SentStatus {
	case models.SentStatusSent:
		return len(rec.EmailSent) > 0
	case models.SentStatusUnsent:
		return len(rec.EmailSent) == 0
	}
	return true
}

func sortOldestFirst(records []*models.EmailRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CollectedAt.Equal(records[j].CollectedAt) {
			return records[i].CollectedAt.Before(records[j].CollectedAt)
		}
		return records[i].Email < records[j].Email
	})
}
