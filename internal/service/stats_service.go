package service

import (
	"context"
	"time"

	"netpanel/internal/core/ports"
	"netpanel/pkg/apperror"

	"github.com/google/uuid"
)

// statsService implements ports.StatsService by folding the attempt
// log. Pure read, no side effects.
type statsService struct {
	attempts ports.DeliveryAttemptRepository
}

// NewStatsService creates the per-webhook delivery stats aggregator.
func NewStatsService(attempts ports.DeliveryAttemptRepository) ports.StatsService {
	return &statsService{attempts: attempts}
}

// Stats computes totals, success rate, mean latency and the most
// recent error for one webhook. window > 0 bounds the scan to the
// trailing period; an empty log yields zeroed stats, not an error.
func (s *statsService) Stats(ctx context.Context, webhookID uuid.UUID, window time.Duration) (*ports.WebhookStats, error) {
	query := ports.AttemptQuery{}
	if window > 0 {
		query.Since = time.Now().UTC().Add(-window)
	}

	attempts, err := s.attempts.ListByWebhook(ctx, webhookID, query)
	if err != nil {
		return nil, apperror.ErrStoreError(err)
	}

	stats := &ports.WebhookStats{}
	if len(attempts) == 0 {
		return stats, nil
	}

	var latencySum int64
	var lastErrAt time.Time
	for i := range attempts {
		a := &attempts[i]
		stats.TotalAttempts++
		if a.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
			if a.Error != nil && !a.CreatedAt.Before(lastErrAt) {
				lastErrAt = a.CreatedAt
				stats.LastError = a.Error
			}
		}
		latencySum += a.LatencyMS
	}

	stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalAttempts)
	stats.AvgLatencyMS = float64(latencySum) / float64(stats.TotalAttempts)
	return stats, nil
}
