package diagnostic

import (
	"context"
	"time"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BulkResult is the outcome of one host in a bulk audit. Exactly one of
// Snapshot and Err is set.
type BulkResult struct {
	Host     models.Host
	Snapshot *models.AuditSnapshot
	Err      error
	Duration time.Duration
}

// RunBulk audits hosts with at most limit audits in flight. Every host gets
// its own deadline of perHostTimeout (none when zero) and a failure on one
// host never cancels the others. Results keep the order of hosts.
func (o *Orchestrator) RunBulk(ctx context.Context, hosts []models.Host, limit int, perHostTimeout time.Duration) []BulkResult {
	if limit <= 0 {
		limit = 1
	}
	results := make([]BulkResult, len(hosts))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, host := range hosts {
		g.Go(func() error {
			hctx := ctx
			if perHostTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(ctx, perHostTimeout)
				defer cancel()
			}
			start := time.Now()
			snap, err := o.RunAudit(hctx, host)
			results[i] = BulkResult{Host: host, Snapshot: snap, Err: err, Duration: time.Since(start)}
			if err != nil {
				log.Error().Err(err).
					Str("host", host.Label()).
					Bool("retryable", auditerrors.IsRetryableError(err)).
					Msg("Host audit failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("hosts", len(hosts)).Int("failed", failed).Int("concurrency", limit).Msg("Bulk audit complete")
	return results
}
