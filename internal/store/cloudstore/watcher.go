package cloudstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const watchBatchSize = 100

func (e *Engine) startWatcherLocked() {
	if e.watchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.watchCancel = cancel
	e.watchDone = done
	go func() {
		defer close(done)
		e.watch(ctx)
	}()
}

func (e *Engine) stopWatcherLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := e.watchCancel, e.watchDone
	e.watchCancel = nil
	e.watchDone = nil
	return cancel, done
}

// watch long-polls the remote change feed from its current head and publishes
// remote changes. Feed requests are not counted as in-flight work.
func (e *Engine) watch(ctx context.Context) {
	retry := e.cfg.Backoff()
	since := int64(-1)
	for ctx.Err() == nil {
		if since < 0 {
			info, err := e.client.Info(ctx)
			if err != nil {
				if !e.pause(ctx, retry, err) {
					return
				}
				continue
			}
			since = info.UpdateSeq
		}
		page, err := e.client.Changes(ctx, since, watchBatchSize, e.cfg.PollTimeout)
		if err != nil {
			if !e.pause(ctx, retry, err) {
				return
			}
			continue
		}
		retry.Reset()
		for _, row := range page.Results {
			if cached, ok := e.peek(row.ID); ok && cached == row.Rev && !row.Deleted {
				continue
			}
			e.forget(row.ID)
			doc := row.Doc
			doc.ID = row.ID
			doc.Rev = row.Rev
			doc.Deleted = row.Deleted
			e.changes.Publish(store.ChangeFor(doc, store.OriginRemote, row.Seq))
		}
		if page.LastSeq > since {
			since = page.LastSeq
		}
	}
}

func (e *Engine) pause(ctx context.Context, retry backoff.BackOff, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	e.logger.Debug("change feed request failed", zap.Error(err))
	if store.Classify(err) == store.ErrorClassAuth {
		e.reportError(err)
	}
	delay := retry.NextBackOff()
	if delay == backoff.Stop {
		delay = e.cfg.PollTimeout
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// peek returns the cached revision of id without touching cache metrics.
func (e *Engine) peek(id string) (string, bool) {
	raw, err := e.cache.Get([]byte(id))
	if err != nil {
		return "", false
	}
	var head struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", false
	}
	return head.Rev, true
}
