package mailsync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vdavid/mailmirror/internal/gmail"
)

// backfill ingests up to BackfillCap recent messages and seeds the cursor with
// the mailbox's current history id.
func (r *run) backfill(ctx context.Context) (*Result, error) {
	if err := r.labels.load(ctx); err != nil {
		return nil, err
	}

	fetched := 0
	pageToken := ""
	for fetched < r.opts.BackfillCap {
		page, err := r.client.ListMessages(ctx, gmail.ListMessagesRequest{
			Query:      r.opts.BackfillQuery,
			PageToken:  pageToken,
			MaxResults: int64(min(r.opts.BackfillPageSize, r.opts.BackfillCap-fetched)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		if len(page.MessageIDs) == 0 {
			break
		}

		ids := page.MessageIDs
		if len(ids) > r.opts.BackfillCap-fetched {
			ids = ids[:r.opts.BackfillCap-fetched]
		}

		messages, err := r.fetchMessages(ctx, ids)
		if err != nil {
			return nil, err
		}

		// Upserts stay sequential: thread counts are adjusted per message.
		for _, msg := range messages {
			if msg == nil {
				continue
			}
			if err := r.upsertMessage(ctx, msg); err != nil {
				return nil, err
			}
			fetched++
		}

		r.log.Debug("backfill page done", "fetched", fetched)

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		r.renewClaim(ctx)
	}

	profile, err := r.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if profile.HistoryID == "" {
		return nil, errors.New("provider returned an empty history id")
	}
	if err := r.store.SaveSyncCursor(ctx, r.account.ID, profile.HistoryID); err != nil {
		return nil, err
	}

	return &Result{OK: true, Mode: ModeInitial, Fetched: &fetched}, nil
}

// fetchMessages fetches full messages concurrently and returns them in the
// order of ids. Messages deleted since listing come back as nil.
func (r *run) fetchMessages(ctx context.Context, ids []string) ([]*gmail.Message, error) {
	messages := make([]*gmail.Message, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.FetchConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			msg, err := r.client.GetMessage(gctx, id)
			if errors.Is(err, gmail.ErrMessageNotFound) {
				r.log.Debug("message vanished before fetch", "provider_message_id", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get message %s: %w", id, err)
			}
			messages[i] = msg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return messages, nil
}
