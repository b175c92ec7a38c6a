package mailsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/gmail"
)

var historyTypes = []string{
	gmail.HistoryMessageAdded,
	gmail.HistoryMessageDeleted,
	gmail.HistoryLabelAdded,
	gmail.HistoryLabelRemoved,
}

// incremental replays the provider's history after cursor. Records are applied
// in the order the provider returns them.
func (r *run) incremental(ctx context.Context, cursor string) (*Result, error) {
	if err := r.labels.load(ctx); err != nil {
		return nil, err
	}

	latest := cursor
	applied := 0
	pageToken := ""
	for {
		page, err := r.client.ListHistory(ctx, gmail.HistoryRequest{
			StartHistoryID: cursor,
			PageToken:      pageToken,
			HistoryTypes:   historyTypes,
			MaxResults:     r.opts.HistoryPageSize,
		})
		if errors.Is(err, gmail.ErrCursorExpired) {
			r.log.Warn("history cursor expired, reseeding", "cursor", cursor, "error", err)
			return r.reseed(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		for _, rec := range page.Records {
			if err := r.applyRecord(ctx, rec); err != nil {
				return nil, err
			}
			applied++
			if historyAfter(rec.ID, latest) {
				latest = rec.ID
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		r.renewClaim(ctx)
	}

	if applied == 0 {
		if err := r.store.MarkSyncIdle(ctx, r.account.ID); err != nil {
			return nil, err
		}
	} else if err := r.store.SaveSyncCursor(ctx, r.account.ID, latest); err != nil {
		return nil, err
	}

	r.log.Info("history applied", "records", applied, "cursor", latest)
	return &Result{OK: true, Mode: ModeIncremental}, nil
}

// reseed moves the cursor to the mailbox's current history id. Changes the
// provider already purged are not recovered.
func (r *run) reseed(ctx context.Context) (*Result, error) {
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
	return &Result{OK: true, Mode: ModeResyncSeeded}, nil
}

func (r *run) applyRecord(ctx context.Context, rec gmail.HistoryRecord) error {
	for _, id := range rec.MessagesAdded {
		msg, err := r.client.GetMessage(ctx, id)
		if errors.Is(err, gmail.ErrMessageNotFound) {
			// Deleted again before we got here; its delete record follows.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to get message %s: %w", id, err)
		}
		if err := r.upsertMessage(ctx, msg); err != nil {
			return err
		}
	}

	for _, id := range rec.MessagesDeleted {
		deleted, err := r.store.DeleteMessageByProviderID(ctx, r.account.ID, id)
		if err != nil {
			return fmt.Errorf("failed to delete message %s: %w", id, err)
		}
		if deleted {
			r.log.Debug("message deleted", "provider_message_id", id)
		}
	}

	for _, change := range rec.LabelsAdded {
		if err := r.applyLabelChange(ctx, change, true); err != nil {
			return err
		}
	}
	for _, change := range rec.LabelsRemoved {
		if err := r.applyLabelChange(ctx, change, false); err != nil {
			return err
		}
	}

	return nil
}

// applyLabelChange adds or removes labels on a known message. Changes to
// messages never ingested locally are skipped.
func (r *run) applyLabelChange(ctx context.Context, change gmail.LabelChange, added bool) error {
	if len(change.LabelIDs) == 0 {
		return nil
	}

	messageID, err := r.store.GetMessageIDByProviderID(ctx, r.account.ID, change.MessageID)
	if errors.Is(err, db.ErrMessageNotFound) {
		r.log.Debug("label change for unknown message skipped", "provider_message_id", change.MessageID)
		return nil
	}
	if err != nil {
		return err
	}

	labelIDs, err := r.labels.resolve(ctx, change.LabelIDs)
	if err != nil {
		return err
	}

	var isRead *bool
	if slices.Contains(change.LabelIDs, unreadLabel) {
		read := !added
		isRead = &read
	}

	if added {
		err = r.store.AddMessageLabels(ctx, messageID, labelIDs, isRead)
	} else {
		err = r.store.RemoveMessageLabels(ctx, messageID, labelIDs, isRead)
	}
	if err != nil {
		return fmt.Errorf("failed to apply label change to message %s: %w", change.MessageID, err)
	}
	return nil
}

// historyAfter reports whether history id a is later than b. Ids are decimal;
// an unparsable a never counts as later.
func historyAfter(a, b string) bool {
	av, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	bv, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return true
	}
	return av > bv
}
