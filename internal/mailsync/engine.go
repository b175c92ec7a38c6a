// Package mailsync mirrors a Gmail mailbox into the local store. A run either
// backfills a bounded slice of recent mail (first sync) or replays the provider's
// change history from the stored cursor.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

// Mode says which kind of successful run produced a Result.
type Mode string

const (
	ModeInitial      Mode = "initial"
	ModeIncremental  Mode = "incremental"
	ModeResyncSeeded Mode = "resync_seeded"
)

// Code says why a run did not succeed.
type Code string

const (
	CodeOAuthReconnectRequired Code = "OAUTH_RECONNECT_REQUIRED"
	CodeTransient              Code = "TRANSIENT"
)

// Result is the outcome of one run. OK results carry Mode, failed ones carry Code.
// Fetched is set for backfills only.
type Result struct {
	OK      bool   `json:"ok"`
	Mode    Mode   `json:"mode,omitempty"`
	Fetched *int   `json:"fetched,omitempty"`
	Code    Code   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Options tunes the engine. Zero fields take the defaults from DefaultOptions.
type Options struct {
	// BackfillQuery is the provider search that scopes the first sync.
	BackfillQuery string
	// BackfillCap is the most messages a backfill ingests.
	BackfillCap int
	// BackfillPageSize is the message list page size.
	BackfillPageSize int
	// HistoryPageSize is the history list page size.
	HistoryPageSize int64
	// FetchConcurrency bounds parallel message fetches within one backfill page.
	FetchConcurrency int
	// SyncLease is how long a RUNNING claim is honored before it counts as abandoned.
	SyncLease time.Duration
	// StateWriteTimeout bounds the final state write after the caller's context is gone.
	StateWriteTimeout time.Duration
	Logger            *slog.Logger
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		BackfillQuery:     "(in:inbox OR in:sent) -in:trash -in:spam",
		BackfillCap:       1000,
		BackfillPageSize:  100,
		HistoryPageSize:   500,
		FetchConcurrency:  8,
		SyncLease:         10 * time.Minute,
		StateWriteTimeout: 5 * time.Second,
		Logger:            slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BackfillQuery == "" {
		o.BackfillQuery = d.BackfillQuery
	}
	if o.BackfillCap <= 0 {
		o.BackfillCap = d.BackfillCap
	}
	if o.BackfillPageSize <= 0 {
		o.BackfillPageSize = d.BackfillPageSize
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = d.HistoryPageSize
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = d.FetchConcurrency
	}
	if o.SyncLease <= 0 {
		o.SyncLease = d.SyncLease
	}
	if o.StateWriteTimeout <= 0 {
		o.StateWriteTimeout = d.StateWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}

// Engine reconciles accounts against their provider mailbox.
// One Engine serves all accounts; per-run state lives in a run value.
type Engine struct {
	store   Store
	clients ClientFactory
	opts    Options
}

// NewEngine creates an engine writing to store and talking to the provider
// through clients.
func NewEngine(store Store, clients ClientFactory, opts Options) *Engine {
	return &Engine{store: store, clients: clients, opts: opts.withDefaults()}
}

// run holds what one Synchronize call shares between its steps.
type run struct {
	*Engine
	account *models.Account
	client  Provider
	labels  *labelResolver
	log     *slog.Logger
}

// Synchronize brings the mirror of account up to date with the provider.
//
// Reconnect-required and transient failures come back as a Result with OK
// false. A run already in progress yields ErrSyncInProgress. Any other failure
// is recorded on the sync state and returned as an error.
func (e *Engine) Synchronize(ctx context.Context, account *models.Account) (*Result, error) {
	log := e.opts.Logger.With("account_id", account.ID)

	if !account.IsConnected {
		return reconnectRequired("account is disconnected"), nil
	}

	client, err := e.clients.NewClient(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	// The probe forces a token refresh so a revoked grant shows up before any state changes.
	if _, err := client.GetProfile(ctx); err != nil {
		if errors.Is(err, gmail.ErrInvalidGrant) {
			log.Warn("oauth grant revoked, disconnecting account", "error", err)
			if err := e.store.SetAccountConnected(ctx, account.ID, false); err != nil {
				return nil, err
			}
			return reconnectRequired(err.Error()), nil
		}
		if gmail.IsTransient(err) {
			return transient(err), nil
		}
		return nil, fmt.Errorf("failed to probe provider: %w", err)
	}

	state, err := e.store.AcquireSync(ctx, account.ID, e.opts.SyncLease)
	if err != nil {
		return nil, err
	}

	r := &run{
		Engine:  e,
		account: account,
		client:  client,
		labels:  newLabelResolver(e.store, client, account.ID),
		log:     log,
	}

	var res *Result
	if state.Seeded() {
		log.Info("starting incremental sync", "cursor", state.HistoryCursor)
		res, err = r.incremental(ctx, state.HistoryCursor)
	} else {
		log.Info("starting backfill")
		res, err = r.backfill(ctx)
	}
	if err != nil {
		return r.fail(ctx, err)
	}

	log.Info("sync finished", "mode", res.Mode)
	return res, nil
}

// fail settles the sync state after a failed run and picks the outcome.
func (r *run) fail(ctx context.Context, err error) (*Result, error) {
	if ctx.Err() != nil {
		r.log.Warn("sync cancelled", "error", err)
		r.recordError(ctx, "sync cancelled")
		return nil, ctx.Err()
	}

	switch {
	case errors.Is(err, gmail.ErrInvalidGrant):
		r.log.Warn("oauth grant revoked during sync", "error", err)
		if err := r.store.SetAccountConnected(ctx, r.account.ID, false); err != nil {
			r.log.Error("failed to disconnect account", "error", err)
		}
		r.recordError(ctx, "oauth reconnect required")
		return reconnectRequired(err.Error()), nil

	case gmail.IsTransient(err):
		r.log.Warn("transient sync failure", "error", err)
		if err := r.recordError(ctx, err.Error()); err != nil {
			return nil, err
		}
		return transient(err), nil

	default:
		r.log.Error("sync failed", "error", err)
		_ = r.recordError(ctx, err.Error())
		return nil, err
	}
}

// recordError marks the sync state ERROR. The write runs detached from ctx so a
// cancelled run still releases its RUNNING claim.
func (r *run) recordError(ctx context.Context, message string) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StateWriteTimeout)
	defer cancel()

	if err := r.store.MarkSyncError(writeCtx, r.account.ID, message); err != nil {
		r.log.Error("failed to record sync error", "error", err)
		return err
	}
	return nil
}

// renewClaim keeps the RUNNING claim younger than SyncLease. A failed renewal
// only risks a concurrent run, so it is logged and the run goes on.
func (r *run) renewClaim(ctx context.Context) {
	if err := r.store.RenewSyncClaim(ctx, r.account.ID); err != nil {
		r.log.Warn("failed to renew sync claim", "error", err)
	}
}

func reconnectRequired(reason string) *Result {
	return &Result{OK: false, Code: CodeOAuthReconnectRequired, Reason: reason}
}

func transient(err error) *Result {
	return &Result{OK: false, Code: CodeTransient, Reason: err.Error()}
}
