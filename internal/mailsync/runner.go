package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdavid/mailmirror/internal/models"
)

// EventTypeSyncResult is the type of the event published after every run.
const EventTypeSyncResult = "sync_result"

// Event reports the outcome of one run to listeners.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	AccountID string    `json:"account_id"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives sync events. Implementations must not block for long.
type Notifier interface {
	NotifySync(ctx context.Context, event Event) error
}

// Synchronizer runs one sync for an account. *Engine implements it.
type Synchronizer interface {
	Synchronize(ctx context.Context, account *models.Account) (*Result, error)
}

var _ Synchronizer = (*Engine)(nil)

// Runner is what request handlers call. It rejects a second run for an account
// already syncing in this process and publishes every outcome to its notifiers.
type Runner struct {
	sync      Synchronizer
	notifiers []Notifier
	log       *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewRunner creates a Runner. A nil logger means slog.Default().
func NewRunner(s Synchronizer, logger *slog.Logger, notifiers ...Notifier) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sync:      s,
		notifiers: notifiers,
		log:       logger,
		running:   make(map[string]struct{}),
	}
}

// Run synchronizes account and blocks until the run finishes.
func (r *Runner) Run(ctx context.Context, account *models.Account) (*Result, error) {
	if !r.tryStart(account.ID) {
		return nil, ErrSyncInProgress
	}
	defer r.finish(account.ID)

	res, err := r.sync.Synchronize(ctx, account)
	if errors.Is(err, ErrSyncInProgress) {
		return nil, err
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      EventTypeSyncResult,
		UserID:    account.UserID,
		AccountID: account.ID,
		Result:    res,
		At:        time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	r.publish(context.WithoutCancel(ctx), event)

	return res, err
}

// IsRunning reports whether a run for the account is in progress in this process.
func (r *Runner) IsRunning(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[accountID]
	return ok
}

func (r *Runner) tryStart(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[accountID]; ok {
		return false
	}
	r.running[accountID] = struct{}{}
	return true
}

func (r *Runner) finish(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, accountID)
}

func (r *Runner) publish(ctx context.Context, event Event) {
	for _, n := range r.notifiers {
		if err := n.NotifySync(ctx, event); err != nil {
			r.log.Warn("failed to publish sync event", "account_id", event.AccountID, "error", err)
		}
	}
}
