package mailsync

import (
	"context"
	"fmt"

	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

// unreadLabel is the provider's system label marking a message unread.
const unreadLabel = "UNREAD"

// labelResolver maps provider label ids to local label ids for one run. The
// provider catalog is fetched once; local rows are created on first use.
type labelResolver struct {
	store     Store
	client    Provider
	accountID string

	catalog map[string]gmail.Label
	local   map[string]string
}

func newLabelResolver(store Store, client Provider, accountID string) *labelResolver {
	return &labelResolver{
		store:     store,
		client:    client,
		accountID: accountID,
		local:     make(map[string]string),
	}
}

// load fetches the provider's label catalog.
func (l *labelResolver) load(ctx context.Context) error {
	labels, err := l.client.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list labels: %w", err)
	}

	l.catalog = make(map[string]gmail.Label, len(labels))
	for _, label := range labels {
		l.catalog[label.ID] = label
	}
	return nil
}

// resolve returns local label ids for providerIDs in the same order, upserting
// labels not seen earlier in this run. Duplicates are dropped.
func (l *labelResolver) resolve(ctx context.Context, providerIDs []string) ([]string, error) {
	ids := make([]string, 0, len(providerIDs))
	seen := make(map[string]bool, len(providerIDs))

	for _, providerID := range providerIDs {
		if providerID == "" || seen[providerID] {
			continue
		}
		seen[providerID] = true

		id, ok := l.local[providerID]
		if !ok {
			label := l.labelFor(providerID)
			if err := l.store.UpsertLabel(ctx, label); err != nil {
				return nil, fmt.Errorf("failed to save label %s: %w", providerID, err)
			}
			id = label.ID
			l.local[providerID] = id
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// labelFor builds the local row for a provider label. Labels missing from the
// catalog are named after their id.
func (l *labelResolver) labelFor(providerID string) *models.Label {
	label := &models.Label{
		AccountID:       l.accountID,
		ProviderLabelID: providerID,
		Name:            providerID,
		Kind:            models.LabelKindUser,
	}

	if meta, ok := l.catalog[providerID]; ok {
		if meta.Name != "" {
			label.Name = meta.Name
		}
		if meta.Type == "system" {
			label.Kind = models.LabelKindSystem
		}
	}
	return label
}
