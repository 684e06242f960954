package distributord

import (
	"context"

	"apocat/services/distributord/storage"
)

// JournalStore adapts the SQLite store to the processor's Journal interface.
type JournalStore struct {
	store *storage.Store
}

// NewJournalStore wraps the store as a Journal.
func NewJournalStore(store *storage.Store) *JournalStore {
	return &JournalStore{store: store}
}

// Append journals a newly accepted reward.
func (j *JournalStore) Append(ctx context.Context, entry Entry) error {
	return j.store.AppendReward(ctx, storage.RewardRecord{
		ID:          entry.ID,
		Recipient:   entry.Recipient.Hex(),
		Kind:        entry.Kind,
		Amount:      entry.Amount.String(),
		Description: entry.Description,
		CreatedAt:   entry.CreatedAt,
	})
}

// MarkPaid stamps settled entries with their transaction hash.
func (j *JournalStore) MarkPaid(ctx context.Context, ids []string, txHash string) error {
	return j.store.MarkPaid(ctx, ids, txHash)
}
