// Package journal keeps a durable, append-only record of every irreversible
// action the agent attempts. An intent is written before the action is
// dispatched and marked done only after on-chain confirmation, so a restart
// can never mistake an unconfirmed action for an executed one.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	intentKeyPrefix = "action_intent_"

	walPrefix           = "journal_"
	walSegmentThreshold = 1000
	walMaxSegments      = 100
	walDirPermissions   = 0o755
)

// ActionKind classifies a journaled action.
type ActionKind string

const (
	ActionBid  ActionKind = "bid"
	ActionBuy  ActionKind = "buy"
	ActionSell ActionKind = "sell"
)

// Intent statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Intent is one journaled action attempt.
type Intent struct {
	ID     string          `json:"id"`
	Kind   ActionKind      `json:"kind"`
	Owner  string          `json:"owner"` // strategy identity the action belongs to
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Status string          `json:"status"`
	TxRef  string          `json:"tx_ref,omitempty"`
	Error  string          `json:"error,omitempty"`
	Time   time.Time       `json:"time"`
}

// Journal is a WAL-backed intent log shared by all engines.
type Journal struct {
	mu      sync.Mutex
	wal     *gowal.Wal
	pending map[string]*Intent
}

// Open initializes the journal in dir, replaying existing records to find
// intents that were dispatched but never confirmed.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           walPrefix,
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init journal WAL")
	}

	// later records for the same intent supersede earlier ones
	pending := make(map[string]*Intent)
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			continue
		}
		if intent.Status == StatusPending {
			cp := intent
			pending[intent.ID] = &cp
		} else {
			delete(pending, intent.ID)
		}
	}

	return &Journal{wal: wal, pending: pending}, nil
}

// Prepare journals a new pending intent before the action is dispatched.
func (j *Journal) Prepare(kind ActionKind, owner, token string, amount, price decimal.Decimal) (*Intent, error) {
	intent := &Intent{
		ID:     uuid.New().String(),
		Kind:   kind,
		Owner:  owner,
		Token:  token,
		Amount: amount,
		Price:  price,
		Status: StatusPending,
		Time:   time.Now(),
	}
	if err := j.persist(intent); err != nil {
		return nil, err
	}

	j.mu.Lock()
	j.pending[intent.ID] = intent
	j.mu.Unlock()

	return intent, nil
}

// MarkDone records the confirmed outcome of an intent.
func (j *Journal) MarkDone(intent *Intent, txRef string) error {
	if intent == nil {
		return nil
	}
	intent.Status = StatusDone
	intent.TxRef = txRef
	intent.Error = ""
	if err := j.persist(intent); err != nil {
		return err
	}

	j.mu.Lock()
	delete(j.pending, intent.ID)
	j.mu.Unlock()
	return nil
}

// MarkFailed records a failed intent.
func (j *Journal) MarkFailed(intent *Intent, cause error) error {
	if intent == nil {
		return nil
	}
	intent.Status = StatusFailed
	if cause != nil {
		intent.Error = cause.Error()
	}
	if err := j.persist(intent); err != nil {
		return err
	}

	j.mu.Lock()
	delete(j.pending, intent.ID)
	j.mu.Unlock()
	return nil
}

// Pending returns intents that were dispatched but never confirmed or
// failed. They are surfaced for operator review on boot and never replayed.
func (j *Journal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Intent, 0, len(j.pending))
	for _, intent := range j.pending {
		out = append(out, *intent)
	}
	return out
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}

func (j *Journal) persist(intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "marshal action intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)

	j.mu.Lock()
	defer j.mu.Unlock()
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
