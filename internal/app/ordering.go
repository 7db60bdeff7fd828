package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type OrderingOp string

const (
	OrderCreate  OrderingOp = "create"
	OrderDelete  OrderingOp = "delete"
	OrderReorder OrderingOp = "reorder"
)

// OrderingIndex persists the session display order as one JSON document,
// independent of session content. Sessions missing from the record are
// appended by recency at list time.
type OrderingIndex struct {
	path string
	mu   sync.Mutex
}

func NewOrderingIndex(root string) *OrderingIndex {
	return &OrderingIndex{path: filepath.Join(root, "session-order.json")}
}

func (o *OrderingIndex) Load() (OrderingRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadLocked()
}

func (o *OrderingIndex) loadLocked() (OrderingRecord, error) {
	var rec OrderingRecord
	b, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OrderingRecord{Order: []string{}}, nil
		}
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	if rec.Order == nil {
		rec.Order = []string{}
	}
	return rec, nil
}

// Update applies op to the persisted order. create prepends new ids
// (most-recent-first) skipping duplicates, delete removes ids, reorder
// replaces the order wholesale.
func (o *OrderingIndex) Update(ids []string, op OrderingOp) (OrderingRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.loadLocked()
	if err != nil {
		return rec, err
	}

	switch op {
	case OrderCreate:
		existing := make(map[string]struct{}, len(rec.Order))
		for _, id := range rec.Order {
			existing[id] = struct{}{}
		}
		fresh := make([]string, 0, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := existing[id]; ok {
				continue
			}
			existing[id] = struct{}{}
			fresh = append(fresh, id)
		}
		rec.Order = append(fresh, rec.Order...)
	case OrderDelete:
		drop := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			drop[id] = struct{}{}
		}
		kept := rec.Order[:0]
		for _, id := range rec.Order {
			if _, ok := drop[id]; !ok {
				kept = append(kept, id)
			}
		}
		rec.Order = kept
	case OrderReorder:
		rec.Order = append([]string(nil), ids...)
	default:
		return rec, errors.New("unknown ordering op: " + string(op))
	}

	rec.LastUpdated = time.Now()
	rec.LastOperation = string(op)
	if err := o.saveLocked(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (o *OrderingIndex) saveLocked(rec OrderingRecord) error {
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(o.path, b, 0o644)
}

// Arrange sorts sessions for display: explicitly ordered ids first, then
// sessions absent from the record by LastUpdated descending.
func Arrange(rec OrderingRecord, sessions []*Session) []*Session {
	byID := make(map[string]*Session, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}

	out := make([]*Session, 0, len(sessions))
	seen := make(map[string]struct{}, len(sessions))
	for _, id := range rec.Order {
		if s, ok := byID[id]; ok {
			out = append(out, s)
			seen[id] = struct{}{}
		}
	}

	rest := make([]*Session, 0)
	for _, s := range sessions {
		if _, ok := seen[s.ID]; !ok {
			rest = append(rest, s)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].LastUpdated.Equal(rest[j].LastUpdated) {
			return rest[i].CreatedAt.After(rest[j].CreatedAt)
		}
		return rest[i].LastUpdated.After(rest[j].LastUpdated)
	})
	return append(out, rest...)
}
