package main

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketRefreshAudit = "refresh_audit"

// RefreshAuditEntry records one token-refresh or enrollment outcome for an
// account, so operators can diagnose account health after the fact.
// Supplemental to spec.md; grounded on the teacher's usageStore
// (storage.go), repurposed from token-usage analytics to refresh auditing.
type RefreshAuditEntry struct {
	AccountID string    `json:"account_id"`
	Outcome   string    `json:"outcome"` // "refreshed", "disabled", "retry", "enrolled", "removed"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// auditLog persists RefreshAuditEntry rows in a bbolt bucket keyed by
// account id + nanosecond timestamp, so entries list in chronological order
// per account via a prefix scan.
type auditLog struct {
	db *bbolt.DB
}

func newAuditLog(path string) (*auditLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRefreshAudit))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &auditLog{db: db}, nil
}

func (a *auditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// record is best-effort: a failure to persist an audit entry must never
// affect credential-management correctness, so errors are swallowed after
// logging would be handled by the caller if it cares.
func (a *auditLog) record(accountID, outcome, detail string) {
	if a == nil || a.db == nil {
		return
	}
	entry := RefreshAuditEntry{
		AccountID: accountID,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s|%020d", accountID, entry.Timestamp.UnixNano())
	_ = a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRefreshAudit)).Put([]byte(key), val)
	})
}

// recent returns up to limit most recent entries for accountID, newest first.
func (a *auditLog) recent(accountID string, limit int) ([]RefreshAuditEntry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	var entries []RefreshAuditEntry
	prefix := []byte(accountID + "|")
	err := a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRefreshAudit)).Cursor()
		var all []RefreshAuditEntry
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e RefreshAuditEntry
			if err := json.Unmarshal(v, &e); err == nil {
				all = append(all, e)
			}
		}
		for i := len(all) - 1; i >= 0 && len(entries) < limit; i-- {
			entries = append(entries, all[i])
		}
		return nil
	})
	return entries, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
