// Package challenge keeps per-client challenge state: when the client was
// last seen, which challenge is pending and how often it answered wrong.
package challenge

import (
	"time"

	"captcha_gateway/internal/shard"
)

type ClientRecord struct {
	ClientID          string
	LastRequestAt     time.Time
	ChallengeIssuedAt time.Time
	FailureCount      int
	LastFailureAt     time.Time
	Challenge         Challenge
}

// Pending reports whether a challenge has been issued and not yet cleared.
func (r ClientRecord) Pending() bool {
	return !r.ChallengeIssuedAt.IsZero()
}

// Store holds at most one record per client identity.
type Store struct {
	records *shard.Map[ClientRecord]
}

func NewStore() *Store {
	return &Store{records: shard.New[ClientRecord](shard.DefaultShards)}
}

// Touch creates the record if absent and stamps LastRequestAt.
func (s *Store) Touch(id string, now time.Time) ClientRecord {
	return s.records.Update(id, func(cur ClientRecord, ok bool) (ClientRecord, bool) {
		if !ok {
			cur = ClientRecord{ClientID: id}
		}
		cur.LastRequestAt = now
		return cur, true
	})
}

func (s *Store) RecordChallengeIssued(id string, ch Challenge, now time.Time) ClientRecord {
	return s.records.Update(id, func(cur ClientRecord, ok bool) (ClientRecord, bool) {
		if !ok {
			cur = ClientRecord{ClientID: id, LastRequestAt: now}
		}
		cur.ChallengeIssuedAt = now
		cur.Challenge = ch
		cur.FailureCount = 0
		cur.LastFailureAt = time.Time{}
		return cur, true
	})
}

func (s *Store) RecordFailure(id string, now time.Time) ClientRecord {
	return s.records.Update(id, func(cur ClientRecord, ok bool) (ClientRecord, bool) {
		if !ok {
			cur = ClientRecord{ClientID: id, LastRequestAt: now}
		}
		cur.FailureCount++
		cur.LastFailureAt = now
		return cur, true
	})
}

func (s *Store) Get(id string) (ClientRecord, bool) {
	return s.records.Get(id)
}

func (s *Store) Clear(id string) {
	s.records.Delete(id)
}

// Sweep drops records that have not been touched since cutoff.
func (s *Store) Sweep(cutoff time.Time) int {
	return s.records.Sweep(func(_ string, r ClientRecord) bool {
		return r.LastRequestAt.Before(cutoff)
	})
}

func (s *Store) Len() int {
	return s.records.Len()
}
