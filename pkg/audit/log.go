// Package audit implements the append-only, hash-chained audit log. Every
// state mutation and every enforcement decision is recorded here before it
// is considered committed; there is no update or delete API.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/canonical"
)

var (
	ErrChainBroken    = errors.New("audit chain is broken")
	ErrRecordNotFound = errors.New("audit record not found")
)

// genesisHash anchors the chain before the first record.
const genesisHash = "genesis"

// Record is a single immutable audit entry. Hash covers every field except
// itself, so any later alteration of a stored record is detectable by
// recomputation.
type Record struct {
	RecordID    string          `json:"record_id"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// Sink receives every appended record for durable storage. Append must be
// atomic per record; a failed sink write fails the whole append.
type Sink interface {
	Append(rec *Record) error
}

// Log is the in-memory head of the audit chain. Appends serialize through
// the log's own lock; the engine additionally holds its session lock so
// record ordering is total across all mutating operations.
type Log struct {
	mu      sync.RWMutex
	records []*Record
	head    string
	clock   func() time.Time
	sink    Sink
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithSink attaches a durable sink.
func WithSink(sink Sink) Option {
	return func(l *Log) { l.sink = sink }
}

// NewLog creates an empty audit log.
func NewLog(opts ...Option) *Log {
	l := &Log{head: genesisHash, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// hashEnvelope is the canonical input to a record's hash. PrevHash links the
// chain; everything else binds the record's own content.
type hashEnvelope struct {
	Sequence    uint64 `json:"sequence"`
	Timestamp   string `json:"timestamp"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev_hash"`
}

func recordHash(rec *Record) (string, error) {
	return canonical.Hash(hashEnvelope{
		Sequence:    rec.Sequence,
		Timestamp:   rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:       rec.Actor,
		Action:      rec.Action,
		PayloadHash: rec.PayloadHash,
		PrevHash:    rec.PrevHash,
	})
}

// Append records an action. The payload is serialized once and hashed
// canonically; the record is durable (sink write included) before Append
// returns.
func (l *Log) Append(actor, action string, payload any) (*Record, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize audit payload: %w", err)
	}
	canonicalPayload, err := canonical.Marshal(json.RawMessage(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{
		RecordID:    uuid.New().String(),
		Sequence:    uint64(len(l.records)) + 1,
		Timestamp:   l.clock().UTC(),
		Actor:       actor,
		Action:      action,
		Payload:     canonicalPayload,
		PayloadHash: canonical.HashBytes(canonicalPayload),
		PrevHash:    l.head,
	}
	hash, err := recordHash(rec)
	if err != nil {
		return nil, fmt.Errorf("hash audit record: %w", err)
	}
	rec.Hash = hash

	if l.sink != nil {
		if err := l.sink.Append(rec); err != nil {
			return nil, fmt.Errorf("audit sink append: %w", err)
		}
	}

	l.records = append(l.records, rec)
	l.head = rec.Hash
	return rec, nil
}

// Replay seeds the chain from previously stored records, verifying as it
// goes. Used at session open to trust the durable log as ground truth.
func (l *Log) Replay(records []*Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) != 0 {
		return errors.New("replay into a non-empty audit log")
	}
	prev := genesisHash
	for i, rec := range records {
		if err := checkRecord(rec, uint64(i)+1, prev); err != nil {
			return err
		}
		prev = rec.Hash
	}
	l.records = append(l.records, records...)
	l.head = prev
	return nil
}

func checkRecord(rec *Record, wantSeq uint64, wantPrev string) error {
	if rec.Sequence != wantSeq {
		return fmt.Errorf("%w: record %d has sequence %d", ErrChainBroken, wantSeq, rec.Sequence)
	}
	if rec.PrevHash != wantPrev {
		return fmt.Errorf("%w: record %d expected prev %s, got %s", ErrChainBroken, wantSeq, wantPrev, rec.PrevHash)
	}
	if got := canonical.HashBytes(rec.Payload); got != rec.PayloadHash {
		return fmt.Errorf("%w: record %d payload hash mismatch", ErrChainBroken, wantSeq)
	}
	computed, err := recordHash(rec)
	if err != nil {
		return fmt.Errorf("rehash record %d: %w", wantSeq, err)
	}
	if computed != rec.Hash {
		return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, wantSeq)
	}
	return nil
}

// VerifyChain recomputes every hash from genesis and confirms the chain is
// unbroken. Used for tamper detection at session open or on demand.
func (l *Log) VerifyChain() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyRecords(l.records)
}

// VerifyRecords verifies an arbitrary record sequence against the
// tamper-evidence invariant.
func VerifyRecords(records []*Record) (bool, string) {
	prev := genesisHash
	for i, rec := range records {
		if err := checkRecord(rec, uint64(i)+1, prev); err != nil {
			return false, err.Error()
		}
		prev = rec.Hash
	}
	return true, "chain verified"
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Get retrieves a record by sequence number.
func (l *Log) Get(seq uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.records)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrRecordNotFound, seq)
	}
	return copyRecord(l.records[seq-1]), nil
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.Payload = append(json.RawMessage(nil), rec.Payload...)
	return &cp
}

// Records returns a copy of the full chain.
func (l *Log) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, len(l.records))
	for i, rec := range l.records {
		out[i] = copyRecord(rec)
	}
	return out
}
