// Package audit implements the Audit Emitter (spec §4.13): canonical,
// content-addressable, hash-chained records appended to a bounded ring,
// drained by a batching channel toward an external anchor. Grounded on the
// teacher's pkg/store/audit_store.go (sequence + previous/entry hash
// chaining, append-only map-backed store) and pkg/merkle/tree.go (sorted-
// leaf Merkle batches) for ExportBundle, plus pkg/crypto/signer.go's
// Ed25519 signer for the "signed entries for downstream anchoring" note
// in spec.md §1.
package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/dislovelhl/acgs2/pkg/canonicalize"
	"github.com/dislovelhl/acgs2/pkg/clockid"
	"github.com/dislovelhl/acgs2/pkg/model"
)

// DefaultRingCapacity matches spec.md §5's audit ring default.
const DefaultRingCapacity = 100_000

// OverflowSink is notified when the ring buffer drops the oldest record
// because the downstream anchor has stalled (spec §4.13, I6).
type OverflowSink interface {
	AuditOverflow(dropped *model.AuditRecord)
}

// Anchor is the external collaborator batches are flushed to (spec §6.4).
type Anchor interface {
	Append(ctx context.Context, batch []*model.AuditRecord) (receipt BatchReceipt, err error)
}

// BatchReceipt is returned by a successful anchor append.
type BatchReceipt struct {
	MerkleRoot string
	Seq        uint64
}

// Emitter produces canonical, hash-chained AuditRecords and buffers them in
// a bounded ring for an external anchor to drain. Emit never blocks the
// caller (spec: "Emitter never blocks the processor").
type Emitter struct {
	mu         sync.Mutex
	ring       []*model.AuditRecord
	head       int // index of the oldest record still in the ring
	count      int
	capacity   int
	sequence   uint64
	chainHead  string
	clock      clockid.Clock
	overflow   OverflowSink
	signer     ed25519.PrivateKey
	signerID   string
}

// New constructs an Emitter whose ring holds capacity records
// (DefaultRingCapacity when capacity <= 0). Records are unsigned unless a
// key is attached with WithSigner.
func New(clock clockid.Clock, capacity int, overflow OverflowSink) *Emitter {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Emitter{
		ring:      make([]*model.AuditRecord, capacity),
		capacity:  capacity,
		chainHead: "genesis",
		clock:     clock,
		overflow:  overflow,
	}
}

// WithSigner attaches an Ed25519 signer (keyID, private key) used to sign
// each record's content hash before export. Passing a nil key disables
// signing.
func (e *Emitter) WithSigner(keyID string, priv ed25519.PrivateKey) *Emitter {
	e.signerID = keyID
	e.signer = priv
	return e
}

// GenerateSigningKey produces a fresh Ed25519 keypair for convenience
// (tests, dev bootstrapping); production deployments should inject an
// externally managed key via WithSigner.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// DeriveSigningKey derives a scope-specific Ed25519 signing key from a
// master key via HKDF-SHA256: the master key's seed is the IKM and scope
// (tenant, stream, environment) is the info string, so one operator-held
// master key yields a distinct, deterministic keypair per audit stream
// without any derived key ever being stored.
func DeriveSigningKey(master ed25519.PrivateKey, scope string) (ed25519.PrivateKey, error) {
	if len(master) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("audit: master key is not a full Ed25519 private key")
	}
	if scope == "" {
		return nil, fmt.Errorf("audit: derivation scope must not be empty")
	}
	r := hkdf.New(sha256.New, master.Seed(), []byte("agentbus-audit-kdf"), []byte(scope))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("audit: hkdf derivation: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Emit canonicalizes rec (key-sorted JSON per RFC 8785), computes its
// content-address hash chained to the previous record, appends it to the
// bounded ring, and returns the finalized record. On ring overflow the
// oldest record is dropped and a CRITICAL SecurityEvent is the caller's
// responsibility to emit (via OverflowSink).
func (e *Emitter) Emit(rec *model.AuditRecord) (*model.AuditRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.clock.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence++
	rec.SequenceNum = e.sequence
	rec.PreviousHash = e.chainHead

	hash, err := e.computeHash(rec)
	if err != nil {
		e.sequence--
		return nil, fmt.Errorf("audit: hash: %w", err)
	}
	rec.RecordHash = hash
	e.chainHead = hash

	if e.signer != nil {
		rec.Details = withSignature(rec.Details, e.signerID, e.sign(hash))
	}

	e.appendLocked(rec)
	return rec, nil
}

func (e *Emitter) sign(hash string) string {
	sig := ed25519.Sign(e.signer, []byte(hash))
	return hex.EncodeToString(sig)
}

func withSignature(details map[string]interface{}, keyID, sig string) map[string]interface{} {
	out := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["_signature"] = sig
	out["_signature_key_id"] = keyID
	return out
}

// computeHash hashes the chain-relevant subset of rec (excluding the chain
// fields themselves, which are derived, not hashed content).
func (e *Emitter) computeHash(rec *model.AuditRecord) (string, error) {
	hashable := struct {
		RecordID      string                 `json:"record_id"`
		Timestamp     time.Time              `json:"timestamp"`
		Action        string                 `json:"action"`
		Actor         string                 `json:"actor"`
		Outcome       model.AuditOutcome     `json:"outcome"`
		Details       map[string]interface{} `json:"details,omitempty"`
		Fingerprint   string                 `json:"fingerprint"`
		CorrelationID string                 `json:"correlation_id,omitempty"`
		PreviousHash  string                 `json:"previous_hash"`
		SequenceNum   uint64                 `json:"sequence_num"`
	}{
		RecordID:      rec.RecordID,
		Timestamp:     rec.Timestamp,
		Action:        rec.Action,
		Actor:         rec.Actor,
		Outcome:       rec.Outcome,
		Details:       rec.Details,
		Fingerprint:   rec.Fingerprint,
		CorrelationID: rec.CorrelationID,
		PreviousHash:  rec.PreviousHash,
		SequenceNum:   rec.SequenceNum,
	}
	return canonicalize.CanonicalHash(hashable)
}

// appendLocked writes rec into the ring, evicting the oldest entry on
// overflow. Must be called with e.mu held.
func (e *Emitter) appendLocked(rec *model.AuditRecord) {
	if e.count < e.capacity {
		idx := (e.head + e.count) % e.capacity
		e.ring[idx] = rec
		e.count++
		return
	}

	dropped := e.ring[e.head]
	e.ring[e.head] = rec
	e.head = (e.head + 1) % e.capacity
	if e.overflow != nil {
		e.overflow.AuditOverflow(dropped)
	}
}

// Snapshot returns the records currently in the ring, oldest first.
func (e *Emitter) Snapshot() []*model.AuditRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*model.AuditRecord, e.count)
	for i := 0; i < e.count; i++ {
		out[i] = e.ring[(e.head+i)%e.capacity]
	}
	return out
}

// Len returns the number of records currently buffered.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// VerifyChain recomputes every record's hash and confirms the chain is
// unbroken across the current ring contents.
func (e *Emitter) VerifyChain() error {
	records := e.Snapshot()
	expectedPrev := "genesis"
	if len(records) > 0 && records[0].SequenceNum > 1 {
		expectedPrev = records[0].PreviousHash
	}
	for i, rec := range records {
		if rec.PreviousHash != expectedPrev {
			return fmt.Errorf("audit: chain broken at sequence %d", rec.SequenceNum)
		}
		computed, err := e.computeHash(&model.AuditRecord{
			RecordID: rec.RecordID, Timestamp: rec.Timestamp, Action: rec.Action,
			Actor: rec.Actor, Outcome: rec.Outcome, Details: withoutSignature(rec.Details),
			Fingerprint: rec.Fingerprint, CorrelationID: rec.CorrelationID,
			PreviousHash: rec.PreviousHash, SequenceNum: rec.SequenceNum,
		})
		if err != nil {
			return fmt.Errorf("audit: recompute hash for sequence %d: %w", rec.SequenceNum, err)
		}
		if computed != rec.RecordHash {
			return fmt.Errorf("audit: hash mismatch at sequence %d", rec.SequenceNum)
		}
		_ = i
		expectedPrev = rec.RecordHash
	}
	return nil
}

func withoutSignature(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	if _, ok := details["_signature"]; !ok {
		return details
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if k == "_signature" || k == "_signature_key_id" {
			continue
		}
		out[k] = v
	}
	return out
}

// Flush drains up to maxBatch of the currently buffered records and hands
// them to anchor.Append, treating a non-ack within anchorTimeout as a
// failure (the records remain in the ring either way — Flush only reads).
func (e *Emitter) Flush(ctx context.Context, anchor Anchor, maxBatch int, anchorTimeout time.Duration) (BatchReceipt, error) {
	records := e.Snapshot()
	if len(records) == 0 {
		return BatchReceipt{}, nil
	}
	if maxBatch > 0 && len(records) > maxBatch {
		records = records[:maxBatch]
	}

	fctx, cancel := context.WithTimeout(ctx, anchorTimeout)
	defer cancel()

	receipt, err := anchor.Append(fctx, records)
	if err != nil {
		return BatchReceipt{}, fmt.Errorf("audit: anchor append: %w", err)
	}
	return receipt, nil
}

// ExportBundle exports every currently buffered record plus a Merkle root
// over their content hashes, grounded on the teacher's sorted-leaf Merkle
// batch construction.
type ExportBundle struct {
	BundleHash string               `json:"bundle_hash"`
	MerkleRoot string               `json:"merkle_root"`
	StartSeq   uint64               `json:"start_sequence"`
	EndSeq     uint64               `json:"end_sequence"`
	Entries    []*model.AuditRecord `json:"entries"`
}

func (e *Emitter) ExportBundle() (*ExportBundle, error) {
	records := e.Snapshot()
	if len(records) == 0 {
		return nil, fmt.Errorf("audit: no records to export")
	}

	root, err := merkleRoot(records)
	if err != nil {
		return nil, err
	}
	bundleHash, err := canonicalize.CanonicalHash(records)
	if err != nil {
		return nil, fmt.Errorf("audit: bundle hash: %w", err)
	}

	return &ExportBundle{
		BundleHash: bundleHash,
		MerkleRoot: root,
		StartSeq:   records[0].SequenceNum,
		EndSeq:     records[len(records)-1].SequenceNum,
		Entries:    records,
	}, nil
}

// merkleRoot builds a binary Merkle tree over each record's RecordHash,
// with the leaves sorted lexicographically by hash (so the root does not
// depend on record order), duplicating the final leaf on an odd level to
// pair it per the teacher's tree builder.
func merkleRoot(records []*model.AuditRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	level := make([]string, len(records))
	for i, r := range records {
		level[i] = r.RecordHash
	}
	sort.SliceStable(level, func(i, j int) bool { return level[i] < level[j] })

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, canonicalize.HashBytes([]byte(level[i]+level[i])))
				continue
			}
			next = append(next, canonicalize.HashBytes([]byte(level[i]+level[i+1])))
		}
		level = next
	}
	return level[0], nil
}
