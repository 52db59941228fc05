package synod

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"
)

// Store is the durable persistence layer for accepted log entries, the
// global-vote decision record, and each transaction's origin metadata
// (§6 "Persisted state ... Encoded as length-prefixed entries keyed by
// (txn-group, seqno)"). It opens boltdb/bolt directly rather than going
// through hashicorp/raft-boltdb's StableStore wrapper: that wrapper only
// exposes point Get/Set, with no way to enumerate the keys a restarting
// replica needs in order to discover which transactions to replay after
// a crash (§1, §7). Store manages its own bucket and cursor on the same
// embedded database raft-boltdb itself is built on.
type Store struct {
	db *bolt.DB
}

var logBucket = []byte("txman_log")

// OpenStore opens (creating if absent) the on-disk log store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("synod: open bolt store at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("synod: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// txnPrefix is the common (group, txnID) prefix shared by every key kind
// below: nul-terminated group, nul-terminated txnID, then a kind-specific
// suffix (a fixed-width seqno for an op, a single tag byte otherwise).
func txnPrefix(group, txnID string) []byte {
	buf := make([]byte, 0, len(group)+1+len(txnID)+1)
	buf = append(buf, group...)
	buf = append(buf, 0)
	buf = append(buf, txnID...)
	buf = append(buf, 0)
	return buf
}

// opKey encodes (group, txnID, seqno) into a single byte-string key. The
// encoding puts the fixed-width seqno last so that, within one
// transaction, a scan of op keys sorts by seqno, matching the log's
// natural order.
func opKey(group, txnID string, seqno uint64) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], seqno)
	return append(txnPrefix(group, txnID), seq[:]...)
}

func decisionKey(group, txnID string) []byte {
	return append(txnPrefix(group, txnID), 'D')
}

func originKey(group, txnID string) []byte {
	return append(txnPrefix(group, txnID), 'O')
}

// splitTxnPrefix reverses txnPrefix, ignoring whatever kind-specific
// suffix follows it.
func splitTxnPrefix(key []byte) (group, txnID string, ok bool) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return "", "", false
	}
	rest := key[i+1:]
	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return "", "", false
	}
	return string(key[:i]), string(rest[:j]), true
}

// PutOp durably persists the decided payload for one transaction's slot.
func (s *Store) PutOp(group, txnID string, seqno uint64, payload []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logBucket).Put(opKey(group, txnID, seqno), payload)
	}); err != nil {
		return fmt.Errorf("synod: persist op %s/%s@%d: %w", group, txnID, seqno, err)
	}
	return nil
}

// GetOp reads back a persisted slot payload, for crash recovery. It
// returns a nil slice with no error if the slot was never persisted.
func (s *Store) GetOp(group, txnID string, seqno uint64) ([]byte, error) {
	var v []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(logBucket).Get(opKey(group, txnID, seqno)); raw != nil {
			v = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synod: read op %s/%s@%d: %w", group, txnID, seqno, err)
	}
	return v, nil
}

// PutDecision persists the distinguished global-vote decision record
// (§4.3 "Persist the global decision as a distinguished durable record").
func (s *Store) PutDecision(group, txnID string, decision []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logBucket).Put(decisionKey(group, txnID), decision)
	}); err != nil {
		return fmt.Errorf("synod: persist decision %s/%s: %w", group, txnID, err)
	}
	return nil
}

// GetDecision reads back the global-vote decision record, if any.
func (s *Store) GetDecision(group, txnID string) ([]byte, error) {
	var v []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(logBucket).Get(decisionKey(group, txnID)); raw != nil {
			v = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synod: read decision %s/%s: %w", group, txnID, err)
	}
	return v, nil
}

// PutOrigin records whether this replica's home group originated txnID
// itself or received it from originDC's commit record (§4.5), so a
// restarting replica can tell the two apart when it replays the log and
// resumes the state machine (§1, §7).
func (s *Store) PutOrigin(group, txnID string, isOrigin bool, originDC string) error {
	var buf bytes.Buffer
	if isOrigin {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteString(originDC)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logBucket).Put(originKey(group, txnID), buf.Bytes())
	}); err != nil {
		return fmt.Errorf("synod: persist origin %s/%s: %w", group, txnID, err)
	}
	return nil
}

// GetOrigin reads back the origin metadata PutOrigin recorded, if any.
func (s *Store) GetOrigin(group, txnID string) (isOrigin bool, originDC string, found bool, err error) {
	viewErr := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(logBucket).Get(originKey(group, txnID))
		if raw == nil {
			return nil
		}
		found = true
		isOrigin = raw[0] != 0
		originDC = string(raw[1:])
		return nil
	})
	if viewErr != nil {
		return false, "", false, fmt.Errorf("synod: read origin %s/%s: %w", group, txnID, viewErr)
	}
	return isOrigin, originDC, found, nil
}

// TxnRef names one (group, txn-id) pair discovered by Scan.
type TxnRef struct {
	Group string
	TxnID string
}

// Scan walks every persisted key and returns the distinct (group, txnID)
// pairs found in the store, so a restarting replica can discover which
// transactions to feed through Daemon.Restore instead of silently
// starting with an empty transaction table (§1 "performs recovery when
// any replica of the transaction's home group takes over after an
// arbitrary crash").
func (s *Store) Scan() ([]TxnRef, error) {
	seen := make(map[TxnRef]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			group, txnID, ok := splitTxnPrefix(k)
			if !ok {
				continue
			}
			seen[TxnRef{Group: group, TxnID: txnID}] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synod: scan store: %w", err)
	}
	refs := make([]TxnRef, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	return refs, nil
}
