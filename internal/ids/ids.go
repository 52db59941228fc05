// Package ids generates the identifiers TxMan threads through the
// coordinator: transaction ids, client ids, and per-request nonces.
package ids

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// TransactionID uniquely names a transaction within its home group.
type TransactionID uuid.UUID

// NewTransactionID mints a fresh, random transaction id.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.New())
}

func (id TransactionID) String() string {
	return uuid.UUID(id).String()
}

// ClientID names the client connection that issued a command.
type ClientID uuid.UUID

// NewClientID mints a fresh client id, assigned once per client session.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

// Nonce disambiguates repeated commands from the same client so that
// retries are idempotent (§4.1, §7 "duplicate client retries").
type Nonce uint64

// NewNonce derives a nonce from a fresh UUID's low 8 bytes. Nonces need
// only be unique per client, not globally, so truncation is safe.
func NewNonce() Nonce {
	u := uuid.New()
	b := u[:]
	return Nonce(binary.BigEndian.Uint64(b[8:16]))
}
