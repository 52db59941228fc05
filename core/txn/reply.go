package txn

// repliedFor looks up an already-sent reply for (clientID, nonce), so a
// duplicate client retry (§7, §8 P4: idempotent reply cache) gets the
// exact same answer without re-running any side effect.
func (t *Transaction) repliedFor(clientID string, nonce uint64) (cachedReply, bool) {
	r, ok := t.replies[replyKey{ClientID: clientID, Nonce: nonce}]
	return r, ok
}

func (t *Transaction) cacheReply(op *Operation, status Status) {
	if op.Replied {
		return
	}
	op.Replied = true
	r := cachedReply{Kind: op.Kind, Status: status}
	if op.Kind == OpRead {
		r.Timestamp = op.ReadTimestamp
		r.Value = op.ReadValue.Data
	}
	t.replies[replyKey{ClientID: op.ClientID, Nonce: op.Nonce}] = r
}

// replayCached resends a previously-computed reply verbatim, for a
// client that retried after already receiving an answer.
func (t *Transaction) replayCached(d Daemon, clientID string, nonce uint64, r cachedReply) {
	switch r.Kind {
	case OpBegin:
		d.ReplyBegin(clientID, nonce, r.Status)
	case OpRead:
		d.ReplyRead(clientID, nonce, r.Status, r.Timestamp, r.Value)
	case OpWrite:
		d.ReplyWrite(clientID, nonce, r.Status)
	case OpPrepare:
		d.ReplyCommit(clientID, nonce, r.Status)
	case OpAbort:
		d.ReplyAbort(clientID, nonce, r.Status)
	}
}

// sendResponse checks whether op has reached the point in its lifecycle
// where the client is owed an answer, and if so sends it exactly once
// (§4.6). Only the replica that received the client command (ShouldReply)
// ever calls a Daemon Reply* method.
func (t *Transaction) sendResponse(d Daemon, op *Operation) {
	if op == nil || !op.ShouldReply || op.Replied || !op.Durable {
		return
	}
	switch op.Kind {
	case OpBegin:
		t.cacheReply(op, StatusSuccess)
		d.ReplyBegin(op.ClientID, op.Nonce, StatusSuccess)
	case OpRead:
		if !op.ReadDone {
			return
		}
		t.cacheReply(op, StatusSuccess)
		d.ReplyRead(op.ClientID, op.Nonce, StatusSuccess, op.ReadTimestamp, op.ReadValue.Data)
	case OpWrite:
		if !op.Locked {
			return
		}
		t.cacheReply(op, StatusSuccess)
		d.ReplyWrite(op.ClientID, op.Nonce, StatusSuccess)
	}
	// OpPrepare and OpAbort are replied by finalizeTerminalReply once the
	// transaction has actually reached COMMITTED/ABORTED and all side
	// effects (write/verify/unlock) are done, not merely once durable.
}

// finalizeTerminalReply sends the deferred outcome of a PREPARE/ABORT
// command once the transaction has fully wound down.
func (t *Transaction) finalizeTerminalReply(d Daemon, status Status) {
	terminal, ok := t.hasTerminal()
	if !ok || !terminal.ShouldReply || terminal.Replied {
		return
	}
	t.cacheReply(terminal, status)
	switch terminal.Kind {
	case OpPrepare:
		d.ReplyCommit(terminal.ClientID, terminal.Nonce, status)
	case OpAbort:
		d.ReplyAbort(terminal.ClientID, terminal.Nonce, status)
	}
}

// replyErrorFor answers op's own client with StatusError without ever
// proposing it into the log, for ingress checks (not-leader, bad seqno)
// that reject a command outright rather than merely finding it collided
// with something already durable.
func (t *Transaction) replyErrorFor(d Daemon, op *Operation) {
	switch op.Kind {
	case OpBegin:
		d.ReplyBegin(op.ClientID, op.Nonce, StatusError)
	case OpRead:
		d.ReplyRead(op.ClientID, op.Nonce, StatusError, 0, nil)
	case OpWrite:
		d.ReplyWrite(op.ClientID, op.Nonce, StatusError)
	case OpPrepare:
		d.ReplyCommit(op.ClientID, op.Nonce, StatusError)
	case OpAbort:
		d.ReplyAbort(op.ClientID, op.Nonce, StatusError)
	}
}

// replyFromFinalized answers a client whose retry collided with a slot
// already finalized to a different payload (§4.1 "conflicting retry on
// a finalized slot"). The exact original outcome for a foreign payload
// is not reconstructable from here, so terminal kinds report this
// transaction's own decided outcome (which is what actually happened at
// that seqno) and non-terminal kinds report an error, prompting the
// client to resubmit under a fresh nonce.
func (t *Transaction) replyFromFinalized(d Daemon, finalized *Operation) {
	if finalized == nil {
		return
	}
	switch finalized.Kind {
	case OpPrepare, OpAbort:
		status := StatusError
		switch t.state {
		case Committed:
			status = StatusSuccess
		case Aborted:
			status = StatusAborted
		case Terminated:
			status = StatusAborted
			if t.globalDecided && t.globalCommit {
				status = StatusSuccess
			}
		}
		switch finalized.Kind {
		case OpPrepare:
			d.ReplyCommit(finalized.ClientID, finalized.Nonce, status)
		case OpAbort:
			d.ReplyAbort(finalized.ClientID, finalized.Nonce, status)
		}
	case OpRead:
		d.ReplyRead(finalized.ClientID, finalized.Nonce, StatusError, 0, nil)
	case OpWrite:
		d.ReplyWrite(finalized.ClientID, finalized.Nonce, StatusError)
	case OpBegin:
		d.ReplyBegin(finalized.ClientID, finalized.Nonce, StatusError)
	}
}
