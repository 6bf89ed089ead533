package tofs

import "github.com/gprossliner/tofs/record"

// txn is the in-RAM state of the single active transaction on a volume, per
// §4.4 and §3's "only one transaction per volume is active at a time".
type txn struct {
	id       uint32
	refcount int  // nested Begin calls bump this; only the outermost Commit commits, Abort at any depth rolls back
	aborted  bool // forced ABORTED by an IoError, per §7
	implicit bool // true if this txn was opened implicitly by a single mutating call

	pending []uint32 // addresses of this txn's TENTATIVE records, in submission order
	undo    []func() // in-RAM state restorers, applied in reverse order on rollback
}

// countsAsLive reports whether a record tag contributes to a block's live
// refcount (content and metadata records do; structural records -- Padding,
// the superblock, and the bare transaction markers -- do not).
func countsAsLive(tag record.Tag) bool {
	switch tag {
	case record.TagFileCreate, record.TagAppend, record.TagTruncate, record.TagDelete, record.TagSetFlags:
		return true
	default:
		return false
	}
}

// Transaction opens (or joins) an explicit transaction on the volume.
// Nested Begin calls are flattened: only the outermost Commit performs the
// real commit (§4.4), while an Abort at any nesting depth rolls back the
// whole transaction at once.
func (v *Volume) Transaction() error {
	if err := v.requireMounted(); err != nil {
		return err
	}
	if v.txn != nil && v.txn.aborted {
		return ErrTxnAborted
	}
	if v.txn != nil {
		v.txn.refcount++
		return nil
	}
	v.txn = &txn{id: v.nextTxnID}
	v.nextTxnID++
	v.txn.refcount = 1
	if err := v.writeTxnBegin(v.txn.id); err != nil {
		v.txn = nil
		return err
	}
	return nil
}

func (v *Volume) writeTxnBegin(id uint32) error {
	buf, err := record.Encode(record.TagTxnBegin, id, nil)
	if err != nil {
		return err
	}
	addr, err := v.allocate(len(buf), PriorityNormal)
	if err != nil {
		return err
	}
	if err := v.dev.Write(addr, buf); err != nil {
		return wrapIo(err)
	}
	v.advanceCursor(len(buf))
	return wrapIo(record.MarkLive(v.dev, addr))
}

// Commit flips every TENTATIVE record of the current transaction to LIVE in
// submission order, then writes the TxnCommit record itself LIVE, then
// flushes -- the exact ordering §4.4 requires for crash recoverability.
func (v *Volume) Commit() error {
	if err := v.requireMounted(); err != nil {
		return err
	}
	t := v.txn
	if t == nil {
		return nil
	}
	if t.aborted {
		v.txn = nil
		return ErrTxnAborted
	}
	t.refcount--
	if t.refcount > 0 {
		return nil
	}

	for _, addr := range t.pending {
		if err := record.MarkLive(v.dev, addr); err != nil {
			v.forceAbortOnIoError(t)
			return wrapIo(err)
		}
	}

	buf, err := record.Encode(record.TagTxnCommit, t.id, nil)
	if err != nil {
		v.txn = nil
		return err
	}
	addr, err := v.allocate(len(buf), PriorityNormal)
	if err != nil {
		v.txn = nil
		return err
	}
	if err := v.dev.Write(addr, buf); err != nil {
		v.forceAbortOnIoError(t)
		return wrapIo(err)
	}
	v.advanceCursor(len(buf))
	if err := record.MarkLive(v.dev, addr); err != nil {
		v.forceAbortOnIoError(t)
		return wrapIo(err)
	}

	if err := v.dev.Flush(); err != nil {
		return wrapIo(err)
	}

	v.txn = nil
	return nil
}

// Abort flips every TENTATIVE record of the current transaction to DEAD, in
// the same order Commit would have flipped them to LIVE.
func (v *Volume) Abort() error {
	if err := v.requireMounted(); err != nil {
		return err
	}
	t := v.txn
	if t == nil {
		return nil
	}
	t.refcount = 0
	v.rollback(t)
	v.txn = nil
	return nil
}

func (v *Volume) rollback(t *txn) error {
	for _, addr := range t.pending {
		if err := record.MarkDead(v.dev, addr); err != nil {
			return wrapIo(err)
		}
		v.noteDead(addr)
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	return nil
}

// addUndo registers fn to run if the current explicit transaction is
// aborted, reversing an in-RAM mutation (fileMeta/directory state) that a
// caller applied ahead of the underlying record actually going LIVE. It is a
// no-op outside an explicit transaction: an implicit transaction's
// writeRecordPriority call has already committed its record by the time the
// caller mutates RAM, so there is nothing left that could need rolling back
// (§4.4's "atomically expose or hide a batch of writes" only applies while
// the batch is still open).
func (v *Volume) addUndo(fn func()) {
	if v.txn != nil {
		v.txn.undo = append(v.txn.undo, fn)
	}
}

func (v *Volume) forceAbortOnIoError(t *txn) {
	t.aborted = true
	v.rollback(t)
	v.txn = nil
}

// writeRecord encodes and writes a single record under the current
// transaction, opening an implicit single-operation transaction if none is
// explicitly open (§4.4's "every mutating operation outside an explicit
// transaction is wrapped in an implicit single-operation transaction").
func (v *Volume) writeRecord(tag record.Tag, payload []byte) (uint32, error) {
	return v.writeRecordPriority(tag, payload, PriorityNormal)
}

func (v *Volume) writeRecordPriority(tag record.Tag, payload []byte, pri Priority) (uint32, error) {
	if v.txn != nil && v.txn.aborted {
		return 0, ErrTxnAborted
	}

	implicit := v.txn == nil
	if implicit {
		if err := v.Transaction(); err != nil {
			return 0, err
		}
		v.txn.implicit = true
	}
	t := v.txn

	if len(t.pending) >= v.cfg.MaxRecordsPerTxn {
		if implicit {
			v.Abort()
		}
		return 0, ErrExhausted
	}

	buf, err := record.Encode(tag, t.id, payload)
	if err != nil {
		if implicit {
			v.Abort()
		}
		return 0, err
	}

	addr, err := v.allocate(len(buf), pri)
	if err != nil {
		if implicit {
			v.Abort()
		}
		return 0, err
	}

	if err := v.dev.Write(addr, buf); err != nil {
		v.forceAbortOnIoError(t)
		return 0, wrapIo(err)
	}
	v.advanceCursor(len(buf))

	t.pending = append(t.pending, addr)
	if countsAsLive(tag) {
		v.noteLive(addr, pri)
	}

	if implicit {
		if err := v.Commit(); err != nil {
			return 0, err
		}
	}

	return addr, nil
}

func (v *Volume) advanceCursor(n int) {
	v.curOff += uint32(n)
	if v.curOff >= v.dev.BlockSize() {
		v.blocks[v.curBlock].state = blockSealed
	}
}
