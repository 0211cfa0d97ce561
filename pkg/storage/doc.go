/*
Package storage provides durable persistence for ezstream's desired state:
stream configurations and nodes.

Two backends implement the Store interface:

	┌──────────────────── STORE ─────────────────────────┐
	│                                                      │
	│  BoltStore                 SQLiteStore               │
	│  - <dataDir>/ezstream.db   - <dataDir>/ezstream.sqlite│
	│  - buckets: streams,nodes  - tables: streams,nodes   │
	│  - JSON values             - JSON data column plus   │
	│  - single writer tx          indexed status/node ids │
	│                            - golang-migrate schema   │
	│                            - one pooled connection   │
	└──────────────────────────────────────────────────────┘

# Transactions

Every lifecycle transition is a compare-and-write: re-read the row, check the
current status, write only if it is still an allowed source. Update gives the
caller a Tx for exactly that:

	err := store.Update(ctx, func(tx storage.Tx) error {
		stream, err := tx.GetStream(42)
		if err != nil {
			return err
		}
		if stream.Status != types.StreamStatusStarting {
			return errSkip // rolls back
		}
		stream.Status = types.StreamStatusStreaming
		return tx.PutStream(stream)
	})

Both backends serialize writers, so two concurrent Update calls on the same
row cannot interleave their read and write. Do not call Store methods from
inside fn: SQLiteStore holds its only connection for the duration of the
transaction.

# Ids

Put assigns the next id when the row's ID is zero. Explicit ids are kept, and
BoltStore advances its bucket sequence past them.

Missing rows return an error wrapping ErrNotFound; check it with errors.Is.
*/
package storage
