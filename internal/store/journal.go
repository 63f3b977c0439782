package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/packet"
)

var _ backlog.Journal = (*Store)(nil)

// AppendPacket journals p under group. Keys are written once; a second
// write of the same key must carry the same packet.
func (s *Store) AppendPacket(ctx context.Context, group string, p packet.Packet) error {
	body, digest, err := marshalPacket(p)
	if err != nil {
		return fmt.Errorf("append packet: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packets (grp, seq, kind, entry, txn, body, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(grp, seq) DO NOTHING
	`,
		group,
		int64(p.Key),
		p.Kind.String(),
		p.Entry,
		string(p.Txn),
		body,
		digest,
	)
	if err != nil {
		return fmt.Errorf("append packet: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append packet: %w", err)
	}
	if n == 0 {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT digest FROM packets WHERE grp = ? AND seq = ?`, group, int64(p.Key),
		).Scan(&existing)
		if err != nil {
			return fmt.Errorf("append packet: %w", err)
		}
		if existing != digest {
			return fmt.Errorf("append packet: %s#%d already journaled with different content", group, p.Key)
		}
	}
	return nil
}

// TrimPackets discards group's packets below the given key and raises the
// group's floor to it. The floor never moves backwards.
func (s *Store) TrimPackets(ctx context.Context, group string, below packet.Key) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM packets WHERE grp = ? AND seq < ?`, group, int64(below),
		); err != nil {
			return fmt.Errorf("trim packets: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO floors (grp, floor) VALUES (?, ?)
			ON CONFLICT(grp) DO UPDATE SET floor = MAX(floor, excluded.floor)
		`, group, int64(below)); err != nil {
			return fmt.Errorf("trim packets: %w", err)
		}
		return nil
	})
}

// SaveAck records target's acknowledged key for one lane. Lower keys
// than the stored one are ignored.
func (s *Store) SaveAck(ctx context.Context, group, target string, lane int, key packet.Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acks (grp, target, lane, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(grp, target, lane) DO UPDATE SET seq = MAX(seq, excluded.seq)
	`, group, target, lane, int64(key))
	if err != nil {
		return fmt.Errorf("save ack: %w", err)
	}
	return nil
}

// SaveResync sets or clears target's resync flag.
func (s *Store) SaveResync(ctx context.Context, group, target string, needed bool) error {
	var err error
	if needed {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO resync (grp, target) VALUES (?, ?) ON CONFLICT DO NOTHING`, group, target)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM resync WHERE grp = ? AND target = ?`, group, target)
	}
	if err != nil {
		return fmt.Errorf("save resync: %w", err)
	}
	return nil
}
