package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/packet"
)

// LoadGroup reads a group's journal for backlog.Builder.Restore. Packets
// come back in key order with their digests verified. A group that was
// never journaled loads as an empty State with floor 1.
func (s *Store) LoadGroup(ctx context.Context, group string) (backlog.State, error) {
	state := backlog.State{
		Floor:  1,
		Acks:   make(map[string][]packet.Key),
		Resync: make(map[string]bool),
	}

	floor, err := s.floor(ctx, group)
	if err != nil {
		return backlog.State{}, err
	}
	state.Floor = max(floor, 1)

	if state.Packets, err = s.ReadPackets(ctx, group, state.Floor, 0); err != nil {
		return backlog.State{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT target, lane, seq FROM acks
		WHERE grp = ?
		ORDER BY target COLLATE BINARY ASC, lane ASC
	`, group)
	if err != nil {
		return backlog.State{}, fmt.Errorf("query acks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var target string
		var lane int
		var seq int64
		if err := rows.Scan(&target, &lane, &seq); err != nil {
			return backlog.State{}, fmt.Errorf("scan ack: %w", err)
		}
		marks := state.Acks[target]
		for len(marks) <= lane {
			marks = append(marks, state.Floor-1)
		}
		marks[lane] = packet.Key(seq)
		state.Acks[target] = marks
	}
	if err := rows.Err(); err != nil {
		return backlog.State{}, fmt.Errorf("iterate acks: %w", err)
	}

	targets, err := s.strings(ctx, `SELECT target FROM resync WHERE grp = ?`, group)
	if err != nil {
		return backlog.State{}, fmt.Errorf("query resync: %w", err)
	}
	for _, t := range targets {
		state.Resync[t] = true
	}

	return state, nil
}

// ReadPackets returns group's journaled packets from key `from` on, at
// most limit of them (limit <= 0 means all). A gap in the journal is
// reported as an error.
func (s *Store) ReadPackets(ctx context.Context, group string, from packet.Key, limit int) ([]packet.Packet, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body, digest FROM packets
		WHERE grp = ? AND seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, group, int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	packets := []packet.Packet{}
	for rows.Next() {
		var body []byte
		var digest string
		if err := rows.Scan(&body, &digest); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		p, err := unmarshalPacket(body, digest)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", group, err)
		}
		if n := len(packets); n > 0 && p.Key != packets[n-1].Key.Next() {
			return nil, fmt.Errorf("group %s: journal gap between #%d and #%d", group, packets[n-1].Key, p.Key)
		}
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packets: %w", err)
	}
	return packets, nil
}

// GroupSummary describes one journaled group.
type GroupSummary struct {
	Group   string     `json:"group"`
	Floor   packet.Key `json:"floor"`
	Low     packet.Key `json:"low"`
	High    packet.Key `json:"high"`
	Packets int        `json:"packets"`
	Targets []string   `json:"targets"`
	Resync  []string   `json:"resync"`
}

// Groups lists every journaled group in name order.
func (s *Store) Groups(ctx context.Context) ([]GroupSummary, error) {
	names, err := s.strings(ctx, `
		SELECT grp FROM packets
		UNION SELECT grp FROM floors
		UNION SELECT grp FROM acks
		ORDER BY 1 ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	summaries := make([]GroupSummary, 0, len(names))
	for _, name := range names {
		sum, err := s.summary(ctx, name)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

func (s *Store) summary(ctx context.Context, group string) (GroupSummary, error) {
	sum := GroupSummary{Group: group}

	floor, err := s.floor(ctx, group)
	if err != nil {
		return GroupSummary{}, err
	}
	sum.Floor = max(floor, 1)

	var low, high sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq), COUNT(*) FROM packets WHERE grp = ?`, group,
	).Scan(&low, &high, &sum.Packets)
	if err != nil {
		return GroupSummary{}, fmt.Errorf("summarise %s: %w", group, err)
	}
	sum.Low = packet.Key(low.Int64)
	sum.High = packet.Key(high.Int64)
	if !high.Valid {
		sum.High = sum.Floor - 1
	}

	if sum.Targets, err = s.strings(ctx,
		`SELECT DISTINCT target FROM acks WHERE grp = ? ORDER BY target COLLATE BINARY ASC`, group); err != nil {
		return GroupSummary{}, fmt.Errorf("summarise %s: %w", group, err)
	}
	if sum.Resync, err = s.strings(ctx,
		`SELECT target FROM resync WHERE grp = ? ORDER BY target COLLATE BINARY ASC`, group); err != nil {
		return GroupSummary{}, fmt.Errorf("summarise %s: %w", group, err)
	}
	return sum, nil
}

func (s *Store) floor(ctx context.Context, group string) (packet.Key, error) {
	var floor int64
	err := s.db.QueryRowContext(ctx, `SELECT floor FROM floors WHERE grp = ?`, group).Scan(&floor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query floor: %w", err)
	}
	return packet.Key(floor), nil
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
