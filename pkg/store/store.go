// Package store persists observed IBC packets and their carrying
// transactions in a local SQLite database, and answers the queries the
// Analyzer needs to classify effectedness and detect stuck packets.
//
// Insertion is idempotent on each row's primary key: re-observing the same
// (chain_id, tx_hash, msg_index) — e.g. after a Worker reconnect replays a
// few already-seen blocks — is a no-op, matching spec.md's append-only
// invariant.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/informalsystems/chainpulse/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Filter narrows a counting query to a chain and, optionally, a channel.
type Filter struct {
	ChainID types.ChainID
	Channel string // "" means "all channels"
}

// Store is a durable, append-only record of observed packets and the
// transactions that carried them, backed by SQLite.
type Store struct {
	log zerolog.Logger
	db  *sqlx.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// schema migrations to bring it up to date. Schema evolution beyond the
// single embedded migration is out of scope; the store assumes a fresh or
// already-compatible database file.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite allows only one writer at a time; forcing a single connection
	// makes the database/sql pool itself serialize writers instead of
	// surfacing spurious "database is locked" errors under contention.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log := logger.With().Str("component", "store").Logger()
	return &Store{log: log, db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTx records a transaction. On a primary-key conflict the call is a
// no-op and newRow is reported as false.
func (s *Store) InsertTx(ctx context.Context, t types.Transaction) (newRow bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO txs (chain_id, block_height, tx_index, tx_hash, block_time, memo)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING
	`, t.ChainID, t.BlockHeight, t.TxIndex, t.TxHash, t.BlockTime.Unix(), t.Memo)
	if err != nil {
		return false, fmt.Errorf("inserting tx: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertPacket records a packet observation. On a primary-key conflict the
// call is a no-op and newRow is reported as false.
func (s *Store) InsertPacket(ctx context.Context, p types.Packet) (newRow bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packets (
			chain_id, tx_hash, msg_index, msg_type,
			sequence, src_port, src_channel, dst_port, dst_channel,
			signer, memo, block_height, tx_index, block_time, effected
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, tx_hash, msg_index) DO NOTHING
	`,
		p.ChainID, p.TxHash, p.MsgIndex, string(p.MsgType),
		p.Sequence, p.SrcPort, p.SrcChannel, p.DstPort, p.DstChannel,
		p.Signer, p.Memo, p.BlockHeight, p.TxIndex, p.BlockTime.Unix(), p.Effected,
	)
	if err != nil {
		return false, fmt.Errorf("inserting packet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// FindCompeting returns all prior submissions of p's logical packet
// identity on p's chain, earliest first in chain order.
func (s *Store) FindCompeting(ctx context.Context, p types.Packet) ([]types.Packet, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT chain_id, tx_hash, msg_index, msg_type, sequence, src_port, src_channel,
		       dst_port, dst_channel, signer, memo, block_height, tx_index, block_time, effected
		FROM packets
		WHERE chain_id = ? AND src_channel = ? AND src_port = ?
		  AND dst_channel = ? AND dst_port = ? AND sequence = ? AND msg_type = ?
		ORDER BY block_height ASC, tx_index ASC, rowid ASC
	`, p.ChainID, p.SrcChannel, p.SrcPort, p.DstChannel, p.DstPort, p.Sequence, string(p.MsgType))
	if err != nil {
		return nil, fmt.Errorf("querying competing packets: %w", err)
	}
	defer rows.Close()

	var out []types.Packet
	for rows.Next() {
		pkt, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, rows.Err()
}

func scanPacket(rows *sqlx.Rows) (types.Packet, error) {
	var (
		pkt       types.Packet
		msgType   string
		blockTime int64
	)
	if err := rows.Scan(
		&pkt.ChainID, &pkt.TxHash, &pkt.MsgIndex, &msgType, &pkt.Sequence,
		&pkt.SrcPort, &pkt.SrcChannel, &pkt.DstPort, &pkt.DstChannel,
		&pkt.Signer, &pkt.Memo, &pkt.BlockHeight, &pkt.TxIndex, &blockTime, &pkt.Effected,
	); err != nil {
		return types.Packet{}, fmt.Errorf("scanning packet row: %w", err)
	}
	pkt.MsgType = types.MsgType(msgType)
	pkt.BlockTime = time.Unix(blockTime, 0).UTC()
	return pkt, nil
}

// CountEffected returns the number of effected packet rows matching filter.
func (s *Store) CountEffected(ctx context.Context, f Filter) (uint64, error) {
	return s.count(ctx, f, true)
}

// CountUneffected returns the number of uneffected packet rows matching
// filter.
func (s *Store) CountUneffected(ctx context.Context, f Filter) (uint64, error) {
	return s.count(ctx, f, false)
}

func (s *Store) count(ctx context.Context, f Filter, effected bool) (uint64, error) {
	query := `SELECT COUNT(*) FROM packets WHERE chain_id = ? AND effected = ?`
	args := []interface{}{f.ChainID, effected}
	if f.Channel != "" {
		query += ` AND (src_channel = ? OR dst_channel = ?)`
		args = append(args, f.Channel, f.Channel)
	}
	var n uint64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("counting packets: %w", err)
	}
	return n, nil
}

// StuckPackets returns the count of packets with an effected Recv observed
// on dstChain for srcChannel that lack a corresponding effected Ack or
// Timeout observed on srcChain.
func (s *Store) StuckPackets(ctx context.Context, srcChain, dstChain types.ChainID, srcChannel string) (uint64, error) {
	var n uint64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM packets recv
		WHERE recv.chain_id = ?
		  AND recv.msg_type = 'Recv'
		  AND recv.effected = 1
		  AND recv.src_channel = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM packets clr
		      WHERE clr.chain_id = ?
		        AND clr.msg_type IN ('Ack', 'Timeout')
		        AND clr.effected = 1
		        AND clr.src_channel = recv.src_channel
		        AND clr.src_port = recv.src_port
		        AND clr.dst_channel = recv.dst_channel
		        AND clr.dst_port = recv.dst_port
		        AND clr.sequence = recv.sequence
		  )
	`, dstChain, srcChannel, srcChain)
	if err != nil {
		return 0, fmt.Errorf("counting stuck packets: %w", err)
	}
	return n, nil
}

// PacketsForChain returns every packet row recorded for chainID, in the same
// chain order they were originally observed in, for populate_on_start to
// replay against the Metrics Registry.
func (s *Store) PacketsForChain(ctx context.Context, chainID types.ChainID) ([]types.Packet, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT chain_id, tx_hash, msg_index, msg_type, sequence, src_port, src_channel,
		       dst_port, dst_channel, signer, memo, block_height, tx_index, block_time, effected
		FROM packets
		WHERE chain_id = ?
		ORDER BY block_height ASC, tx_index ASC, msg_index ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("querying packets for chain: %w", err)
	}
	defer rows.Close()

	var out []types.Packet
	for rows.Next() {
		pkt, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, rows.Err()
}

// DistinctChannels returns every (chain_id, src_channel) pair that has ever
// had an effected Recv observed, for periodic stuck-packet gauge
// recomputation.
func (s *Store) DistinctChannels(ctx context.Context) ([]ChannelKey, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT DISTINCT chain_id, src_channel FROM packets
		WHERE msg_type = 'Recv' AND effected = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("querying distinct channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelKey
	for rows.Next() {
		var k ChannelKey
		if err := rows.Scan(&k.ChainID, &k.Channel); err != nil {
			return nil, fmt.Errorf("scanning channel key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ChannelKey identifies a channel observed on a particular chain.
type ChannelKey struct {
	ChainID types.ChainID
	Channel string
}
