package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

// SQLiteStore keeps messages and claims in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (creating if needed) relay.db under basePath.
func NewSQLiteStore(basePath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "relay.db")

	// Write transactions take the RESERVED lock at BEGIN so concurrent
	// claimers queue on busy_timeout instead of failing on lock upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	log.Debugf("Opened SQLite store at %s", dbPath)
	return store, nil
}

func (s *SQLiteStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_messages (
			address BLOB NOT NULL,
			digest BLOB NOT NULL,
			payload BLOB NOT NULL,
			received_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (address, digest),
			CHECK (expires_at > received_at)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_relay_messages_listing
		ON relay_messages (address, received_at, digest)
	`); err != nil {
		return fmt.Errorf("failed to create listing index: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_relay_messages_expiry
		ON relay_messages (expires_at)
	`); err != nil {
		return fmt.Errorf("failed to create expiry index: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_claims (
			proof_id BLOB PRIMARY KEY,
			claimed_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create claims table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_filters (
			address BLOB PRIMARY KEY,
			min_amount INTEGER NOT NULL,
			public INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create filters table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_profiles (
			address BLOB PRIMARY KEY,
			data BLOB NOT NULL,
			public_key BLOB NOT NULL,
			signature BLOB NOT NULL,
			signed_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create profiles table: %w", err)
	}

	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioError("begin", err)
	}

	if err := fn(&sqliteTx{ctx: ctx, q: tx, writable: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return ioError("commit", err)
	}
	return nil
}

// View implements Store. Reads run against the WAL snapshot of each
// statement and do not hold the write lock.
func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&sqliteTx{ctx: ctx, q: s.db})
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, addr address.Address, after Cursor, limit int) ([]Summary, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT digest, length(payload), received_at, expires_at
			FROM relay_messages
			WHERE address = ?
			ORDER BY received_at, digest
			LIMIT ?
		`, addr.Bytes(), limit)
	} else {
		at := toNanos(after.ReceivedAt)
		rows, err = s.db.QueryContext(ctx, `
			SELECT digest, length(payload), received_at, expires_at
			FROM relay_messages
			WHERE address = ?
			  AND (received_at > ? OR (received_at = ? AND digest > ?))
			ORDER BY received_at, digest
			LIMIT ?
		`, addr.Bytes(), at, at, after.Digest[:], limit)
	}
	if err != nil {
		return nil, ioError("list", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			digest              []byte
			size                int
			received, expiresAt int64
		)
		if err := rows.Scan(&digest, &size, &received, &expiresAt); err != nil {
			return nil, ioError("list scan", err)
		}
		if len(digest) != DigestSize {
			return nil, ioError("list scan", fmt.Errorf("corrupt digest of %d bytes", len(digest)))
		}
		sum := Summary{
			Size:       size,
			ReceivedAt: fromNanos(received),
			ExpiresAt:  fromNanos(expiresAt),
		}
		copy(sum.Digest[:], digest)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("list", err)
	}
	return out, nil
}

// DeleteExpired implements Store.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	var deleted int64
	err := s.Update(ctx, func(tx Tx) error {
		st := tx.(*sqliteTx)
		result, err := st.q.ExecContext(ctx, `
			DELETE FROM relay_messages WHERE rowid IN (
				SELECT rowid FROM relay_messages
				WHERE expires_at <= ?
				ORDER BY expires_at
				LIMIT ?
			)
		`, toNanos(now), limit)
		if err != nil {
			return ioError("delete expired", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return ioError("delete expired", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

type sqliteTx struct {
	ctx      context.Context
	q        queryer
	writable bool
}

func (t *sqliteTx) checkWritable() error {
	if !t.writable {
		return ioError("write", errors.New("read-only transaction"))
	}
	return nil
}

func (t *sqliteTx) Get(addr address.Address, digest Digest) (*Message, error) {
	var (
		payload             []byte
		received, expiresAt int64
	)
	err := t.q.QueryRowContext(t.ctx, `
		SELECT payload, received_at, expires_at
		FROM relay_messages
		WHERE address = ? AND digest = ?
	`, addr.Bytes(), digest[:]).Scan(&payload, &received, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, ioError("get", err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return &Message{
		Address:    addr,
		Digest:     digest,
		Payload:    payload,
		ReceivedAt: fromNanos(received),
		ExpiresAt:  fromNanos(expiresAt),
	}, nil
}

func (t *sqliteTx) Put(msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := t.checkWritable(); err != nil {
		return err
	}

	existing, err := t.Get(msg.Address, msg.Digest)
	switch {
	case err == nil:
		if bytes.Equal(existing.Payload, msg.Payload) {
			return nil
		}
		return ErrDuplicateDigest
	case !errors.Is(err, ErrNotFound):
		return err
	}

	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	if _, err := t.q.ExecContext(t.ctx, `
		INSERT INTO relay_messages (address, digest, payload, received_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.Address.Bytes(), msg.Digest[:], payload, toNanos(msg.ReceivedAt), toNanos(msg.ExpiresAt)); err != nil {
		return ioError("put", err)
	}
	return nil
}

func (t *sqliteTx) Delete(addr address.Address, digest Digest) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	result, err := t.q.ExecContext(t.ctx, `
		DELETE FROM relay_messages WHERE address = ? AND digest = ?
	`, addr.Bytes(), digest[:])
	if err != nil {
		return ioError("delete", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ioError("delete", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) TryClaim(id []byte, at time.Time) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	result, err := t.q.ExecContext(t.ctx, `
		INSERT OR IGNORE INTO relay_claims (proof_id, claimed_at) VALUES (?, ?)
	`, id, at.Unix())
	if err != nil {
		return false, ioError("claim", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, ioError("claim", err)
	}
	return affected == 1, nil
}

func (t *sqliteTx) IsClaimed(id []byte) (bool, error) {
	var one int
	err := t.q.QueryRowContext(t.ctx, `
		SELECT 1 FROM relay_claims WHERE proof_id = ?
	`, id).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, ioError("is claimed", err)
	}
	return true, nil
}

func (t *sqliteTx) GetFilter(addr address.Address) (*Filter, error) {
	var (
		minAmount, updated int64
		public             bool
	)
	err := t.q.QueryRowContext(t.ctx, `
		SELECT min_amount, public, updated_at FROM relay_filters WHERE address = ?
	`, addr.Bytes()).Scan(&minAmount, &public, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, ioError("get filter", err)
	}
	return &Filter{
		// Stored as the two's complement bit pattern; SQLite integers are signed.
		MinAmount: uint64(minAmount),
		Public:    public,
		UpdatedAt: fromNanos(updated),
	}, nil
}

func (t *sqliteTx) PutFilter(addr address.Address, f *Filter) error {
	if err := validateOwner(addr); err != nil {
		return err
	}
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(t.ctx, `
		INSERT INTO relay_filters (address, min_amount, public, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			min_amount = excluded.min_amount,
			public = excluded.public,
			updated_at = excluded.updated_at
	`, addr.Bytes(), int64(f.MinAmount), f.Public, toNanos(f.UpdatedAt)); err != nil {
		return ioError("put filter", err)
	}
	return nil
}

func (t *sqliteTx) GetProfile(addr address.Address) (*Profile, error) {
	var (
		p        Profile
		signedAt int64
	)
	err := t.q.QueryRowContext(t.ctx, `
		SELECT data, public_key, signature, signed_at FROM relay_profiles WHERE address = ?
	`, addr.Bytes()).Scan(&p.Data, &p.PublicKey, &p.Signature, &signedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, ioError("get profile", err)
	}
	if p.Data == nil {
		p.Data = []byte{}
	}
	p.SignedAt = time.Unix(signedAt, 0).UTC()
	return &p, nil
}

func (t *sqliteTx) PutProfile(addr address.Address, p *Profile) error {
	if err := validateOwner(addr); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if err := t.checkWritable(); err != nil {
		return err
	}
	data := p.Data
	if data == nil {
		data = []byte{}
	}
	if _, err := t.q.ExecContext(t.ctx, `
		INSERT INTO relay_profiles (address, data, public_key, signature, signed_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			data = excluded.data,
			public_key = excluded.public_key,
			signature = excluded.signature,
			signed_at = excluded.signed_at
	`, addr.Bytes(), data, p.PublicKey, p.Signature, p.SignedAt.Unix()); err != nil {
		return ioError("put profile", err)
	}
	return nil
}
