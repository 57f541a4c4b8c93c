package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Driver names registered by the two SQLite drivers.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultRetention    = 24 * time.Hour
	defaultListLimit    = 100
	pollBatch           = 500
)

// Options configures Open.
type Options struct {
	Path   string
	Driver string
	// PollInterval is how often change_log is polled for new events. A
	// negative value disables background polling; callers then use Poll.
	PollInterval time.Duration
	// Retention bounds how long delivered change_log rows are kept.
	Retention time.Duration
	Logger    zerolog.Logger
}

// Store is the SQLite datastore. Every data change writes a change_log row in
// the same transaction; a poller turns those rows into changefeed events.
type Store struct {
	DB   *sql.DB
	opts Options
	log  zerolog.Logger
	feed *store.Dispatcher

	pollMu    gosync.Mutex
	cursor    int64
	lastPrune time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Open opens or creates the database and starts the changefeed poller.
func Open(opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn, err := dataSource(opts.Driver, opts.Path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log := opts.Logger.With().Str("component", "sqlite").Logger()
	s := &Store{
		DB:   db,
		opts: opts,
		log:  log,
		feed: store.NewDispatcher(log),
		done: make(chan struct{}),
	}
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM change_log`).Scan(&s.cursor); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read change cursor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if opts.PollInterval > 0 {
		go s.pollLoop(ctx)
	} else {
		close(s.done)
	}
	return s, nil
}

func dataSource(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	case DriverMattn:
		return "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close stops the poller and closes the database connection
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	return s.DB.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func appendChange(ctx context.Context, tx *sql.Tx, ev sync.ChangeEvent) error {
	payload, err := store.EncodeChange(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_log (user_id, payload, created_at) VALUES (?, ?, ?)
	`, ev.UserID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, user_id, provider, email, status, last_synced_at, created_at, updated_at`

func scanAccount(row scanner) (sync.Account, error) {
	var (
		a                            sync.Account
		provider, status             string
		lastSynced, created, updated int64
	)
	if err := row.Scan(&a.ID, &a.UserID, &provider, &a.Email, &status, &lastSynced, &created, &updated); err != nil {
		return sync.Account{}, err
	}
	a.Provider = sync.ProviderKind(provider)
	a.Status = sync.AccountStatus(status)
	a.LastSyncedAt = store.FromMillis(lastSynced)
	a.CreatedAt = store.FromMillis(created)
	a.UpdatedAt = store.FromMillis(updated)
	return a, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListAccounts lists the accounts of one user, or of every user when userID is
// empty.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]sync.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE ? = '' OR user_id = ?
		ORDER BY created_at, id
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []sync.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, id string) (sync.Account, error) {
	return getAccount(ctx, s.DB, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q queryRower, id string) (sync.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Account{}, fmt.Errorf("%w: %s", sync.ErrAccountNotFound, id)
	}
	if err != nil {
		return sync.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

func (s *Store) FindAccount(ctx context.Context, userID string, provider sync.ProviderKind, email string) (sync.Account, error) {
	return findAccount(ctx, s.DB, userID, provider, email)
}

func findAccount(ctx context.Context, q queryRower, userID string, provider sync.ProviderKind, email string) (sync.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ? AND provider = ? AND email = ?
	`, userID, string(provider), email))
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Account{}, fmt.Errorf("%w: %s/%s", sync.ErrAccountNotFound, provider, email)
	}
	if err != nil {
		return sync.Account{}, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// ConnectAccount stores a freshly authorized mailbox together with its
// credential. An existing account for the same user, provider and address is
// reused and reactivated. Account and credential commit in one transaction,
// so the account change event is never visible before the credential.
func (s *Store) ConnectAccount(ctx context.Context, a sync.Account, tok auth.Token) (sync.Account, bool, error) {
	var (
		out     sync.Account
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := findAccount(ctx, tx, a.UserID, a.Provider, a.Email)
		switch {
		case errors.Is(err, sync.ErrAccountNotFound):
			created = true
		case err != nil:
			return err
		default:
			a.ID = old.ID
			a.LastSyncedAt = old.LastSyncedAt
			a.CreatedAt = old.CreatedAt
		}
		a.Status = sync.AccountActive

		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}
		if err := saveCredential(ctx, tx, a.ID, tok); err != nil {
			return err
		}
		out, err = getAccount(ctx, tx, a.ID)
		return err
	})
	if err != nil {
		return sync.Account{}, false, err
	}
	return out, created, nil
}

// SaveAccount inserts or updates the account. Saves that change nothing emit
// no change event.
func (s *Store) SaveAccount(ctx context.Context, a sync.Account) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveAccount(ctx, tx, a)
	})
}

func saveAccount(ctx context.Context, tx *sql.Tx, a sync.Account) error {
	if a.ID == "" {
		return errors.New("save account: missing id")
	}
	now := time.Now().UTC()

	old, err := getAccount(ctx, tx, a.ID)
	op := sync.OpUpdate
	switch {
	case errors.Is(err, sync.ErrAccountNotFound):
		op = sync.OpInsert
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.Status == "" {
			a.Status = sync.AccountActive
		}
	case err != nil:
		return err
	default:
		if !store.AccountChanged(old, a) {
			return nil
		}
		a.CreatedAt = old.CreatedAt
	}
	a.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			provider = excluded.provider,
			email = excluded.email,
			status = excluded.status,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, a.ID, a.UserID, string(a.Provider), a.Email, string(a.Status),
		store.Millis(a.LastSyncedAt), store.Millis(a.CreatedAt), store.Millis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	ev := store.NewChange(sync.TableAccounts, op, a.UserID, a.ID, a.ID)
	ev.Account = &a
	return appendChange(ctx, tx, ev)
}

// DeleteAccount removes the account with its credential, messages and sync
// state.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM messages WHERE account_id = ?`,
			`DELETE FROM credentials WHERE account_id = ?`,
			`DELETE FROM sync_state WHERE account_id = ?`,
			`DELETE FROM accounts WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to delete account: %w", err)
			}
		}
		ev := store.NewChange(sync.TableAccounts, sync.OpDelete, old.UserID, id, id)
		ev.Account = &old
		return appendChange(ctx, tx, ev)
	})
}

func (s *Store) GetCredential(ctx context.Context, accountID string) (auth.Token, error) {
	var (
		tok    auth.Token
		expiry int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiry FROM credentials WHERE account_id = ?
	`, accountID).Scan(&tok.AccessToken, &tok.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Token{}, fmt.Errorf("%w: %s", sync.ErrCredentialNotFound, accountID)
	}
	if err != nil {
		return auth.Token{}, fmt.Errorf("failed to load credential: %w", err)
	}
	tok.Expiry = store.FromMillis(expiry)
	return tok, nil
}

func (s *Store) SaveCredential(ctx context.Context, accountID string, tok auth.Token) error {
	return saveCredential(ctx, s.DB, accountID, tok)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveCredential(ctx context.Context, db execer, accountID string, tok auth.Token) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (account_id, access_token, refresh_token, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, accountID, tok.AccessToken, tok.RefreshToken, store.Millis(tok.Expiry), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// UpsertMessages writes msgs in one transaction. A message whose stored form
// is unchanged is left alone and produces no change event.
func (s *Store) UpsertMessages(ctx context.Context, account sync.Account, msgs []sync.Message) (sync.UpsertResult, error) {
	var res sync.UpsertResult
	now := time.Now().UnixMilli()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res = sync.UpsertResult{}
		for _, m := range msgs {
			m.AccountID = account.ID
			payload, err := store.EncodeMessage(m)
			if err != nil {
				return err
			}

			var existing string
			err = tx.QueryRowContext(ctx, `
				SELECT payload FROM messages WHERE account_id = ? AND id = ?
			`, account.ID, m.ID).Scan(&existing)

			op := sync.OpUpdate
			switch {
			case errors.Is(err, sql.ErrNoRows):
				op = sync.OpInsert
				_, err = tx.ExecContext(ctx, `
					INSERT INTO messages (account_id, id, date, is_read, payload, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)
				`, account.ID, m.ID, store.Millis(m.Date), m.IsRead, string(payload), now, now)
			case err != nil:
				return fmt.Errorf("failed to load message %s: %w", m.ID, err)
			case existing == string(payload):
				res.Unchanged = append(res.Unchanged, m.ID)
				continue
			default:
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET date = ?, is_read = ?, payload = ?, updated_at = ?
					WHERE account_id = ? AND id = ?
				`, store.Millis(m.Date), m.IsRead, string(payload), now, account.ID, m.ID)
			}
			if err != nil {
				return fmt.Errorf("failed to write message %s: %w", m.ID, err)
			}

			if op == sync.OpInsert {
				res.Inserted = append(res.Inserted, m.ID)
			} else {
				res.Updated = append(res.Updated, m.ID)
			}
			ev := store.NewChange(sync.TableMessages, op, account.UserID, account.ID, m.ID)
			msg := m
			ev.Message = &msg
			if err := appendChange(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return sync.UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) GetMessage(ctx context.Context, accountID, id string) (sync.Message, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `
		SELECT payload FROM messages WHERE account_id = ? AND id = ?
	`, accountID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Message{}, fmt.Errorf("%w: %s", sync.ErrMessageNotFound, id)
	}
	if err != nil {
		return sync.Message{}, fmt.Errorf("failed to load message: %w", err)
	}
	return store.DecodeMessage([]byte(payload))
}

// ListMessages returns the newest messages of an account first.
func (s *Store) ListMessages(ctx context.Context, accountID string, limit int) ([]sync.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT payload FROM messages
		WHERE account_id = ?
		ORDER BY date DESC, id
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []sync.Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m, err := store.DecodeMessage([]byte(payload))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSynced records a completed sweep without emitting a change event.
func (s *Store) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	now := time.Now().UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET last_synced_at = ?, updated_at = ? WHERE id = ?
		`, store.Millis(at), now, accountID)
		if err != nil {
			return fmt.Errorf("failed to mark synced: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", sync.ErrAccountNotFound, accountID)
		}
		return saveSyncStatus(ctx, tx, sync.SyncStatus{
			AccountID: accountID,
			State:     sync.StateSuccess,
			LastSync:  at,
		})
	})
}

func (s *Store) SaveSyncStatus(ctx context.Context, status sync.SyncStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveSyncStatus(ctx, tx, status)
	})
}

func saveSyncStatus(ctx context.Context, tx *sql.Tx, status sync.SyncStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, state, last_sync, error, retries, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			state = excluded.state,
			last_sync = excluded.last_sync,
			error = excluded.error,
			retries = excluded.retries,
			updated_at = excluded.updated_at
	`, status.AccountID, string(status.State), store.Millis(status.LastSync), status.Error, status.Retries, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

// LoadSyncStatus returns the persisted status, or idle for an account that has
// never been synced.
func (s *Store) LoadSyncStatus(ctx context.Context, accountID string) (sync.SyncStatus, error) {
	st := sync.SyncStatus{AccountID: accountID}
	var (
		state    string
		lastSync int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT state, last_sync, error, retries FROM sync_state WHERE account_id = ?
	`, accountID).Scan(&state, &lastSync, &st.Error, &st.Retries)
	if errors.Is(err, sql.ErrNoRows) {
		st.State = sync.StateIdle
		return st, nil
	}
	if err != nil {
		return sync.SyncStatus{}, fmt.Errorf("failed to load sync status: %w", err)
	}
	st.State = sync.SyncState(state)
	st.LastSync = store.FromMillis(lastSync)
	return st, nil
}

var (
	_ sync.Store      = (*Store)(nil)
	_ sync.Changefeed = (*Store)(nil)
)
