// Package postgres is the Postgres datastore. Change events are written to
// change_log inside the data transaction and announced with pg_notify; a
// pq.Listener turns the announcements into changefeed deliveries.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultListLimit = 100
	pollBatch        = 500
	uniqueViolation  = "23505"
)

// Options configures Open.
type Options struct {
	DSN    string
	Logger zerolog.Logger
	// Listen starts the LISTEN/NOTIFY changefeed. Without it callers use Poll.
	Listen bool
}

type Store struct {
	DB   *sql.DB
	opts Options
	log  zerolog.Logger
	feed *store.Dispatcher

	pollMu gosync.Mutex
	cursor int64

	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Open connects, applies the schema and optionally starts listening.
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log := opts.Logger.With().Str("component", "postgres").Logger()
	s := &Store{
		DB:   db,
		opts: opts,
		log:  log,
		feed: store.NewDispatcher(log),
		done: make(chan struct{}),
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_log`).Scan(&s.cursor); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read change cursor: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if !opts.Listen {
		close(s.done)
		return s, nil
	}

	s.listener = pq.NewListener(opts.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("listener connection event")
		}
	})
	if err := s.listener.Listen(store.ChannelName); err != nil {
		cancel()
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", store.ChannelName, err)
	}
	go s.listen(lctx)
	return s, nil
}

// Close stops the listener and closes the database connection
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	if s.listener != nil {
		s.listener.Close()
	}
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

// appendChange writes the change row and announces its sequence number. The
// notification is delivered only if the transaction commits.
func appendChange(ctx context.Context, tx *sql.Tx, ev sync.ChangeEvent) error {
	payload, err := store.EncodeChange(ev)
	if err != nil {
		return err
	}
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO change_log (user_id, payload, created_at) VALUES ($1, $2, $3)
		RETURNING seq
	`, ev.UserID, string(payload), time.Now().UnixMilli()).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, store.ChannelName, strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
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

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]sync.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at, id
	`, userID)
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

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) GetAccount(ctx context.Context, id string) (sync.Account, error) {
	return getAccount(ctx, s.DB, id, false)
}

func getAccount(ctx context.Context, q queryRower, id string, forUpdate bool) (sync.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Account{}, fmt.Errorf("%w: %s", sync.ErrAccountNotFound, id)
	}
	if err != nil {
		return sync.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

func (s *Store) FindAccount(ctx context.Context, userID string, provider sync.ProviderKind, email string) (sync.Account, error) {
	return findAccount(ctx, s.DB, userID, provider, email, false)
}

func findAccount(ctx context.Context, q queryRower, userID string, provider sync.ProviderKind, email string, forUpdate bool) (sync.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 AND provider = $2 AND email = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRowContext(ctx, query, userID, string(provider), email))
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Account{}, fmt.Errorf("%w: %s/%s", sync.ErrAccountNotFound, provider, email)
	}
	if err != nil {
		return sync.Account{}, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// ConnectAccount stores a freshly authorized mailbox together with its
// credential in one transaction, reusing and reactivating an existing
// account of the same user, provider and address.
func (s *Store) ConnectAccount(ctx context.Context, a sync.Account, tok auth.Token) (sync.Account, bool, error) {
	var (
		out     sync.Account
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := findAccount(ctx, tx, a.UserID, a.Provider, a.Email, true)
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
		out, err = getAccount(ctx, tx, a.ID, false)
		return err
	})
	if err != nil {
		return sync.Account{}, false, err
	}
	return out, created, nil
}

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

	old, err := getAccount(ctx, tx, a.ID, true)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			provider = EXCLUDED.provider,
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.UserID, string(a.Provider), a.Email, string(a.Status),
		store.Millis(a.LastSyncedAt), store.Millis(a.CreatedAt), store.Millis(a.UpdatedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("account %s/%s already connected for user %s: %w", a.Provider, a.Email, a.UserID, err)
		}
		return fmt.Errorf("failed to save account: %w", err)
	}

	ev := store.NewChange(sync.TableAccounts, op, a.UserID, a.ID, a.ID)
	ev.Account = &a
	return appendChange(ctx, tx, ev)
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := getAccount(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
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
		SELECT access_token, refresh_token, expiry FROM credentials WHERE account_id = $1
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			updated_at = EXCLUDED.updated_at
	`, accountID, tok.AccessToken, tok.RefreshToken, store.Millis(tok.Expiry), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

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
				SELECT payload FROM messages WHERE account_id = $1 AND id = $2 FOR UPDATE
			`, account.ID, m.ID).Scan(&existing)

			op := sync.OpUpdate
			switch {
			case errors.Is(err, sql.ErrNoRows):
				op = sync.OpInsert
				_, err = tx.ExecContext(ctx, `
					INSERT INTO messages (account_id, id, date, is_read, payload, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $6)
				`, account.ID, m.ID, store.Millis(m.Date), m.IsRead, string(payload), now)
			case err != nil:
				return fmt.Errorf("failed to load message %s: %w", m.ID, err)
			case existing == string(payload):
				res.Unchanged = append(res.Unchanged, m.ID)
				continue
			default:
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET date = $1, is_read = $2, payload = $3, updated_at = $4
					WHERE account_id = $5 AND id = $6
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
		SELECT payload FROM messages WHERE account_id = $1 AND id = $2
	`, accountID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Message{}, fmt.Errorf("%w: %s", sync.ErrMessageNotFound, id)
	}
	if err != nil {
		return sync.Message{}, fmt.Errorf("failed to load message: %w", err)
	}
	return store.DecodeMessage([]byte(payload))
}

func (s *Store) ListMessages(ctx context.Context, accountID string, limit int) ([]sync.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT payload FROM messages
		WHERE account_id = $1
		ORDER BY date DESC, id
		LIMIT $2
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

func (s *Store) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	now := time.Now().UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET last_synced_at = $1, updated_at = $2 WHERE id = $3
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
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			state = EXCLUDED.state,
			last_sync = EXCLUDED.last_sync,
			error = EXCLUDED.error,
			retries = EXCLUDED.retries,
			updated_at = EXCLUDED.updated_at
	`, status.AccountID, string(status.State), store.Millis(status.LastSync), status.Error, status.Retries, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

func (s *Store) LoadSyncStatus(ctx context.Context, accountID string) (sync.SyncStatus, error) {
	st := sync.SyncStatus{AccountID: accountID}
	var (
		state    string
		lastSync int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT state, last_sync, error, retries FROM sync_state WHERE account_id = $1
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
