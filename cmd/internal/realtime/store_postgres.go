package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements ConversationStore, PostStore and UserStore over
// PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Conversation mutations take a per-conversation transactional advisory
//   lock, so two concurrent appends (or an append racing a seen transition)
//   cannot lose an update.
// - UpsertByTriple locks on the triple key, so the at-most-one-per-triple
//   invariant holds under concurrent inits.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "bazaar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "bazaar",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ---- ConversationStore ----

// GetConversation loads one conversation and its full message sequence.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
	if conversationID == "" {
		return Conversation{}, ErrConversationNotFound
	}

	conversations := pgIdent(s.schema, "conversations")

	row := s.pool.QueryRow(ctx,
		`SELECT id, post_id, post_topic,
		        post_user_id, post_username, post_user_img,
		        self_user_id, self_username, self_user_img,
		        created_at, updated_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		conversationID,
	)

	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	c.Messages, err = s.readMessages(ctx, s.pool, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// UpsertByTriple finds or creates the conversation for the triple, refreshing
// cached metadata either way.
func (s *PostgresStore) UpsertByTriple(ctx context.Context, in ConversationUpsert) (Conversation, bool, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, false, errors.New("realtime: nil store")
	}
	if in.PostID == "" || in.PostUser.UserID == "" || in.SelfUser.UserID == "" {
		return Conversation{}, false, errors.New("realtime: invalid upsert input")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize concurrent inits for the same triple.
	tripleKey := in.PostID + "\x00" + in.PostUser.UserID + "\x00" + in.SelfUser.UserID
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tripleKey); err != nil {
		return Conversation{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	conversations := pgIdent(s.schema, "conversations")

	var id string
	created := false
	err = tx.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET post_topic = $4,
		        post_username = $5, post_user_img = $6,
		        self_username = $7, self_user_img = $8,
		        updated_at = $9
		  WHERE post_id = $1 AND post_user_id = $2 AND self_user_id = $3
		RETURNING id`,
		in.PostID, in.PostUser.UserID, in.SelfUser.UserID,
		in.PostTopic,
		in.PostUser.Username, in.PostUser.AvatarURL,
		in.SelfUser.Username, in.SelfUser.AvatarURL,
		now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		created = true
		id = NewConversationID(now)
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+conversations+`
			        (id, post_id, post_topic,
			         post_user_id, post_username, post_user_img,
			         self_user_id, self_username, self_user_img,
			         created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			id, in.PostID, in.PostTopic,
			in.PostUser.UserID, in.PostUser.Username, in.PostUser.AvatarURL,
			in.SelfUser.UserID, in.SelfUser.Username, in.SelfUser.AvatarURL,
			now,
		); err != nil {
			return Conversation{}, false, err
		}
	} else if err != nil {
		return Conversation{}, false, err
	}

	row := tx.QueryRow(ctx,
		`SELECT id, post_id, post_topic,
		        post_user_id, post_username, post_user_img,
		        self_user_id, self_username, self_user_img,
		        created_at, updated_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		id,
	)
	c, err := scanConversation(row)
	if err != nil {
		return Conversation{}, false, err
	}
	c.Messages, err = s.readMessages(ctx, tx, id)
	if err != nil {
		return Conversation{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}
	return c, created, nil
}

// ListByParticipant returns every conversation where userID is a side,
// most recently updated first.
func (s *PostgresStore) ListByParticipant(ctx context.Context, userID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, post_id, post_topic,
		        post_user_id, post_username, post_user_img,
		        self_user_id, self_username, self_user_img,
		        created_at, updated_at
		   FROM `+conversations+`
		  WHERE post_user_id = $1 OR self_user_id = $1
		  ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return s.collectConversations(ctx, rows)
}

// ListByPost returns every conversation referencing postID, oldest first.
func (s *PostgresStore) ListByPost(ctx context.Context, postID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, post_id, post_topic,
		        post_user_id, post_username, post_user_img,
		        self_user_id, self_username, self_user_img,
		        created_at, updated_at
		   FROM `+conversations+`
		  WHERE post_id = $1
		  ORDER BY created_at ASC`,
		postID,
	)
	if err != nil {
		return nil, err
	}
	return s.collectConversations(ctx, rows)
}

// AppendMessage appends msg under a per-conversation advisory lock and
// returns the updated full sequence.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg Message) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if conversationID == "" || msg.AuthorID == "" {
		return nil, errors.New("realtime: invalid append input")
	}

	now := msg.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = NewMessageID(now)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockConversation(ctx, tx, conversationID); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+conversations+` WHERE id = $1)`,
		conversationID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrConversationNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+`
		        (id, conversation_id, ord,
		         author_id, author_role, author_name,
		         content, media, status, created_at)
		 SELECT $1, $2, COALESCE(MAX(ord), 0) + 1,
		        $3, $4, $5, $6, $7, $8, $9
		   FROM `+messages+`
		  WHERE conversation_id = $2`,
		msg.ID, conversationID,
		msg.AuthorID, msg.AuthorRole, msg.AuthorName,
		msg.Content, msg.Media, MessageStatusUnseen, now,
	); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET updated_at = $2 WHERE id = $1`,
		conversationID, now,
	); err != nil {
		return nil, err
	}

	out, err := s.readMessages(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSeen transitions the other author's unseen messages under the
// per-conversation lock and reports the transition count.
func (s *PostgresStore) MarkSeen(ctx context.Context, conversationID, readerUserID string) (MarkSeenResult, error) {
	if s == nil || s.pool == nil {
		return MarkSeenResult{}, errors.New("realtime: nil store")
	}
	if conversationID == "" || readerUserID == "" {
		return MarkSeenResult{}, errors.New("realtime: invalid mark-seen input")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return MarkSeenResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockConversation(ctx, tx, conversationID); err != nil {
		return MarkSeenResult{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	row := tx.QueryRow(ctx,
		`SELECT id, post_id, post_topic,
		        post_user_id, post_username, post_user_img,
		        self_user_id, self_username, self_user_img,
		        created_at, updated_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		conversationID,
	)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MarkSeenResult{}, ErrConversationNotFound
	}
	if err != nil {
		return MarkSeenResult{}, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+messages+`
		    SET status = $3
		  WHERE conversation_id = $1
		    AND author_id <> $2
		    AND status = $4`,
		conversationID, readerUserID, MessageStatusSeen, MessageStatusUnseen,
	)
	if err != nil {
		return MarkSeenResult{}, err
	}

	c.Messages, err = s.readMessages(ctx, tx, conversationID)
	if err != nil {
		return MarkSeenResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return MarkSeenResult{}, err
	}
	return MarkSeenResult{Conversation: c, Transitions: int(tag.RowsAffected())}, nil
}

// DeleteConversation removes the record and its messages.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if conversationID == "" {
		return ErrConversationNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockConversation(ctx, tx, conversationID); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+messages+` WHERE conversation_id = $1`, conversationID,
	); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+conversations+` WHERE id = $1`, conversationID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return tx.Commit(ctx)
}

// ---- PostStore ----

// GetPost loads the post record.
func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	if s == nil || s.pool == nil {
		return Post{}, errors.New("realtime: nil store")
	}

	posts := pgIdent(s.schema, "posts")

	var p Post
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, topic, media FROM `+posts+` WHERE id = $1`,
		postID,
	).Scan(&p.ID, &p.UserID, &p.Topic, &p.Media)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrPostNotFound
	}
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

// DeletePost removes the post record.
func (s *PostgresStore) DeletePost(ctx context.Context, postID string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}

	posts := pgIdent(s.schema, "posts")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+posts+` WHERE id = $1`, postID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPostNotFound
	}
	return nil
}

// ---- UserStore ----

// GetUser loads the user record.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, errors.New("realtime: nil store")
	}

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, avatar_url, status, last_active_at
		   FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.AvatarURL, &u.Status, &u.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// UpdatePresence mirrors a presence transition onto the user record.
// A missing user row is not an error; the registry treats mirroring as
// best-effort.
func (s *PostgresStore) UpdatePresence(ctx context.Context, userID, status string, lastActiveAt time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}

	users := pgIdent(s.schema, "users")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+users+`
		    SET status = $2, last_active_at = $3
		  WHERE id = $1`,
		userID, status, lastActiveAt,
	)
	return err
}

// ---- helpers ----

func (s *PostgresStore) lockConversation(ctx context.Context, tx pgx.Tx, conversationID string) error {
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) readMessages(ctx context.Context, q pgQuerier, conversationID string) ([]Message, error) {
	messages := pgIdent(s.schema, "messages")

	rows, err := q.Query(ctx,
		`SELECT id, author_id, author_role, author_name,
		        content, media, status, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY ord ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorRole, &m.AuthorName,
			&m.Content, &m.Media, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) collectConversations(ctx context.Context, rows pgx.Rows) ([]Conversation, error) {
	var out []Conversation
	var ids []string

	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		msgs, err := s.readMessages(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		out[i].Messages = msgs
	}
	return out, nil
}

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row pgRowScanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.PostID, &c.PostTopic,
		&c.PostUser.UserID, &c.PostUser.Username, &c.PostUser.AvatarURL,
		&c.SelfUser.UserID, &c.SelfUser.Username, &c.SelfUser.AvatarURL,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return len(s) <= 63 && pgIdentRe.MatchString(s)
}

// pgIdent joins a validated schema with a table name into a safely quoted
// identifier. Table names are compile-time constants in this file.
func pgIdent(schema, table string) string {
	return `"` + schema + `"."` + table + `"`
}
