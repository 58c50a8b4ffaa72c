package relstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore is the pgx-backed relstore.Store adapter.
type PgxStore struct {
	pool *pgxpool.Pool
}

// Open connects a pool to dsn. The schema (following/follower/outbox/
// know_post/user tables, indexes on (from_user_id, created_at desc) and
// (to_user_id, created_at desc)) is expected to already exist — this
// service owns behavior, not migrations.
func Open(ctx context.Context, dsn string) (*PgxStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relstore: ping: %w", err)
	}
	return &PgxStore{pool: pool}, nil
}

func (s *PgxStore) Close() { s.pool.Close() }

func (s *PgxStore) InsertFollowWithOutbox(ctx context.Context, fromUserID, toUserID int64, outboxPayload string) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("relstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var relationID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO following (from_user_id, to_user_id, rel_status, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (from_user_id, to_user_id)
		DO UPDATE SET rel_status = $3, created_at = now()
		WHERE following.rel_status <> $3
		RETURNING id
	`, fromUserID, toUserID, StatusActive).Scan(&relationID)
	if errors.Is(err, pgx.ErrNoRows) {
		// already active, nothing changed
		return 0, false, tx.Commit(ctx)
	}
	if err != nil {
		return 0, false, fmt.Errorf("relstore: insert following: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO follower (from_user_id, to_user_id, rel_status, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (from_user_id, to_user_id)
		DO UPDATE SET rel_status = $3, created_at = now()
	`, fromUserID, toUserID, StatusActive); err != nil {
		return 0, false, fmt.Errorf("relstore: insert follower mirror: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, created_at)
		VALUES ('relation', $1, 'FollowCreated', $2, now())
	`, strconv.FormatInt(relationID, 10), outboxPayload); err != nil {
		return 0, false, fmt.Errorf("relstore: insert outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("relstore: commit: %w", err)
	}
	return relationID, true, nil
}

func (s *PgxStore) CancelFollowWithOutbox(ctx context.Context, fromUserID, toUserID int64, outboxPayload string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("relstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE following SET rel_status = $3
		WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = $4
	`, fromUserID, toUserID, StatusCanceled, StatusActive)
	if err != nil {
		return false, fmt.Errorf("relstore: cancel following: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE follower SET rel_status = $3
		WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = $4
	`, fromUserID, toUserID, StatusCanceled, StatusActive); err != nil {
		return false, fmt.Errorf("relstore: cancel follower mirror: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, created_at)
		VALUES ('relation', $1, 'FollowCanceled', $2, now())
	`, fmt.Sprintf("%d:%d", fromUserID, toUserID), outboxPayload); err != nil {
		return false, fmt.Errorf("relstore: insert outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("relstore: commit: %w", err)
	}
	return true, nil
}

func (s *PgxStore) IsFollowing(ctx context.Context, fromUserID, toUserID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM following WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = $3)
	`, fromUserID, toUserID, StatusActive).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("relstore: is following: %w", err)
	}
	return exists, nil
}

func (s *PgxStore) CountActiveFollowing(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM following WHERE from_user_id = $1 AND rel_status = $2`, userID, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("relstore: count following: %w", err)
	}
	return n, nil
}

func (s *PgxStore) CountActiveFollowers(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM follower WHERE to_user_id = $1 AND rel_status = $2`, userID, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("relstore: count followers: %w", err)
	}
	return n, nil
}

func (s *PgxStore) FollowingPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]Relation, error) {
	return s.page(ctx, "following", "from_user_id", userID, limit, cursorMs)
}

func (s *PgxStore) FollowersPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]Relation, error) {
	return s.page(ctx, "follower", "to_user_id", userID, limit, cursorMs)
}

func (s *PgxStore) page(ctx context.Context, table, ownerCol string, userID int64, limit int, cursorMs *int64) ([]Relation, error) {
	var rows pgx.Rows
	var err error
	if cursorMs != nil {
		q := fmt.Sprintf(`
			SELECT id, from_user_id, to_user_id, rel_status, extract(epoch from created_at)*1000
			FROM %s WHERE %s = $1 AND rel_status = $2 AND created_at <= to_timestamp($3/1000.0)
			ORDER BY created_at DESC LIMIT $4`, table, ownerCol)
		rows, err = s.pool.Query(ctx, q, userID, StatusActive, *cursorMs, limit)
	} else {
		q := fmt.Sprintf(`
			SELECT id, from_user_id, to_user_id, rel_status, extract(epoch from created_at)*1000
			FROM %s WHERE %s = $1 AND rel_status = $2
			ORDER BY created_at DESC LIMIT $3`, table, ownerCol)
		rows, err = s.pool.Query(ctx, q, userID, StatusActive, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: page %s: %w", table, err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		var createdAtMs float64
		if err := rows.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &createdAtMs); err != nil {
			return nil, fmt.Errorf("relstore: scan %s: %w", table, err)
		}
		r.CreatedAt = int64(createdAtMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgxStore) PublishedPostIDs(ctx context.Context, authorID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM know_post WHERE author_id = $1 AND published = true AND deleted = false`, authorID)
	if err != nil {
		return nil, fmt.Errorf("relstore: published post ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgxStore) AllUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM "user"`)
	if err != nil {
		return nil, fmt.Errorf("relstore: all user ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgxStore) AllPostIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM know_post`)
	if err != nil {
		return nil, fmt.Errorf("relstore: all post ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgxStore) GetProfiles(ctx context.Context, userIDs []int64) ([]Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, display_name, avatar_url FROM "user" WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("relstore: get profiles: %w", err)
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgxStore) GetPost(ctx context.Context, id string) (Post, bool, error) {
	var p Post
	var createdAtMs float64
	err := s.pool.QueryRow(ctx, `
		SELECT id, author_id, published, deleted, extract(epoch from created_at)*1000
		FROM know_post WHERE id = $1
	`, id).Scan(&p.ID, &p.AuthorID, &p.Published, &p.Deleted, &createdAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, false, nil
	}
	if err != nil {
		return Post{}, false, fmt.Errorf("relstore: get post: %w", err)
	}
	p.CreatedAt = int64(createdAtMs)
	return p, true, nil
}

func (s *PgxStore) GetPosts(ctx context.Context, ids []string) ([]Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, author_id, published, deleted, extract(epoch from created_at)*1000
		FROM know_post WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("relstore: get posts: %w", err)
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		var createdAtMs float64
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Published, &p.Deleted, &createdAtMs); err != nil {
			return nil, err
		}
		p.CreatedAt = int64(createdAtMs)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgxStore) PublishedPostsPage(ctx context.Context, limit int, beforeCreatedAt *int64) ([]Post, error) {
	var rows pgx.Rows
	var err error
	if beforeCreatedAt != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, author_id, published, deleted, extract(epoch from created_at)*1000
			FROM know_post WHERE published = true AND deleted = false AND created_at < to_timestamp($1/1000.0)
			ORDER BY created_at DESC LIMIT $2
		`, *beforeCreatedAt, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, author_id, published, deleted, extract(epoch from created_at)*1000
			FROM know_post WHERE published = true AND deleted = false
			ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: published posts page: %w", err)
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		var createdAtMs float64
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Published, &p.Deleted, &createdAtMs); err != nil {
			return nil, err
		}
		p.CreatedAt = int64(createdAtMs)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgxStore) PublishedPostsOffset(ctx context.Context, offset, limit int) ([]Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, author_id, published, deleted, extract(epoch from created_at)*1000
		FROM know_post WHERE published = true AND deleted = false
		ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("relstore: published posts offset: %w", err)
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		var createdAtMs float64
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Published, &p.Deleted, &createdAtMs); err != nil {
			return nil, err
		}
		p.CreatedAt = int64(createdAtMs)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgxStore) FetchOutboxUnacked(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, type, payload, extract(epoch from created_at)*1000
		FROM outbox ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("relstore: fetch outbox: %w", err)
	}
	defer rows.Close()
	var out []OutboxRow
	for rows.Next() {
		var o OutboxRow
		var createdAtMs float64
		if err := rows.Scan(&o.ID, &o.AggregateType, &o.AggregateID, &o.Type, &o.Payload, &createdAtMs); err != nil {
			return nil, err
		}
		o.CreatedAt = int64(createdAtMs)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PgxStore) DeleteOutboxRows(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM outbox WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("relstore: delete outbox rows: %w", err)
	}
	return nil
}
