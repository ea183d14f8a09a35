package clip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domsieve/idgen"
	"github.com/hazyhaar/domsieve/store"
)

// Schema holds saved clips. Pass it to store.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS clips (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	title       TEXT NOT NULL,
	author      TEXT NOT NULL,
	markdown    TEXT NOT NULL,
	remote_url  TEXT NOT NULL DEFAULT '',
	remote_err  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clips_created ON clips(created_at DESC);
`

// Record is one archived clip.
type Record struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Markdown  string    `json:"markdown,omitempty"`
	RemoteURL string    `json:"remote_url,omitempty"`
	RemoteErr string    `json:"remote_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive stores every capture, whether the remote save succeeded or not.
type Archive struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// NewArchive wraps db, which must carry Schema.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db, newID: idgen.Clip, now: time.Now}
}

// Save archives a and returns the stored record.
func (a *Archive) Save(ctx context.Context, art Article, remoteURL, remoteErr string) (Record, error) {
	rec := Record{
		ID:        a.newID(),
		URL:       art.URL,
		Title:     art.Title,
		Author:    art.Author,
		Markdown:  Markdown(art),
		RemoteURL: remoteURL,
		RemoteErr: remoteErr,
		CreatedAt: a.now().UTC(),
	}
	err := store.RunTx(ctx, a.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO clips (id, url, title, author, markdown, remote_url, remote_err, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.URL, rec.Title, rec.Author, rec.Markdown,
			rec.RemoteURL, rec.RemoteErr, rec.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("clip: archive: %w", err)
	}
	return rec, nil
}

// List returns the newest clips first, without their markdown.
func (a *Archive) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, url, title, author, remote_url, remote_err, created_at
		 FROM clips ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("clip: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ms int64
		if err := rows.Scan(&r.ID, &r.URL, &r.Title, &r.Author, &r.RemoteURL, &r.RemoteErr, &ms); err != nil {
			return nil, fmt.Errorf("clip: list scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one clip with its markdown.
func (a *Archive) Get(ctx context.Context, id string) (Record, error) {
	var r Record
	var ms int64
	err := a.db.QueryRowContext(ctx,
		`SELECT id, url, title, author, markdown, remote_url, remote_err, created_at
		 FROM clips WHERE id = ?`, id).
		Scan(&r.ID, &r.URL, &r.Title, &r.Author, &r.Markdown, &r.RemoteURL, &r.RemoteErr, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("clip: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("clip: get: %w", err)
	}
	r.CreatedAt = time.UnixMilli(ms).UTC()
	return r, nil
}
