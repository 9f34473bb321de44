package registry

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/embed"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a speaker id has no enrollment.
var ErrNotFound = errors.New("enrollment not found")

// Enrollment is one stored voice-print.
type Enrollment struct {
	SpeakerID string
	Name      string
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Match is the result of a nearest-neighbor lookup.
type Match struct {
	SpeakerID  string
	Name       string
	Similarity float64
}

// Store wraps the SQLite-backed enrollment registry.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the registry according to config.
func Open(ctx context.Context, cfg config.RegistryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS enrollments (
    speaker_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    embedding BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers pings.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	return s.db.PingContext(ctx) == nil
}

// Upsert inserts or replaces a voice-print. Re-enrolling an existing
// speaker keeps the original created_at.
func (s *Store) Upsert(ctx context.Context, e Enrollment) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments(speaker_id, name, embedding, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(speaker_id) DO UPDATE SET
		   name=excluded.name, embedding=excluded.embedding, updated_at=excluded.updated_at`,
		e.SpeakerID, e.Name, encodeEmbedding(e.Embedding), now, now)
	return err
}

// Get returns the enrollment for a speaker id.
func (s *Store) Get(ctx context.Context, speakerID string) (Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT speaker_id, name, embedding, created_at, updated_at
		 FROM enrollments WHERE speaker_id = ?`, speakerID)
	e, err := scanEnrollment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Enrollment{}, ErrNotFound
	}
	return e, err
}

// Delete removes an enrollment. Missing ids return ErrNotFound.
func (s *Store) Delete(ctx context.Context, speakerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enrollments WHERE speaker_id = ?`, speakerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all enrollments ordered by creation time.
func (s *Store) List(ctx context.Context) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker_id, name, embedding, created_at, updated_at
		 FROM enrollments ORDER BY created_at ASC, speaker_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Nearest scans every stored voice-print and returns the one with the
// highest cosine similarity to the probe. The boolean is false when the
// registry is empty. Ties keep the first row encountered.
func (s *Store) Nearest(ctx context.Context, probe []float32) (Match, bool, error) {
	enrollments, err := s.List(ctx)
	if err != nil {
		return Match{}, false, err
	}
	if len(enrollments) == 0 {
		return Match{}, false, nil
	}

	best := Match{Similarity: math.Inf(-1)}
	for _, e := range enrollments {
		sim := embed.Cosine(probe, e.Embedding)
		if sim > best.Similarity {
			best = Match{SpeakerID: e.SpeakerID, Name: e.Name, Similarity: sim}
		}
	}
	return best, true, nil
}

func scanEnrollment(scan func(...any) error) (Enrollment, error) {
	var e Enrollment
	var blob []byte
	var created, updated string
	if err := scan(&e.SpeakerID, &e.Name, &blob, &created, &updated); err != nil {
		return Enrollment{}, err
	}
	e.Embedding = decodeEmbedding(blob)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		e.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		e.UpdatedAt = ts
	}
	return e, nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return v
}
