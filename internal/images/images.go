// Package images downloads generated images and records them.
package images

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/parleybot/parley/internal/httpkit"
)

// timeFormat is the canonical on-disk timestamp encoding.
const timeFormat = time.RFC3339Nano

// maxDownloadBytes bounds a single image download.
const maxDownloadBytes = 32 << 20

// Record is one image-generation side effect: what was asked for and
// where the bytes ended up. Write-once; nothing reads it back.
type Record struct {
	ID         string
	Prompt     string
	Name       string
	Size       int64
	Path       string
	CreateTime time.Time
}

// Store persists image records in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates an image record store using the given database path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			path TEXT NOT NULL,
			create_time TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts an image record.
func (s *Store) Add(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO images (id, prompt, name, size, path, create_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Prompt, rec.Name, rec.Size, rec.Path,
		rec.CreateTime.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record image: %w", err)
	}
	return nil
}

// Saver fetches a remotely hosted image and writes it to the local
// images directory, recording the result.
type Saver struct {
	dir        string
	store      *Store
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSaver creates a saver that writes files under dir.
func NewSaver(dir string, store *Store, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{
		dir:        dir,
		store:      store,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute)),
		logger:     logger,
	}
}

// Save downloads url, writes the bytes to a fresh uuid-named file, and
// records the prompt alongside the file's name, size, and path.
func (s *Saver) Save(ctx context.Context, prompt, url string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4<<10)
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}

	name := uuid.NewString() + ".png"
	path := filepath.Join(s.dir, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create image file: %w", err)
	}

	size, err := io.Copy(file, io.LimitReader(resp.Body, maxDownloadBytes))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write image file: %w", err)
	}

	rec := &Record{
		ID:         uuid.NewString(),
		Prompt:     prompt,
		Name:       name,
		Size:       size,
		Path:       path,
		CreateTime: time.Now(),
	}
	if err := s.store.Add(rec); err != nil {
		return nil, err
	}

	s.logger.Info("image saved", "path", path, "bytes", size)
	return rec, nil
}
