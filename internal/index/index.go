// Package index stores per-video embeddings in a relational database for
// duplicate and similarity lookups.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sidecarr/sidecarr/internal/config"
)

// Embedding is one indexed video descriptor. The vector is stored as a JSON
// array for portability across drivers.
type Embedding struct {
	ID        uint   `gorm:"primaryKey"`
	Stem      string `gorm:"uniqueIndex;size:512"`
	Path      string `gorm:"size:1024"`
	Dim       int
	Vector    string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Match is one similarity hit.
type Match struct {
	Stem       string  `json:"stem"`
	Path       string  `json:"path"`
	Similarity float64 `json:"similarity"`
}

// Store wraps the gorm connection.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects per the configured driver and migrates the schema.
func Open(cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger(cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening embeddings index: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.AutoMigrate(&Embedding{}); err != nil {
		return nil, fmt.Errorf("migrating embeddings schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// dialectorFor picks the driver. The sqlite DSN gets the concurrency PRAGMAs
// the pure Go driver reads from the connection string.
func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "sidecarr.db"
		}
		if strings.Contains(dsn, "?") {
			dsn += "&"
		} else {
			dsn += "?"
		}
		dsn += "_pragma=busy_timeout(30000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)"
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func gormLogger(level string) gormlogger.Interface {
	switch level {
	case "info":
		return gormlogger.Default.LogMode(gormlogger.Info)
	case "error":
		return gormlogger.Default.LogMode(gormlogger.Error)
	case "silent":
		return gormlogger.Default.LogMode(gormlogger.Silent)
	default:
		return gormlogger.Default.LogMode(gormlogger.Warn)
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert writes or replaces the embedding for stem.
func (s *Store) Upsert(ctx context.Context, stem, path string, vector []float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("refusing to index empty vector for %s", stem)
	}
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding vector: %w", err)
	}
	emb := Embedding{
		Stem:      stem,
		Path:      path,
		Dim:       len(vector),
		Vector:    string(raw),
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stem"}},
			DoUpdates: clause.AssignmentColumns([]string{"path", "dim", "vector", "updated_at"}),
		}).
		Create(&emb).Error
}

// Has reports whether stem is already indexed.
func (s *Store) Has(ctx context.Context, stem string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Embedding{}).Where("stem = ?", stem).Count(&n).Error
	return n > 0, err
}

// Vector returns the stored embedding for stem, or gorm.ErrRecordNotFound.
func (s *Store) Vector(ctx context.Context, stem string) ([]float64, error) {
	var row Embedding
	if err := s.db.WithContext(ctx).Where("stem = ?", stem).First(&row).Error; err != nil {
		return nil, err
	}
	var vec []float64
	if err := json.Unmarshal([]byte(row.Vector), &vec); err != nil {
		return nil, fmt.Errorf("decoding embedding for %s: %w", stem, err)
	}
	return vec, nil
}

// Count returns the number of indexed videos.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Embedding{}).Count(&n).Error
	return n, err
}

// Delete removes stem from the index.
func (s *Store) Delete(ctx context.Context, stem string) error {
	return s.db.WithContext(ctx).Where("stem = ?", stem).Delete(&Embedding{}).Error
}

// Similar returns the most similar indexed videos by cosine similarity.
// The scan is linear; libraries small enough for a sidecar server keep this
// well under a millisecond per thousand rows.
func (s *Store) Similar(ctx context.Context, vector []float64, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []Embedding
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		var vec []float64
		if err := json.Unmarshal([]byte(row.Vector), &vec); err != nil {
			s.log.Warn("skipping undecodable embedding", slog.String("stem", row.Stem))
			continue
		}
		matches = append(matches, Match{
			Stem:       row.Stem,
			Path:       row.Path,
			Similarity: cosine(vector, vec),
		})
	}
	sort.Slice(matches, func(i, k int) bool {
		return matches[i].Similarity > matches[k].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
