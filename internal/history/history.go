// Package history keeps a local SQLite ledger of finished transfers.
package history

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/NoelleStern/Tappi-share/internal/transfer"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Record is one file of one finished transfer.
type Record struct {
	ID         uint   `gorm:"primaryKey"`
	Direction  string `gorm:"index"`
	Peer       string
	Path       string
	Local      string
	Size       int64
	Bytes      int64
	Digest     string
	Status     string
	Reason     string
	FinishedAt int64 `gorm:"index"`
}

type Store struct {
	DB *gorm.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{DB: db}, nil
}

// FromResult builds one record per manifest entry of a finished transfer.
func FromResult(direction, peer string, m *transfer.Manifest, res transfer.Result) []Record {
	finished := time.Now().Unix()
	records := make([]Record, 0, len(res.Files))
	for i, f := range res.Files {
		r := Record{
			Direction:  direction,
			Peer:       peer,
			Path:       f.Path,
			Local:      f.Local,
			Size:       f.Total,
			Bytes:      f.Bytes,
			Status:     f.Status.String(),
			FinishedAt: finished,
		}
		if i < len(m.Entries) {
			r.Digest = hex.EncodeToString(m.Entries[i].Digest)
		}
		if f.Err != nil {
			r.Reason = f.Err.Error()
		}
		records = append(records, r)
	}
	return records
}

func (s *Store) Save(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.DB.Create(&records).Error
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record
	err := s.DB.Order("finished_at desc, id desc").Limit(limit).Find(&records).Error
	return records, err
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r Record) Finished() time.Time {
	return time.Unix(r.FinishedAt, 0)
}
