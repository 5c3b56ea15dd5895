package journal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	// ErrUnknownDriver is returned by Open for unsupported driver names.
	ErrUnknownDriver = errors.New("journal: unknown driver")
	// ErrChainBroken is returned by Verify when an entry does not link to its
	// predecessor or its digest does not match its contents.
	ErrChainBroken = errors.New("journal: hash chain broken")
)

// Entry is a persisted, hash-linked record of one committed operation.
// Amounts are stored as decimal strings so the full uint64 range survives
// drivers that only speak int64.
type Entry struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq           uint64    `gorm:"uniqueIndex;not null"`
	Operation     string    `gorm:"size:32;index"`
	Owner         string    `gorm:"size:96;index"`
	Actor         string    `gorm:"size:96"`
	CollateralIn  string    `gorm:"size:20"`
	CollateralOut string    `gorm:"size:20"`
	Minted        string    `gorm:"size:20"`
	Burned        string    `gorm:"size:20"`
	Collateral    string    `gorm:"size:20"`
	Debt          string    `gorm:"size:20"`
	Timestamp     int64     `gorm:"not null"`
	PrevHash      string    `gorm:"size:64"`
	Hash          string    `gorm:"size:64;uniqueIndex"`
	CreatedAt     time.Time
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (Entry) TableName() string { return "cdp_journal" }

// Record is the input to Append.
type Record struct {
	Operation     string
	Owner         string
	Actor         string
	CollateralIn  uint64
	CollateralOut uint64
	Minted        uint64
	Burned        uint64
	Collateral    uint64
	Debt          uint64
	At            time.Time
}

// Journal appends operation records to a SQL table, chaining each entry to the
// previous one through a BLAKE3 digest.
type Journal struct {
	db *gorm.DB

	mu       sync.Mutex
	seq      uint64
	lastHash string
}

// Open connects to the configured database and migrates the journal table.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: db is required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db}
	var last Entry
	err := db.Order("seq desc").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load head: %w", err)
	default:
		j.seq = last.Seq
		j.lastHash = last.Hash
	}
	return j, nil
}

// Append persists a record as the next entry in the chain.
func (j *Journal) Append(ctx context.Context, rec Record) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := Entry{
		ID:            uuid.New(),
		Seq:           j.seq + 1,
		Operation:     rec.Operation,
		Owner:         rec.Owner,
		Actor:         rec.Actor,
		CollateralIn:  formatAmount(rec.CollateralIn),
		CollateralOut: formatAmount(rec.CollateralOut),
		Minted:        formatAmount(rec.Minted),
		Burned:        formatAmount(rec.Burned),
		Collateral:    formatAmount(rec.Collateral),
		Debt:          formatAmount(rec.Debt),
		Timestamp:     at.UTC().UnixNano(),
		PrevHash:      j.lastHash,
		CreatedAt:     at.UTC(),
	}
	entry.Hash = digest(entry)
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("journal: append: %w", err)
	}
	j.seq = entry.Seq
	j.lastHash = entry.Hash
	return entry, nil
}

// Entries returns the entries for owner in sequence order. An empty owner
// returns every entry. A non-positive limit means no limit.
func (j *Journal) Entries(ctx context.Context, owner string, limit int) ([]Entry, error) {
	query := j.db.WithContext(ctx).Order("seq asc")
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Verify walks the whole chain and checks every link and digest.
func (j *Journal) Verify(ctx context.Context) error {
	entries, err := j.Entries(ctx, "", 0)
	if err != nil {
		return err
	}
	prev := ""
	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			return fmt.Errorf("%w: sequence gap at %d", ErrChainBroken, entry.Seq)
		}
		if entry.PrevHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, entry.Seq)
		}
		if digest(entry) != entry.Hash {
			return fmt.Errorf("%w: entry %d digest mismatch", ErrChainBroken, entry.Seq)
		}
		prev = entry.Hash
	}
	return nil
}

// Head returns the sequence number and digest of the latest entry.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.lastHash
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func digest(e Entry) string {
	payload := strings.Join([]string{
		strconv.FormatUint(e.Seq, 10),
		e.Operation,
		e.Owner,
		e.Actor,
		e.CollateralIn,
		e.CollateralOut,
		e.Minted,
		e.Burned,
		e.Collateral,
		e.Debt,
		strconv.FormatInt(e.Timestamp, 10),
		e.PrevHash,
	}, "|")
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}
