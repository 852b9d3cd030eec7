// Package persist keeps the node table, the event log, and election history
// in a SQL database through GORM. Locks and in-flight elections are not
// stored; they are rebuilt from the event log on restart.
package persist

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/exp/slices"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/election"
	"github.com/dreamware/meridian/internal/eventlog"
)

// Store is a GORM-backed durable store. It satisfies cluster.NodeSink,
// eventlog.Sink, and election.HistoryStore.
type Store struct {
	db *gorm.DB
}

// Options configures Open.
type Options struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	DSN    string
	Debug  bool
}

// Open connects to the configured database and migrates the schema.
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(opts.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	level := logger.Warn
	if opts.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// One connection keeps ":memory:" databases shared and serializes
		// writers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&NodeRecord{}, &EventRecord{}, &ElectionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveNode inserts or updates a node row.
func (s *Store) SaveNode(n cluster.Node) error {
	rec := nodeToRecord(n)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "current_load", "weight", "lamport_clock", "last_heartbeat", "joined_at", "updated_at"}),
	}).Create(&rec).Error
}

// LoadNodes returns every node in join order.
func (s *Store) LoadNodes() ([]cluster.Node, error) {
	var recs []NodeRecord
	if err := s.db.Order("joined_at, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]cluster.Node, len(recs))
	for i, r := range recs {
		out[i] = r.node()
	}
	return out, nil
}

// SaveEvent appends one event row.
func (s *Store) SaveEvent(e eventlog.Event) error {
	rec, err := eventToRecord(e)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	return s.db.Create(&rec).Error
}

// LoadEvents returns the newest limit events in log order. A non-positive
// limit returns all of them.
func (s *Store) LoadEvents(limit int) ([]eventlog.Event, error) {
	q := s.db.Order("lamport_timestamp desc, origin_node_id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []EventRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	slices.Reverse(recs)

	out := make([]eventlog.Event, 0, len(recs))
	for _, r := range recs {
		e, err := r.event()
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearEvents deletes every event row.
func (s *Store) ClearEvents() error {
	return s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&EventRecord{}).Error
}

// SaveElection stores one election record.
func (s *Store) SaveElection(r election.Record) error {
	rec, err := electionToRecord(r)
	if err != nil {
		return err
	}
	return s.db.Save(&rec).Error
}

// LoadElections returns the newest limit election records, oldest first.
func (s *Store) LoadElections(limit int) ([]election.Record, error) {
	q := s.db.Order("election_id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []ElectionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	slices.Reverse(recs)

	out := make([]election.Record, 0, len(recs))
	for _, r := range recs {
		rec, err := r.record()
		if err != nil {
			return nil, fmt.Errorf("decode election %d: %w", r.ElectionID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
