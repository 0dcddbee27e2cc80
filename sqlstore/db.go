package sqlstore

import (
	"embed"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite" // pure Go, no cgo
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	gormlog "github.com/thomas-tacquet/gormv2-logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// busyTimeout covers a CLI process touching the file while serve holds it.
const busyTimeout = 5 * time.Second

// Open opens the job database at dbPath, creating its directory, and
// applies the embedded migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("job database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for job database %s", dbPath)
	}

	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{Logger: queryLogger()})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open job database %s", dbPath)
	}
	sqldb, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database instance from gorm")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between
	// our own goroutines and serializes UpdateJob transactions.
	sqldb.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(log.StandardLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	if err := goose.Up(sqldb, "migrations"); err != nil {
		_ = sqldb.Close()
		return nil, errors.Wrapf(err, "failed to migrate job database %s", dbPath)
	}

	log.Infof("SQLite job store opened at %s", dbPath)
	return New(db), nil
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(" + strconv.FormatInt(busyTimeout.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)"
}

// queryLogger routes gorm through logrus. SQL statements only show up at
// trace level.
func queryLogger() logger.Interface {
	level := logger.Error
	switch log.GetLevel() {
	case log.TraceLevel:
		level = logger.Info
	case log.DebugLevel:
		level = logger.Warn
	}
	return gormlog.NewGormlog(
		gormlog.WithLogrusEntry(log.WithField("component", "jobdb")),
		gormlog.WithGormOptions(gormlog.GormOptions{
			LogLatency: true,
			LogLevel:   level,
		}),
	)
}

// Close releases the connection behind the store.
func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database instance from gorm")
	}
	if err := sqldb.Close(); err != nil {
		return errors.Wrap(err, "failed to close job database")
	}
	return nil
}
