package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/alimgiray/repomailer/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var DB *sql.DB

// Init opens the application database at dbPath and stores it in DB
func Init(dbPath string) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens (creating if needed) a SQLite database, tunes it for concurrent
// access and applies the embedded schema scripts
func Open(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=30000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err = optimizeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}

	if err = RunSQLScripts(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", dbPath).Info("Database connected successfully with WAL mode")
	return db, nil
}

// optimizeDatabase configures SQLite for optimal performance
func optimizeDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

// RunSQLScripts executes the embedded migration scripts in name order
func RunSQLScripts(db *sql.DB) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		sqlContent, err := migrations.ReadFile(file)
		if err != nil {
			return err
		}

		if _, err = db.Exec(string(sqlContent)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", path.Base(file), err)
		}

		logger.WithField("script", path.Base(file)).Debug("Executed SQL script")
	}

	return nil
}
