package db

import (
	"log"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IsMySQL reports whether dsn is a go-sql-driver/mysql DSN such as
// app:pass@tcp(127.0.0.1:3306)/catwalk?parseTime=true. Anything else is
// treated as a sqlite path or URI.
func IsMySQL(dsn string) bool {
	return strings.Contains(dsn, "@tcp(") || strings.HasPrefix(dsn, "mysql://")
}

func dialector(dsn string) gorm.Dialector {
	if IsMySQL(dsn) {
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	}
	if dsn == "" {
		dsn = "catwalk.db"
	}
	if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
		// several goroutines share the file: WAL plus a busy timeout keeps
		// readers from failing while the worker writes
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	return gormsqlite.Open(dsn)
}

// Open connects to dsn with the matching driver.
func Open(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if IsMySQL(dsn) {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// sqlite allows one writer; a single connection serializes writes
		// instead of surfacing SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

// Connect is Open for process start-up: it exits on failure.
func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	log.Printf("db connected driver=%s", gdb.Dialector.Name())
	return gdb
}
