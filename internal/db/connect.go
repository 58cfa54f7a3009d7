package db

import (
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/chorus/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN. Times are parsed and stored in UTC.
func DSN(c config.DatabaseConfig) string {
	mc := gomysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.DBName = c.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// SQLiteDSN returns the sqlite DSN for a file path, adding a busy timeout
// for on-disk databases.
func SQLiteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}

// Connect opens a GORM connection using the configured driver.
func Connect(c config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.Driver {
	case "mysql":
		dialector = mysql.Open(DSN(c))
	case "sqlite", "":
		dialector = sqlite.Open(SQLiteDSN(c.Path))
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", c.Driver, err)
	}

	if c.Driver != "mysql" {
		// SQLite has a single writer; keep one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
