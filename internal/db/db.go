package db

import (
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/chat"
	"github.com/mistralthing/server/internal/models"
	"github.com/mistralthing/server/internal/stream"
)

// Connect opens the database and runs migrations.
// A DSN ending in .db (or the :memory: form) selects sqlite, which keeps
// local dev and CI off MySQL.
func Connect(dsn string) *gorm.DB {
	var dialector gorm.Dialector
	if strings.HasSuffix(dsn, ".db") || strings.Contains(dsn, ":memory:") {
		dialector = sqlite.Open(dsn)
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Thread{},
		&chat.Message{},
		&chat.Settings{},
		&chat.ModelInfo{},
		&chat.TitleJob{},
		&stream.Record{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	return gdb
}
