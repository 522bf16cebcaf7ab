package bdd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"gorm.io/gorm"
)

// SQLiteTestDB implements cucumber.TestDB over the server's sqlite file.
type SQLiteTestDB struct {
	Path string
}

var _ cucumber.TestDB = (*SQLiteTestDB)(nil)

func (d *SQLiteTestDB) open() (*gorm.DB, *sql.DB, error) {
	// The server holds its own connection, so wait on its locks instead of failing.
	db, err := sqlite.Open("file:" + d.Path + "?_busy_timeout=5000")
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB, nil
}

func (d *SQLiteTestDB) ClearAll(ctx context.Context) error {
	db, sqlDB, err := d.open()
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	defer sqlDB.Close()

	for _, table := range chatTables {
		if err := db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (d *SQLiteTestDB) ExecSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	db, sqlDB, err := d.open()
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	rows := []map[string]interface{}{}
	if err := db.WithContext(ctx).Raw(query).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("SQL query failed: %w", err)
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = normalizeSQLValue(v)
		}
	}
	return rows, nil
}
