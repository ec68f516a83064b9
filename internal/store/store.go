// Package store 持久化被追踪的设备路径，重启后恢复追踪。
package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store 基于 sqlite 的设备列表
type Store struct {
	db *sql.DB
}

// Entry 一条持久化记录
type Entry struct {
	Path    string
	AddedAt time.Time
}

// Open 打开数据库并初始化表结构
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	// path 主键防止重复
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_devices (
		path TEXT PRIMARY KEY,
		added_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create table")
	}
	return &Store{db: db}, nil
}

// Add 记录一个设备路径，已存在时忽略
func (s *Store) Add(path string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO tracked_devices(path, added_at) VALUES (?, ?)",
		path, time.Now().UTC(),
	)
	return errors.Wrapf(err, "store add %s", path)
}

func (s *Store) Remove(path string) error {
	_, err := s.db.Exec("DELETE FROM tracked_devices WHERE path = ?", path)
	return errors.Wrapf(err, "store remove %s", path)
}

// List 按加入顺序返回所有路径
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT path, added_at FROM tracked_devices ORDER BY added_at, path")
	if err != nil {
		return nil, errors.Wrap(err, "store list")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.AddedAt); err != nil {
			return nil, errors.Wrap(err, "store scan")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
