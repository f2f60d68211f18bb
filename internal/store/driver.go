package store

import (
	"database/sql"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// driverName is a custom-registered sqlite3 driver that adds a REGEXP
// function, needed for delete_matching's regex filtering (spec.md
// §4.A); keys_under filters by prefix with LIKE instead. mattn/go-sqlite3 (the teacher's own sqlite driver)
// supports this via sql.Register + ConnectHook, the standard way to
// extend it — SQLite itself has no built-in REGEXP.
const driverName = "sqlite3_kontor"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", regexpMatch, true)
			},
		})
	})
}

func regexpMatch(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
