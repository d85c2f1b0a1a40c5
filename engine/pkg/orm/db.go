// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package orm

import (
	"database/sql"
	"time"

	"github.com/glebarez/sqlite"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Store types.
const (
	StoreTypeSQLite = "sqlite"
	StoreTypeMySQL  = "mysql"
)

const (
	defaultMaxOpenConns    = 16
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = 12 * time.Hour
	defaultSlowThreshold   = time.Second
)

// StoreConfig is the config of the scheduler metastore.
type StoreConfig struct {
	StoreType string `toml:"store-type" json:"store-type"`
	// Endpoint is host:port for mysql, a file path or ":memory:" for sqlite.
	Endpoint string `toml:"endpoint" json:"endpoint"`
	User     string `toml:"user" json:"user"`
	Password string `toml:"password" json:"-"`
	Schema   string `toml:"schema" json:"schema"`

	MaxOpenConns    int           `toml:"max-open-conns" json:"max-open-conns"`
	MaxIdleConns    int           `toml:"max-idle-conns" json:"max-idle-conns"`
	ConnMaxLifetime time.Duration `toml:"-" json:"-"`
	SlowThreshold   time.Duration `toml:"-" json:"-"`
	// MaxRetries bounds the attempts of one store operation made by the
	// scheduler on STORE_UNAVAILABLE.
	MaxRetries int `toml:"max-retries" json:"max-retries"`
}

// DefaultStoreConfig returns an embedded sqlite store config.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		StoreType:       StoreTypeSQLite,
		Endpoint:        "ppc-scheduler.db",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		SlowThreshold:   defaultSlowThreshold,
		MaxRetries:      3,
	}
}

func newGormConfig(slowThreshold time.Duration) *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: NewOrmLogger(logutil.NewLogger4Component("orm"),
			WithSlowThreshold(slowThreshold),
			WithIgnoreTraceRecordNotFoundErr()),
	}
}

func mysqlDSN(cfg *StoreConfig) string {
	dc := dmysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = cfg.Endpoint
	dc.DBName = cfg.Schema
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

// NewGormDB opens the metastore described by cfg.
func NewGormDB(cfg *StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.StoreType {
	case StoreTypeSQLite:
		dialector = sqlite.Open(cfg.Endpoint)
	case StoreTypeMySQL:
		dialector = mysql.Open(mysqlDSN(cfg))
	default:
		return nil, errors.ErrInvalidConfig.GenWithStackByArgs("unknown store type " + cfg.StoreType)
	}

	db, err := gorm.Open(dialector, newGormConfig(cfg.SlowThreshold))
	if err != nil {
		return nil, errors.WrapError(errors.ErrStoreUnavailable, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapError(errors.ErrStoreUnavailable, err)
	}
	configurePool(sqlDB, cfg)
	return db, nil
}

func configurePool(sqlDB *sql.DB, cfg *StoreConfig) {
	if cfg.StoreType == StoreTypeSQLite {
		// sqlite serializes writers, a single connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// newGormDBFromConn wraps an opened mysql connection, used with sqlmock.
func newGormDBFromConn(sqlDB *sql.DB) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn: sqlDB,
	}), newGormConfig(defaultSlowThreshold))
	if err != nil {
		return nil, errors.WrapError(errors.ErrStoreUnavailable, err)
	}
	return db, nil
}
