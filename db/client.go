package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

/*
GetSqliteDialector define Sqlite GORM dialector

	@param dbFile string - Sqlite DB file
	@return GORM sqlite dialector
*/
func GetSqliteDialector(dbFile string) gorm.Dialector {
	// Write transactions take the write lock at BEGIN so concurrent writers queue on the
	// busy timeout instead of failing on lock upgrade
	return sqlite.Open(
		fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", dbFile),
	)
}

/*
GetPostgresDialector define Postgres GORM dialector

	@param dsn string - Postgres connection DSN
	@return GORM postgres dialector
*/
func GetPostgresDialector(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

// Client manages connections and transactions with a DB
type Client interface {
	/*
		RunSQLInTransaction execute SQL calls within a transaction

			@param ctx context.Context - execution context
			@param coreLogic func(ctx context.Context, tx *gorm.DB) error - the callback to execute
	*/
	RunSQLInTransaction(
		ctx context.Context, coreLogic func(ctx context.Context, tx *gorm.DB) error,
	) error

	/*
		UseDatabase utilize a `Database` instance outside of a transaction

			@param ctx context.Context - execution context
			@param coreLogic func(ctx context.Context, dbClient Database) error - the callback to execute
	*/
	UseDatabase(
		ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
	) error

	/*
		UseDatabaseInTransaction utilize a `Database` instance in a transaction

			@param ctx context.Context - execution context
			@param coreLogic func(ctx context.Context, dbClient Database) error - the callback to execute
	*/
	UseDatabaseInTransaction(
		ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
	) error

	/*
		Migrate create or update the tables used by the system

			@param ctx context.Context - execution context
	*/
	Migrate(ctx context.Context) error

	// Close release the underlying connection pool
	Close() error
}

// ConnectionParams SQL client parameters
type ConnectionParams struct {
	// Dialector GORM dialector
	Dialector gorm.Dialector
	// LogLevel SQL log level
	LogLevel logger.LogLevel
	// MaxOpenConns connection pool size. Zero leaves the driver default.
	MaxOpenConns int
	// ConnMaxLifetime max connection lifetime. Zero leaves the driver default.
	ConnMaxLifetime time.Duration
}

// clientImpl implements Client
type clientImpl struct {
	goutils.Component
	db *gorm.DB
}

/*
NewConnection define a new SQL client

	@param dbDialector gorm.Dialector - GORM dialector
	@param dbLogLevel logger.LogLevel - SQL log level
	@return new client
*/
func NewConnection(dbDialector gorm.Dialector, dbLogLevel logger.LogLevel) (Client, error) {
	return NewConnectionWithParams(ConnectionParams{Dialector: dbDialector, LogLevel: dbLogLevel})
}

/*
NewConnectionWithParams define a new SQL client with connection pool settings

	@param params ConnectionParams - connection parameters
	@return new client
*/
func NewConnectionWithParams(params ConnectionParams) (Client, error) {
	logTags := log.Fields{"package": "enclave", "module": "db", "component": "sql-client"}

	if params.Dialector == nil {
		return nil, fmt.Errorf("no GORM dialector provided")
	}

	db, err := gorm.Open(params.Dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(params.LogLevel),
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect with DB [%w]", err)
	}

	if params.MaxOpenConns > 0 || params.ConnMaxLifetime > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access DB connection pool [%w]", err)
		}
		if params.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(params.MaxOpenConns)
		}
		if params.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(params.ConnMaxLifetime)
		}
	}

	log.WithFields(logTags).WithField("dialect", params.Dialector.Name()).Debug("Connected to DB")

	return &clientImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db: db,
	}, nil
}

func (c *clientImpl) RunSQLInTransaction(
	ctx context.Context, coreLogic func(ctx context.Context, tx *gorm.DB) error,
) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return coreLogic(ctx, tx)
	})
}

func (c *clientImpl) UseDatabase(
	ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	dbClient, err := newDatabase(ctx, c.db.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to define `Database` instance: [%w]", err)
	}
	return coreLogic(ctx, dbClient)
}

func (c *clientImpl) UseDatabaseInTransaction(
	ctx context.Context, coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	return c.RunSQLInTransaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		dbClient, err := newDatabase(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to define `Database` instance: [%w]", err)
		}
		return coreLogic(ctx, dbClient)
	})
}

func (c *clientImpl) Migrate(ctx context.Context) error {
	if err := c.RunSQLInTransaction(ctx, DefineTables); err != nil {
		return fmt.Errorf("table migration failed [%w]", err)
	}
	log.WithFields(c.LogTags).Info("Database tables ready")
	return nil
}

func (c *clientImpl) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access DB connection pool [%w]", err)
	}
	return sqlDB.Close()
}

/*
ActiveSessionWrapper helper function for deciding whether to start a new transaction
or use an existing one.

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction
	@param persistence Client - persistence client
	@param coreLogic func(ctx context.Context, dbClient Database) error - the callback to execute
*/
func ActiveSessionWrapper(
	ctx context.Context,
	activeDBClient Database,
	persistence Client,
	coreLogic func(ctx context.Context, dbClient Database) error,
) error {
	if activeDBClient == nil {
		return persistence.UseDatabaseInTransaction(ctx, coreLogic)
	}
	return coreLogic(ctx, activeDBClient)
}
