package storage

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/graft-http/graft/example/bookshelf/storage/internal/adapters"
)

var (
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")
	ErrEmptyTableName        = errors.New("table name must not be empty")
	ErrBuildingQueryFailed   = errors.New("building sql query failed")
	ErrQueryFailed           = errors.New("executing sql query failed")
	ErrScanningRowFailed     = errors.New("scanning database row failed")
	ErrRowsAffectedFailed    = errors.New("reading rows affected count failed")
	ErrBookNotFound          = errors.New("book is not on the shelf")
	ErrDuplicateBook         = errors.New("book is already on the shelf")
)

const (
	defaultTableName = "books"
	dialectPostgres  = "postgres"

	colID      = "id"
	colTitle   = "title"
	colAuthor  = "author"
	colYear    = "year"
	colAddedAt = "added_at"

	logMsgSQLExecuted     = "executed sql for: "
	logMsgOperation       = "shelf operation: "
	logMsgBuildQueryError = "failed to build sql query"
	logMsgQueryError      = "database query execution failed"
	logMsgScanError       = "failed to scan database row"
	logMsgCloseRowsError  = "failed to close database rows"
	logMsgBooksListed     = "books listed"
	logMsgBookAdded       = "book added"
	logMsgBookRemoved     = "book removed"
	logAttrError          = "error"
	logAttrQuery          = "query"
	logAttrBookID         = "book_id"
	logAttrBookCount      = "book_count"
	logAttrDurationMS     = "duration_ms"
	logActionList         = "list"
	logActionFind         = "find"
	logActionAdd          = "add"
	logActionRemove       = "remove"
	logActionCount        = "count"
)

// Book is one shelved book as stored in and read from the books table.
type Book struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Author  string    `json:"author"`
	Year    int       `json:"year"`
	AddedAt time.Time `json:"addedAt"`
}

// Logger interface for SQL query logging and error reporting. Debug level
// receives every executed statement with timing; info level receives
// operation summaries.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ShelfStorage reads and mutates the books table through a database adapter.
type ShelfStorage struct {
	db        adapters.DB
	tableName string
	logger    Logger
}

// Option defines a functional option for configuring ShelfStorage.
type Option func(*ShelfStorage) error

// WithTableName replaces the default "books" table name.
func WithTableName(tableName string) Option {
	return func(s *ShelfStorage) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		s.tableName = tableName

		return nil
	}
}

// WithLogger sets the logger for the storage.
func WithLogger(logger Logger) Option {
	return func(s *ShelfStorage) error {
		s.logger = logger
		return nil
	}
}

// NewFromPGXPool creates a ShelfStorage on a pgx pool.
func NewFromPGXPool(pool *pgxpool.Pool, options ...Option) (ShelfStorage, error) {
	if pool == nil {
		return ShelfStorage{}, ErrNilDatabaseConnection
	}

	return newShelfStorage(adapters.NewPGX(pool), options...)
}

// NewFromSQLDB creates a ShelfStorage on a database/sql handle.
func NewFromSQLDB(db *sql.DB, options ...Option) (ShelfStorage, error) {
	if db == nil {
		return ShelfStorage{}, ErrNilDatabaseConnection
	}

	return newShelfStorage(adapters.NewSQL(db), options...)
}

// NewFromSQLX creates a ShelfStorage on a sqlx handle.
func NewFromSQLX(db *sqlx.DB, options ...Option) (ShelfStorage, error) {
	if db == nil {
		return ShelfStorage{}, ErrNilDatabaseConnection
	}

	return newShelfStorage(adapters.NewSQLX(db), options...)
}

func newShelfStorage(db adapters.DB, options ...Option) (ShelfStorage, error) {
	s := ShelfStorage{
		db:        db,
		tableName: defaultTableName,
	}

	for _, option := range options {
		if err := option(&s); err != nil {
			return ShelfStorage{}, err
		}
	}

	return s, nil
}

// List returns the shelved books, most recently added first. A limit of zero
// returns all of them.
func (s ShelfStorage) List(ctx context.Context, limit uint) ([]Book, error) {
	stmt := goqu.Dialect(dialectPostgres).
		From(s.tableName).
		Select(colID, colTitle, colAuthor, colYear, colAddedAt).
		Order(goqu.I(colAddedAt).Desc(), goqu.I(colID).Asc())

	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	sqlQuery, _, buildErr := stmt.ToSQL()
	if buildErr != nil {
		return nil, s.buildError(buildErr)
	}

	rows, duration, queryErr := s.executeQuery(ctx, sqlQuery, logActionList)
	if queryErr != nil {
		return nil, queryErr
	}
	defer s.closeRows(rows)

	books := make([]Book, 0)
	for rows.Next() {
		var book Book
		if scanErr := rows.Scan(&book.ID, &book.Title, &book.Author, &book.Year, &book.AddedAt); scanErr != nil {
			return nil, s.scanError(scanErr)
		}

		books = append(books, book)
	}

	s.logOperation(logMsgBooksListed,
		logAttrBookCount, len(books),
		logAttrDurationMS, durationToMilliseconds(duration))

	return books, nil
}

// Find returns one book by id, or ErrBookNotFound.
func (s ShelfStorage) Find(ctx context.Context, id string) (Book, error) {
	stmt := goqu.Dialect(dialectPostgres).
		From(s.tableName).
		Select(colID, colTitle, colAuthor, colYear, colAddedAt).
		Where(goqu.Ex{colID: id})

	sqlQuery, _, buildErr := stmt.ToSQL()
	if buildErr != nil {
		return Book{}, s.buildError(buildErr)
	}

	rows, _, queryErr := s.executeQuery(ctx, sqlQuery, logActionFind)
	if queryErr != nil {
		return Book{}, queryErr
	}
	defer s.closeRows(rows)

	if !rows.Next() {
		return Book{}, ErrBookNotFound
	}

	var book Book
	if scanErr := rows.Scan(&book.ID, &book.Title, &book.Author, &book.Year, &book.AddedAt); scanErr != nil {
		return Book{}, s.scanError(scanErr)
	}

	return book, nil
}

// Add shelves a book. Adding an id that is already shelved returns
// ErrDuplicateBook and leaves the existing row untouched.
func (s ShelfStorage) Add(ctx context.Context, book Book) error {
	stmt := goqu.Dialect(dialectPostgres).
		Insert(s.tableName).
		Cols(colID, colTitle, colAuthor, colYear, colAddedAt).
		Vals(goqu.Vals{book.ID, book.Title, book.Author, book.Year, book.AddedAt}).
		OnConflict(goqu.DoNothing())

	sqlQuery, _, buildErr := stmt.ToSQL()
	if buildErr != nil {
		return s.buildError(buildErr)
	}

	rowsAffected, duration, execErr := s.executeStatement(ctx, sqlQuery, logActionAdd)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return ErrDuplicateBook
	}

	s.logOperation(logMsgBookAdded,
		logAttrBookID, book.ID,
		logAttrDurationMS, durationToMilliseconds(duration))

	return nil
}

// Remove takes a book off the shelf. Removing an id that is not shelved
// returns ErrBookNotFound.
func (s ShelfStorage) Remove(ctx context.Context, id string) error {
	stmt := goqu.Dialect(dialectPostgres).
		Delete(s.tableName).
		Where(goqu.Ex{colID: id})

	sqlQuery, _, buildErr := stmt.ToSQL()
	if buildErr != nil {
		return s.buildError(buildErr)
	}

	rowsAffected, duration, execErr := s.executeStatement(ctx, sqlQuery, logActionRemove)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return ErrBookNotFound
	}

	s.logOperation(logMsgBookRemoved,
		logAttrBookID, id,
		logAttrDurationMS, durationToMilliseconds(duration))

	return nil
}

// Count returns the number of shelved books.
func (s ShelfStorage) Count(ctx context.Context) (int64, error) {
	stmt := goqu.Dialect(dialectPostgres).
		From(s.tableName).
		Select(goqu.COUNT(goqu.Star()))

	sqlQuery, _, buildErr := stmt.ToSQL()
	if buildErr != nil {
		return 0, s.buildError(buildErr)
	}

	rows, _, queryErr := s.executeQuery(ctx, sqlQuery, logActionCount)
	if queryErr != nil {
		return 0, queryErr
	}
	defer s.closeRows(rows)

	var count int64
	if rows.Next() {
		if scanErr := rows.Scan(&count); scanErr != nil {
			return 0, s.scanError(scanErr)
		}
	}

	return count, nil
}

// executeQuery runs a select statement and returns rows with timing.
func (s ShelfStorage) executeQuery(ctx context.Context, sqlQuery, action string) (
	adapters.Rows,
	time.Duration,
	error,
) {

	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(sqlQuery, action, duration)

	if queryErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgQueryError, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		}

		return nil, duration, errors.Join(ErrQueryFailed, queryErr)
	}

	return rows, duration, nil
}

// executeStatement runs a mutating statement and returns the affected row
// count with timing.
func (s ShelfStorage) executeStatement(ctx context.Context, sqlQuery, action string) (
	int64,
	time.Duration,
	error,
) {

	start := time.Now()
	result, execErr := s.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(sqlQuery, action, duration)

	if execErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgQueryError, logAttrError, execErr.Error(), logAttrQuery, sqlQuery)
		}

		return 0, duration, errors.Join(ErrQueryFailed, execErr)
	}

	rowsAffected, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return 0, duration, errors.Join(ErrRowsAffectedFailed, affectedErr)
	}

	return rowsAffected, duration, nil
}

func (s ShelfStorage) closeRows(rows adapters.Rows) {
	if closeErr := rows.Close(); closeErr != nil {
		if s.logger != nil {
			s.logger.Warn(logMsgCloseRowsError, logAttrError, closeErr.Error())
		}
	}
}

func (s ShelfStorage) buildError(err error) error {
	if s.logger != nil {
		s.logger.Error(logMsgBuildQueryError, logAttrError, err.Error())
	}

	return errors.Join(ErrBuildingQueryFailed, err)
}

func (s ShelfStorage) scanError(err error) error {
	if s.logger != nil {
		s.logger.Error(logMsgScanError, logAttrError, err.Error())
	}

	return errors.Join(ErrScanningRowFailed, err)
}

// logQueryWithDuration logs SQL queries at debug level if the logger is
// configured.
func (s ShelfStorage) logQueryWithDuration(sqlQuery, action string, duration time.Duration) {
	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, durationToMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if the logger is
// configured.
func (s ShelfStorage) logOperation(action string, args ...any) {
	if s.logger != nil {
		s.logger.Info(logMsgOperation+action, args...)
	}
}

// durationToMilliseconds converts a duration to float64 milliseconds with 3
// decimal places.
func durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
