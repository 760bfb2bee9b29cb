package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft/example/bookshelf/storage/internal/adapters"
)

func Test_Factories_RejectNilConnections(t *testing.T) {
	t.Run("pgx pool", func(t *testing.T) {
		_, err := NewFromPGXPool(nil)
		assert.ErrorIs(t, err, ErrNilDatabaseConnection)
	})

	t.Run("sql handle", func(t *testing.T) {
		_, err := NewFromSQLDB(nil)
		assert.ErrorIs(t, err, ErrNilDatabaseConnection)
	})

	t.Run("sqlx handle", func(t *testing.T) {
		_, err := NewFromSQLX(nil)
		assert.ErrorIs(t, err, ErrNilDatabaseConnection)
	})
}

func Test_WithTableName_Validation(t *testing.T) {
	// setup
	db := &fakeDB{}

	// act
	_, err := newShelfStorage(db, WithTableName(""))

	// assert
	assert.ErrorIs(t, err, ErrEmptyTableName)
}

func Test_List_ScansBooksInShelfOrder(t *testing.T) {
	// setup
	first := someBook("book-1", "The Go Programming Language")
	second := someBook("book-2", "Designing Data-Intensive Applications")

	db := &fakeDB{rows: [][]any{rowFor(second), rowFor(first)}}
	shelf := newTestShelf(t, db)

	// act
	books, err := shelf.List(context.Background(), 0)

	// assert
	require.NoError(t, err)
	assert.Equal(t, []Book{second, first}, books)

	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], `"books"`)
	assert.Contains(t, db.queries[0], `ORDER BY "added_at" DESC`)
	assert.NotContains(t, db.queries[0], "LIMIT")
}

func Test_List_AppliesTheLimit(t *testing.T) {
	// setup
	db := &fakeDB{}
	shelf := newTestShelf(t, db)

	// act
	_, err := shelf.List(context.Background(), 5)

	// assert
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "LIMIT 5")
}

func Test_Find_ReturnsTheBook(t *testing.T) {
	// setup
	book := someBook("book-1", "The Go Programming Language")
	db := &fakeDB{rows: [][]any{rowFor(book)}}
	shelf := newTestShelf(t, db)

	// act
	found, err := shelf.Find(context.Background(), "book-1")

	// assert
	require.NoError(t, err)
	assert.Equal(t, book, found)

	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], `'book-1'`)
}

func Test_Find_ReportsMissingBooks(t *testing.T) {
	// setup
	db := &fakeDB{}
	shelf := newTestShelf(t, db)

	// act
	_, err := shelf.Find(context.Background(), "book-404")

	// assert
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func Test_Add_ShelvesTheBook(t *testing.T) {
	// setup
	db := &fakeDB{rowsAffected: 1}
	shelf := newTestShelf(t, db)

	// act
	err := shelf.Add(context.Background(), someBook("book-1", "The Go Programming Language"))

	// assert
	require.NoError(t, err)
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], `INSERT INTO "books"`)
	assert.Contains(t, db.execs[0], "ON CONFLICT DO NOTHING")
}

func Test_Add_ReportsDuplicates(t *testing.T) {
	// setup (zero rows affected means the conflict clause swallowed the insert)
	db := &fakeDB{rowsAffected: 0}
	shelf := newTestShelf(t, db)

	// act
	err := shelf.Add(context.Background(), someBook("book-1", "The Go Programming Language"))

	// assert
	assert.ErrorIs(t, err, ErrDuplicateBook)
}

func Test_Remove_TakesTheBookOffTheShelf(t *testing.T) {
	// setup
	db := &fakeDB{rowsAffected: 1}
	shelf := newTestShelf(t, db)

	// act
	err := shelf.Remove(context.Background(), "book-1")

	// assert
	require.NoError(t, err)
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], `DELETE FROM "books"`)
	assert.Contains(t, db.execs[0], `'book-1'`)
}

func Test_Remove_ReportsMissingBooks(t *testing.T) {
	// setup
	db := &fakeDB{rowsAffected: 0}
	shelf := newTestShelf(t, db)

	// act
	err := shelf.Remove(context.Background(), "book-404")

	// assert
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func Test_Count_ReturnsTheShelfSize(t *testing.T) {
	// setup
	db := &fakeDB{rows: [][]any{{int64(3)}}}
	shelf := newTestShelf(t, db)

	// act
	count, err := shelf.Count(context.Background())

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "COUNT(*)")
}

func Test_DatabaseFailures_AreWrapped(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("query path", func(t *testing.T) {
		db := &fakeDB{queryErr: boom}
		shelf := newTestShelf(t, db)

		_, err := shelf.List(context.Background(), 0)

		assert.ErrorIs(t, err, ErrQueryFailed)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("exec path", func(t *testing.T) {
		db := &fakeDB{execErr: boom}
		shelf := newTestShelf(t, db)

		err := shelf.Remove(context.Background(), "book-1")

		assert.ErrorIs(t, err, ErrQueryFailed)
		assert.ErrorIs(t, err, boom)
	})
}

func Test_WithTableName_RedirectsQueries(t *testing.T) {
	// setup
	db := &fakeDB{}
	shelf, err := newShelfStorage(db, WithTableName("inventory"))
	require.NoError(t, err)

	// act
	_, err = shelf.List(context.Background(), 0)

	// assert
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], `"inventory"`)
}

/***** helpers *****/

func newTestShelf(t *testing.T, db adapters.DB) ShelfStorage {
	t.Helper()

	shelf, err := newShelfStorage(db)
	require.NoError(t, err)

	return shelf
}

func someBook(id, title string) Book {
	return Book{
		ID:      id,
		Title:   title,
		Author:  "Some Author",
		Year:    2015,
		AddedAt: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
}

func rowFor(book Book) []any {
	return []any{book.ID, book.Title, book.Author, book.Year, book.AddedAt}
}

/***** fake database adapter *****/

type fakeDB struct {
	queries      []string
	execs        []string
	rows         [][]any
	rowsAffected int64
	queryErr     error
	execErr      error
}

func (f *fakeDB) Query(_ context.Context, query string) (adapters.Rows, error) {
	f.queries = append(f.queries, query)

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	return &fakeRows{rows: f.rows}, nil
}

func (f *fakeDB) Exec(_ context.Context, query string) (adapters.Result, error) {
	f.execs = append(f.execs, query)

	if f.execErr != nil {
		return nil, f.execErr
	}

	return fakeResult{affected: f.rowsAffected}, nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}

	r.idx++

	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(row[i]))
	}

	return nil
}

func (r *fakeRows) Close() error {
	return nil
}

type fakeResult struct {
	affected int64
}

func (r fakeResult) RowsAffected() (int64, error) {
	return r.affected, nil
}
