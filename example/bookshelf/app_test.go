package bookshelf_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft"
	"github.com/graft-http/graft/ginengine"

	"github.com/graft-http/graft/example/bookshelf"
	"github.com/graft-http/graft/example/bookshelf/storage"
)

const (
	firstBookID  = "0f8fad5b-d9cb-469f-a165-70867728950e"
	secondBookID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

func Test_NewApp_Validation(t *testing.T) {
	t.Run("rejects a nil shelf", func(t *testing.T) {
		_, err := bookshelf.NewApp(nil)
		assert.ErrorContains(t, err, "nil shelf")
	})

	t.Run("rejects a non-positive mutation rate", func(t *testing.T) {
		_, err := bookshelf.NewApp(newFakeShelf(), bookshelf.WithMutationRate(0, 1))
		assert.ErrorContains(t, err, "mutation rate")
	})

	t.Run("rejects empty cookie secrets", func(t *testing.T) {
		_, err := bookshelf.NewApp(newFakeShelf(), bookshelf.WithCookieSecrets())
		assert.ErrorContains(t, err, "cookie secrets")
	})
}

func Test_Healthz_ReportsShelfState(t *testing.T) {
	// setup
	shelf := newFakeShelf(someBook(firstBookID, "The Go Programming Language"))
	app := newBookshelfApp(t, shelf)

	// act
	res := execute(t, app, newRequest(http.MethodGet, "/healthz"))

	// assert
	require.Equal(t, http.StatusOK, res.Status)

	body := bodyMap(t, res)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, int64(1), body["books"])
	assert.Equal(t, bookshelf.Version, body["version"])
	assert.NotEmpty(t, body["requestId"])

	session, ok := body["session"].(bookshelf.Session)
	require.True(t, ok, "session is %T, want bookshelf.Session", body["session"])
	assert.True(t, session.New)
	assert.NotEmpty(t, session.ID)
}

func Test_ListBooks_ReturnsNewestFirst(t *testing.T) {
	// setup
	older := someBook(firstBookID, "The Go Programming Language")
	newer := someBook(secondBookID, "Designing Data-Intensive Applications")
	newer.AddedAt = older.AddedAt.Add(time.Hour)

	shelf := newFakeShelf(older, newer)
	app := newBookshelfApp(t, shelf)

	// act
	res := execute(t, app, newRequest(http.MethodGet, "/books"))

	// assert
	require.Equal(t, http.StatusOK, res.Status)

	body := bodyMap(t, res)
	assert.Equal(t, 2, body["count"])

	books, ok := body["books"].([]storage.Book)
	require.True(t, ok, "books is %T, want []storage.Book", body["books"])
	require.Len(t, books, 2)
	assert.Equal(t, newer.ID, books[0].ID)
	assert.Equal(t, older.ID, books[1].ID)
}

func Test_ListBooks_AppliesTheLimitParameter(t *testing.T) {
	// setup
	shelf := newFakeShelf(
		someBook(firstBookID, "The Go Programming Language"),
		someBook(secondBookID, "Designing Data-Intensive Applications"),
	)
	app := newBookshelfApp(t, shelf)

	info := newRequest(http.MethodGet, "/books")
	info.Query.Set("limit", "1")

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, uint(1), shelf.lastLimit)
	assert.Equal(t, 1, bodyMap(t, res)["count"])
}

func Test_ListBooks_RejectsNonNumericLimits(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf())

	info := newRequest(http.MethodGet, "/books")
	info.Query.Set("limit", "a-few")

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, graft.CodeValidation, bodyMap(t, res)["code"])
}

func Test_GetBook_ReturnsTheBook(t *testing.T) {
	// setup
	book := someBook(firstBookID, "The Go Programming Language")
	app := newBookshelfApp(t, newFakeShelf(book))

	info := newRequest(http.MethodGet, "/books/:id")
	info.RawPath = "/books/" + book.ID
	info.Params["id"] = book.ID

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusOK, res.Status)

	found, ok := res.Body.(storage.Book)
	require.True(t, ok, "body is %T, want storage.Book", res.Body)
	assert.Equal(t, book, found)
}

func Test_GetBook_ReportsMissingBooks(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf())

	info := newRequest(http.MethodGet, "/books/:id")
	info.Params["id"] = firstBookID

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, bookshelf.CodeBookNotFound, bodyMap(t, res)["code"])
}

func Test_GetBook_RejectsMalformedIDs(t *testing.T) {
	// setup
	shelf := newFakeShelf()
	app := newBookshelfApp(t, shelf)

	info := newRequest(http.MethodGet, "/books/:id")
	info.Params["id"] = "not-a-uuid"

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, graft.CodeValidation, bodyMap(t, res)["code"])
	assert.Zero(t, shelf.findCalls, "validation must short-circuit before the handler")
}

func Test_AddBook_ShelvesTheBook(t *testing.T) {
	// setup
	shelf := newFakeShelf()
	app := newBookshelfApp(t, shelf)

	info := newRequest(http.MethodPost, "/books")
	info.Body = []byte(`{"title":"The Go Programming Language","author":"Donovan and Kernighan","year":2015}`)
	info.ContentType = "application/json"

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusCreated, res.Status)

	book, ok := res.Body.(storage.Book)
	require.True(t, ok, "body is %T, want storage.Book", res.Body)

	_, err := uuid.Parse(book.ID)
	assert.NoError(t, err, "server assigned id must be a uuid")
	assert.Equal(t, "The Go Programming Language", book.Title)
	assert.False(t, book.AddedAt.IsZero())

	_, found := shelf.books[book.ID]
	assert.True(t, found, "book must be on the shelf after the request")
}

func Test_AddBook_AcceptsACallerSuppliedID(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf())

	info := newRequest(http.MethodPost, "/books")
	info.Body = []byte(`{"id":"` + firstBookID + `","title":"Refactoring","author":"Martin Fowler","year":1999}`)
	info.ContentType = "application/json"

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusCreated, res.Status)

	book, ok := res.Body.(storage.Book)
	require.True(t, ok, "body is %T, want storage.Book", res.Body)
	assert.Equal(t, firstBookID, book.ID)
}

func Test_AddBook_ValidatesThePayload(t *testing.T) {
	// setup
	shelf := newFakeShelf()
	app := newBookshelfApp(t, shelf)

	info := newRequest(http.MethodPost, "/books")
	info.Body = []byte(`{"author":"Nobody","year":12}`)
	info.ContentType = "application/json"

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusUnprocessableEntity, res.Status)

	body := bodyMap(t, res)
	assert.Equal(t, graft.CodeValidation, body["code"])
	assert.NotEmpty(t, body["faults"])
	assert.Empty(t, shelf.books)
}

func Test_AddBook_ReportsDuplicates(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf(someBook(firstBookID, "Refactoring")))

	info := newRequest(http.MethodPost, "/books")
	info.Body = []byte(`{"id":"` + firstBookID + `","title":"Refactoring","author":"Martin Fowler","year":1999}`)
	info.ContentType = "application/json"

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, bookshelf.CodeShelfConflict, bodyMap(t, res)["code"])
}

func Test_RemoveBook_TakesTheBookOffTheShelf(t *testing.T) {
	// setup
	book := someBook(firstBookID, "The Go Programming Language")
	shelf := newFakeShelf(book)
	app := newBookshelfApp(t, shelf)

	info := newRequest(http.MethodDelete, "/books/:id")
	info.Params["id"] = book.ID

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusNoContent, res.Status)
	assert.Nil(t, res.Body)
	assert.Empty(t, shelf.books)
}

func Test_RemoveBook_ReportsMissingBooks(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf())

	info := newRequest(http.MethodDelete, "/books/:id")
	info.Params["id"] = firstBookID

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, bookshelf.CodeBookNotFound, bodyMap(t, res)["code"])
}

func Test_Mutations_AreRateLimited(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf(), bookshelf.WithMutationRate(1, 1))

	post := func() *graft.Response {
		info := newRequest(http.MethodPost, "/books")
		info.Body = []byte(`{"title":"Refactoring","author":"Martin Fowler","year":1999}`)
		info.ContentType = "application/json"

		return execute(t, app, info)
	}

	// act
	first := post()
	second := post()

	// assert
	require.Equal(t, http.StatusCreated, first.Status)
	require.Equal(t, http.StatusTooManyRequests, second.Status)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))

	body := bodyMap(t, second)
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Equal(t, "too many shelf changes, slow down", body["message"])
}

func Test_SessionCookie_RoundTrip(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf(), bookshelf.WithCookieSecrets("session-secret"))

	// act: a first visit mints a signed session cookie
	first := execute(t, app, newRequest(http.MethodGet, "/healthz"))

	// assert
	require.Equal(t, http.StatusOK, first.Status)

	cookie := sessionCookie(t, first)
	assert.True(t, cookie.HttpOnly)

	dot := strings.LastIndexByte(cookie.Value, '.')
	require.Positive(t, dot, "cookie value %q must carry a signature", cookie.Value)

	sessionID := cookie.Value[:dot]
	_, err := uuid.Parse(sessionID)
	require.NoError(t, err)

	// act: a second visit presents the signed cookie
	info := newRequest(http.MethodGet, "/healthz")
	info.Cookies = []*http.Cookie{{Name: bookshelf.SessionCookie, Value: cookie.Value}}

	second := execute(t, app, info)

	// assert: the session sticks and no new cookie is staged
	require.Equal(t, http.StatusOK, second.Status)

	session, ok := bodyMap(t, second)["session"].(bookshelf.Session)
	require.True(t, ok)
	assert.False(t, session.New)
	assert.Equal(t, sessionID, session.ID)

	for _, staged := range second.Cookies {
		assert.NotEqual(t, bookshelf.SessionCookie, staged.Name,
			"an established session must not restage the cookie")
	}
}

func Test_TamperedSessionCookie_IsRejected(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf(), bookshelf.WithCookieSecrets("session-secret"))

	info := newRequest(http.MethodGet, "/healthz")
	info.Cookies = []*http.Cookie{{Name: bookshelf.SessionCookie, Value: "forged-id.AAAA"}}

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, graft.CodeInvalidCookieSignature, bodyMap(t, res)["code"])
}

func Test_Mutations_RefreshTheShelfGauge(t *testing.T) {
	// setup
	metrics := &recordingMetrics{}
	app := newBookshelfApp(t, newFakeShelf(), bookshelf.WithMetrics(metrics))

	info := newRequest(http.MethodPost, "/books")
	info.Body = []byte(`{"title":"Refactoring","author":"Martin Fowler","year":1999}`)
	info.ContentType = "application/json"

	// act
	res := execute(t, app, info)

	// assert
	require.Equal(t, http.StatusCreated, res.Status)

	value, ok := metrics.value("bookshelf_books_on_shelf")
	require.True(t, ok, "mutations must refresh the shelf size gauge")
	assert.Equal(t, float64(1), value)
}

func Test_Feed_StreamsShelfChanges(t *testing.T) {
	// setup
	app := newBookshelfApp(t, newFakeShelf())

	srv, err := ginengine.NewServer(app)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, handshake, err := dialer.Dial(wsURL+"/feed", nil)
	require.NoError(t, err)
	if handshake != nil && handshake.Body != nil {
		_ = handshake.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	waitForSubscribers(t, ts.URL, 1)

	// act
	payload := strings.NewReader(`{"title":"The Go Programming Language","author":"Donovan and Kernighan","year":2015}`)
	postRes, err := http.Post(ts.URL+"/books", "application/json", payload)
	require.NoError(t, err)
	defer func() { _ = postRes.Body.Close() }()
	require.Equal(t, http.StatusCreated, postRes.StatusCode)

	// assert
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var event map[string]any
	require.NoError(t, jsoniter.ConfigFastest.Unmarshal(frame, &event))
	assert.Equal(t, bookshelf.FeedKindAdded, event["kind"])
	assert.Equal(t, "The Go Programming Language", event["title"])
	assert.NotEmpty(t, event["bookId"])
}

/***** helpers *****/

func newBookshelfApp(t *testing.T, shelf bookshelf.Shelf, opts ...bookshelf.Option) *graft.App {
	t.Helper()

	app, err := bookshelf.NewApp(shelf, opts...)
	require.NoError(t, err)

	return app
}

func newRequest(method, pattern string) graft.RequestInfo {
	return graft.RequestInfo{
		Method:  method,
		Path:    pattern,
		RawPath: pattern,
		Params:  map[string]string{},
		Query:   url.Values{},
		Header:  http.Header{},
	}
}

func execute(t *testing.T, app *graft.App, info graft.RequestInfo) *graft.Response {
	t.Helper()

	for _, route := range app.Routes() {
		if route.Method() == info.Method && route.Path() == info.Path {
			res := route.Execute(graft.NewContext(context.Background(), info))
			require.NotNil(t, res)

			return res
		}
	}

	t.Fatalf("no route registered for %s %s", info.Method, info.Path)

	return nil
}

func bodyMap(t *testing.T, res *graft.Response) map[string]any {
	t.Helper()

	m, ok := res.Body.(map[string]any)
	require.True(t, ok, "response body is %T, want map[string]any", res.Body)

	return m
}

func sessionCookie(t *testing.T, res *graft.Response) *http.Cookie {
	t.Helper()

	for _, cookie := range res.Cookies {
		if cookie.Name == bookshelf.SessionCookie {
			return cookie
		}
	}

	t.Fatalf("no %s cookie on the response", bookshelf.SessionCookie)

	return nil
}

func waitForSubscribers(t *testing.T, baseURL string, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		res, err := http.Get(baseURL + "/healthz")
		if err != nil {
			return false
		}
		defer func() { _ = res.Body.Close() }()

		var body map[string]any
		if decodeErr := jsoniter.ConfigFastest.NewDecoder(res.Body).Decode(&body); decodeErr != nil {
			return false
		}

		count, _ := body["feedSubscribers"].(float64)

		return int(count) == want
	}, 2*time.Second, 20*time.Millisecond)
}

func someBook(id, title string) storage.Book {
	return storage.Book{
		ID:      id,
		Title:   title,
		Author:  "Some Author",
		Year:    2015,
		AddedAt: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
}

/***** fake shelf *****/

type fakeShelf struct {
	mu        sync.Mutex
	books     map[string]storage.Book
	lastLimit uint
	findCalls int
}

func newFakeShelf(books ...storage.Book) *fakeShelf {
	shelf := &fakeShelf{books: make(map[string]storage.Book)}
	for _, b := range books {
		shelf.books[b.ID] = b
	}

	return shelf
}

func (f *fakeShelf) List(_ context.Context, limit uint) ([]storage.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastLimit = limit

	books := make([]storage.Book, 0, len(f.books))
	for _, b := range f.books {
		books = append(books, b)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].AddedAt.After(books[j].AddedAt) })

	if limit > 0 && uint(len(books)) > limit {
		books = books[:limit]
	}

	return books, nil
}

func (f *fakeShelf) Find(_ context.Context, id string) (storage.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.findCalls++

	if book, ok := f.books[id]; ok {
		return book, nil
	}

	return storage.Book{}, storage.ErrBookNotFound
}

func (f *fakeShelf) Add(_ context.Context, book storage.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.books[book.ID]; exists {
		return storage.ErrDuplicateBook
	}

	f.books[book.ID] = book

	return nil
}

func (f *fakeShelf) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.books[id]; !ok {
		return storage.ErrBookNotFound
	}

	delete(f.books, id)

	return nil
}

func (f *fakeShelf) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int64(len(f.books)), nil
}

/***** recording metrics collector *****/

type recordingMetrics struct {
	mu     sync.Mutex
	values map[string]float64
}

func (m *recordingMetrics) RecordDuration(string, time.Duration, map[string]string) {}

func (m *recordingMetrics) IncrementCounter(string, map[string]string) {}

func (m *recordingMetrics) RecordValue(metric string, value float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.values == nil {
		m.values = make(map[string]float64)
	}
	m.values[metric] = value
}

func (m *recordingMetrics) value(metric string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.values[metric]

	return value, ok
}
