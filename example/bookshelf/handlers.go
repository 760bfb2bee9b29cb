package bookshelf

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/graft-http/graft"
	"github.com/graft-http/graft/plugins/requestid"
	"github.com/graft-http/graft/realtime"

	"github.com/graft-http/graft/example/bookshelf/storage"
)

var json = jsoniter.ConfigFastest

const metricBooksOnShelf = "bookshelf_books_on_shelf"

type handlers struct {
	shelf       Shelf
	feed        *Feed
	feedChecker graft.Checker
	metrics     graft.MetricsCollector
}

func (h handlers) health(c *graft.Context) (any, error) {
	count, err := h.shelf.Count(c.RequestContext())
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"status":          "ok",
		"books":           count,
		"feedSubscribers": h.feed.Subscribers(),
		"version":         c.MustGet(bindVersion),
		"session":         c.MustGet(bindSession),
	}
	if startedAt, ok := c.Store().Get(stateStartedAt); ok {
		payload["startedAt"] = startedAt
	}
	if id, ok := requestid.FromContext(c); ok {
		payload["requestId"] = id
	}

	return payload, nil
}

func (h handlers) listBooks(c *graft.Context) (any, error) {
	var limit uint
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, graft.Failf(graft.CodeValidation, "limit %q is not a whole number", raw)
		}
		limit = uint(parsed)
	}

	books, err := h.shelf.List(c.RequestContext(), limit)
	if err != nil {
		return nil, err
	}

	return map[string]any{"books": books, "count": len(books)}, nil
}

func (h handlers) getBook(c *graft.Context) (any, error) {
	id := c.Param("id")

	book, err := h.shelf.Find(c.RequestContext(), id)
	if err != nil {
		if errors.Is(err, storage.ErrBookNotFound) {
			return nil, graft.Failf(CodeBookNotFound, "book %s is not on the shelf", id)
		}

		return nil, err
	}

	return book, nil
}

func (h handlers) addBook(c *graft.Context) (any, error) {
	payload, err := decodeBody[NewBook](c)
	if err != nil {
		return nil, err
	}

	book := storage.Book{
		ID:      payload.ID,
		Title:   payload.Title,
		Author:  payload.Author,
		Year:    payload.Year,
		AddedAt: time.Now().UTC(),
	}
	if book.ID == "" {
		book.ID = uuid.NewString()
	}

	if err := h.shelf.Add(c.RequestContext(), book); err != nil {
		if errors.Is(err, storage.ErrDuplicateBook) {
			return nil, graft.Failf(CodeShelfConflict, "book %s is already on the shelf", book.ID)
		}

		return nil, err
	}

	h.feed.Publish(FeedEvent{Kind: FeedKindAdded, BookID: book.ID, Title: book.Title, At: book.AddedAt})
	h.recordShelfSize(c)

	c.SetStatus(http.StatusCreated)

	return book, nil
}

func (h handlers) removeBook(c *graft.Context) (any, error) {
	id := c.Param("id")

	if err := h.shelf.Remove(c.RequestContext(), id); err != nil {
		if errors.Is(err, storage.ErrBookNotFound) {
			return nil, graft.Failf(CodeBookNotFound, "book %s is not on the shelf", id)
		}

		return nil, err
	}

	h.feed.Publish(FeedEvent{Kind: FeedKindRemoved, BookID: id, At: time.Now().UTC()})
	h.recordShelfSize(c)

	return &graft.Response{Status: http.StatusNoContent}, nil
}

func (h handlers) feedRoute() graft.Handler {
	return realtime.Handler(realtime.Events{
		OnOpen: func(s *realtime.Session) {
			h.feed.subscribe(s)
		},
		OnClose: func(s *realtime.Session, _ error) {
			h.feed.unsubscribe(s)
		},
	}, realtime.WithOutboundSchema(h.feedChecker))
}

// recordShelfSize refreshes the shelf size gauge after a mutation. Gauge
// failures never fail the request.
func (h handlers) recordShelfSize(c *graft.Context) {
	if h.metrics == nil {
		return
	}

	count, err := h.shelf.Count(c.RequestContext())
	if err != nil {
		return
	}

	h.metrics.RecordValue(metricBooksOnShelf, float64(count), nil)
}

// decodeBody maps the parsed request body onto a typed payload. The body
// slot has already been validated, so failures here mean shapes only a full
// decode can catch.
func decodeBody[T any](c *graft.Context) (T, error) {
	var payload T

	raw, err := json.Marshal(c.Body())
	if err != nil {
		return payload, graft.Failf(graft.CodeParse, "re-encoding request body: %v", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, graft.Failf(graft.CodeParse, "decoding request body: %v", err)
	}

	return payload, nil
}
