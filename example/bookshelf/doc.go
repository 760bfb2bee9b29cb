// Package bookshelf assembles the example application: a REST interface over
// a PostgreSQL book shelf with a websocket feed of shelf changes.
//
// The assembly exercises the graft building blocks end to end: guarded query
// schemas, a named body model, domain error codes, a derived session binding
// behind a signed cookie, mounted plugins (request ids, a rate-limit macro on
// the mutating routes), and trace sinks.
package bookshelf
