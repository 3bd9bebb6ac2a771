package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/retry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// couchDoc is the stored document layout.
type couchDoc struct {
	ID         string        `json:"_id"`
	Rev        string        `json:"_rev,omitempty"`
	Collection string        `json:"collection"`
	RecordID   string        `json:"record_id"`
	Data       types.Payload `json:"data,omitempty"`
	Deleted    bool          `json:"deleted,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// CouchStore is a Store backed by a CouchDB database. Documents are keyed
// "<collection>:<id>"; CouchDB's own revision check turns racing writes
// into 409 responses, which surface as ConflictErrors.
type CouchStore struct {
	client *kivik.Client
	dbName string
	clock  clock.Clock
}

// NewCouchStore connects to url and opens dbName, creating it if needed.
func NewCouchStore(ctx context.Context, url, dbName string, c clock.Clock) (*CouchStore, error) {
	if dbName == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to create couchdb client: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to check database %s: %w", dbName, mapError(err))
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", dbName, mapError(err))
		}
	}

	return &CouchStore{client: client, dbName: dbName, clock: clock.OrReal(c)}, nil
}

// Close releases the client.
func (s *CouchStore) Close() error {
	return s.client.Close()
}

// Create implements Store.
func (s *CouchStore) Create(ctx context.Context, req Request) (Result, error) {
	return s.write(ctx, OpCreate, req)
}

// Update implements Store.
func (s *CouchStore) Update(ctx context.Context, req Request) (Result, error) {
	return s.write(ctx, OpUpdate, req)
}

// Delete implements Store.
func (s *CouchStore) Delete(ctx context.Context, req Request) (Result, error) {
	return s.write(ctx, OpDelete, req)
}

// Fetch implements Store.
func (s *CouchStore) Fetch(ctx context.Context, collection, id string) (Version, error) {
	v, _, err := s.fetch(ctx, collection, id)
	return v, err
}

func (s *CouchStore) fetch(ctx context.Context, collection, id string) (Version, *couchDoc, error) {
	var doc couchDoc
	err := s.client.DB(s.dbName).Get(ctx, docKey(collection, id)).ScanDoc(&doc)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return Version{}, nil, nil
		}
		return Version{}, nil, fmt.Errorf("failed to fetch %s/%s: %w", collection, id, mapError(err))
	}

	ts := doc.UpdatedAt
	v := Version{
		Exists:    true,
		Deleted:   doc.Deleted,
		Timestamp: &ts,
		Revision:  doc.Rev,
	}
	if !doc.Deleted {
		v.Data = doc.Data
		if v.Data == nil {
			v.Data = types.Payload{}
		}
	}
	return v, &doc, nil
}

func (s *CouchStore) write(ctx context.Context, op Op, req Request) (Result, error) {
	cur, _, err := s.fetch(ctx, req.Collection, req.ID)
	if err != nil {
		return Result{}, err
	}

	skip, err := check(op, req, cur)
	if err != nil {
		return Result{}, err
	}
	if skip {
		return Result{Revision: cur.Revision, Timestamp: derefTime(cur.Timestamp)}, nil
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	doc := couchDoc{
		ID:         docKey(req.Collection, req.ID),
		Rev:        cur.Revision,
		Collection: req.Collection,
		RecordID:   req.ID,
		UpdatedAt:  ts.UTC(),
	}
	if op == OpDelete {
		doc.Deleted = true
	} else {
		doc.Data = req.Data
		if doc.Data == nil {
			doc.Data = types.Payload{}
		}
	}

	rev, err := s.client.DB(s.dbName).Put(ctx, doc.ID, doc)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			// Lost a race with another writer; report what won.
			latest, _, ferr := s.fetch(ctx, req.Collection, req.ID)
			if ferr != nil {
				return Result{}, ferr
			}
			return Result{}, &ConflictError{Collection: req.Collection, ID: req.ID, Remote: latest}
		}
		return Result{}, fmt.Errorf("failed to %s %s/%s: %w", op, req.Collection, req.ID, mapError(err))
	}
	return Result{Revision: rev, Timestamp: doc.UpdatedAt}, nil
}

// mapError tags a kivik error with the kind implied by its HTTP status.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	return mapStatus(kivik.HTTPStatus(err), err)
}

func mapStatus(status int, err error) error {
	switch {
	case status == http.StatusConflict:
		return retry.WithKind(retry.KindConflict, err)
	case status == http.StatusUnauthorized:
		return retry.WithKind(retry.KindPermanent, fmt.Errorf("unauthorized: %w", err))
	case status == http.StatusForbidden:
		return retry.WithKind(retry.KindPermanent, fmt.Errorf("permission denied: %w", err))
	case status == http.StatusNotFound:
		return retry.WithKind(retry.KindPermanent, fmt.Errorf("not found: %w", err))
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return retry.WithKind(retry.KindPermanent, fmt.Errorf("invalid argument: %w", err))
	case status == http.StatusTooManyRequests:
		return retry.WithKind(retry.KindTransient, fmt.Errorf("rate limited: %w", err))
	case status == http.StatusRequestTimeout, status >= 500:
		return retry.WithKind(retry.KindTransient, fmt.Errorf("unavailable: %w", err))
	default:
		return err
	}
}

var _ Store = (*CouchStore)(nil)
