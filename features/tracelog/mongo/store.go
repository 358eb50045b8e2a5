// Package mongo wires the tracelog.Store interface to the MongoDB client.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a tracelog.Store that archives routed envelopes per trace.
package mongo

import (
	"context"
	"errors"

	"goa.design/calf/features/tracelog"
	clientsmongo "goa.design/calf/features/tracelog/mongo/clients/mongo"
)

// Store implements tracelog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ tracelog.Store = (*Store)(nil)

// NewStore builds a Mongo-backed trace archive using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements tracelog.Store.
func (s *Store) Append(ctx context.Context, e *tracelog.Entry) error {
	return s.client.Append(ctx, e)
}
