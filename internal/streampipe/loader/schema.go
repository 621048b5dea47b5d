package loader

import (
	"github.com/hashicorp/go-memdb"

	"github.com/pulto/streampipe/internal/streampipe/model"
)

const (
	requestsTable = "requests"
	idIndex       = "id"
	orderIndex    = "order"
)

// loadRequest is a chunk waiting to be dispatched.
// Rank is the negated priority, so that ascending index order is highest priority first.
type loadRequest struct {
	Serial   uint64
	Rank     int
	Priority int
	Chunk    *model.DataChunk
}

// queueSchema creates the database schema.
// This is a single "requests" table keyed by submission serial, with an index giving dispatch order.
func queueSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by submission serial
		Unique:  true,
		Indexer: &memdb.UintFieldIndex{Field: "Serial"},
	}
	indexes[orderIndex] = &memdb.IndexSchema{
		Name:   orderIndex, // dispatch order: highest priority first, then oldest submission
		Unique: true,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.IntFieldIndex{Field: "Rank"},
				&memdb.UintFieldIndex{Field: "Serial"},
			},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			requestsTable: {
				Name:    requestsTable,
				Indexes: indexes,
			},
		},
	}
}
