package registry

import "github.com/hashicorp/go-memdb"

const (
	streamsTable = "streams"
	idIndex      = "id"     // index for looking up streams by id
	activeIndex  = "active" // index for iterating over active or inactive streams in id order
)

// registrySchema creates the database schema.
// This is a single "streams" table keyed by stream id with a secondary index on the active flag.
func registrySchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	indexes[activeIndex] = &memdb.IndexSchema{
		Name:    activeIndex,
		Unique:  false,
		Indexer: &memdb.BoolFieldIndex{Field: "Active"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			streamsTable: {
				Name:    streamsTable,
				Indexes: indexes,
			},
		},
	}
}
