// Package schema turns subscription declarations into the encoding and
// schema advertised on a visualization channel.
package schema

import (
	"fmt"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
)

// Encodings advertised to viewers.
const (
	EncodingProtobuf       = "protobuf"
	EncodingJSON           = "json"
	SchemaEncodingProtobuf = "protobuf"
	SchemaEncodingJSON     = "jsonschema"
)

// ResolvedSchema describes what a channel advertises.
type ResolvedSchema struct {
	Encoding       string
	SchemaEncoding string
	// Name is the fully-qualified message name for protobuf schemas. JSON
	// schemas leave it empty; the subscription's type name is used instead.
	Name   string
	Schema []byte
}

// Resolver resolves schemas against a descriptor pool and a JSON schema
// table. Both are read-only, so a Resolver is safe for concurrent use.
type Resolver struct {
	pool  *Pool
	table JSONSchemaTable
}

// NewResolver wires a resolver. A nil pool resolves no protobuf types.
func NewResolver(pool *Pool, table JSONSchemaTable) *Resolver {
	return &Resolver{pool: pool, table: table}
}

// ResolveStructured looks up a protobuf message by fully-qualified name. The
// schema is the serialized FileDescriptorSet of the entire pool, so repeated
// calls return identical bytes.
func (r *Resolver) ResolveStructured(typeName string) (ResolvedSchema, error) {
	if typeName == "" {
		return ResolvedSchema{}, errspkg.ErrTypeNameRequired
	}
	if r.pool == nil {
		return ResolvedSchema{}, fmt.Errorf("%w: %s", errspkg.ErrDescriptorNotFound, typeName)
	}
	md, err := r.pool.FindMessage(typeName)
	if err != nil {
		return ResolvedSchema{}, err
	}
	return ResolvedSchema{
		Encoding:       EncodingProtobuf,
		SchemaEncoding: SchemaEncodingProtobuf,
		Name:           string(md.FullName()),
		Schema:         r.pool.FileDescriptorSet(),
	}, nil
}

// ResolveJSON returns the named JSON schema, or the built-in generic object
// schema when schemaName is empty, whatever table the resolver holds. An
// unknown name is an error; the bridge never guesses a schema.
func (r *Resolver) ResolveJSON(schemaName string) (ResolvedSchema, error) {
	table := r.table
	if schemaName == "" {
		schemaName = GenericJSON
		table = DefaultJSONSchemas()
	}
	text, ok := table.Lookup(schemaName)
	if !ok {
		return ResolvedSchema{}, fmt.Errorf("%w: %s", errspkg.ErrSchemaNotFound, schemaName)
	}
	return ResolvedSchema{
		Encoding:       EncodingJSON,
		SchemaEncoding: SchemaEncodingJSON,
		Schema:         text,
	}, nil
}
