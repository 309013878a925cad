// Package keyspace implements a decoded, sorted mirror of an Etcd key prefix,
// loaded at a single revision. Clients supply a KeyValueDecoder which maps
// raw values into domain types, and read the resulting KeyValues through
// Search, Range, and Prefixed.
package keyspace
