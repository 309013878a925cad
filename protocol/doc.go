// Package protocol defines the descriptors of cluster topology shared by the
// metadata authority, storage nodes, and the allocator: nodes, replica groups,
// their replicas, and the shards groups own. Descriptors are plain Go structs
// with JSON and YAML encodings, and each implements Validator.
package protocol
