package keyspace

import (
	"bytes"
	"sort"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyValue is an Etcd key/value paired with its decoded representation.
type KeyValue struct {
	Raw     mvccpb.KeyValue
	Decoded interface{}
}

// KeyValueDecoder maps a raw Etcd KeyValue to its decoded representation,
// or returns an error. Values which fail to decode are logged and left out
// of a loaded KeySpace, until they're corrected.
type KeyValueDecoder func(raw *mvccpb.KeyValue) (interface{}, error)

// KeyValues are ordered on key, ascending.
type KeyValues []KeyValue

// Search returns the index of |key|, and whether it was found. If it wasn't,
// the index is where |key| would be inserted.
func (kvs KeyValues) Search(key string) (int, bool) {
	var ind = sort.Search(len(kvs), func(i int) bool {
		return string(kvs[i].Raw.Key) >= key
	})
	return ind, ind < len(kvs) && string(kvs[ind].Raw.Key) == key
}

// Get returns the KeyValue of |key|, if present.
func (kvs KeyValues) Get(key string) (KeyValue, bool) {
	if ind, ok := kvs.Search(key); ok {
		return kvs[ind], true
	}
	return KeyValue{}, false
}

// Prefixed returns the sub-slice of KeyValues having keys which begin with |prefix|.
func (kvs KeyValues) Prefixed(prefix string) KeyValues {
	var begin, _ = kvs.Search(prefix)
	var end, _ = kvs.Search(clientv3.GetPrefixRangeEnd(prefix))

	if begin == end {
		return nil
	}
	return kvs[begin:end]
}

// EqualKeyRevisions is true if |other| has the same keys as this KeyValues,
// each at the same ModRevision. Decoded values are then equal as well.
func (kvs KeyValues) EqualKeyRevisions(other KeyValues) bool {
	if len(kvs) != len(other) {
		return false
	}
	for i := range kvs {
		var a, b = &kvs[i].Raw, &other[i].Raw

		if a.ModRevision != b.ModRevision || !bytes.Equal(a.Key, b.Key) {
			return false
		}
	}
	return true
}

// DecodedAs returns the Decoded values of |kvs|, which must each be a T.
func DecodedAs[T any](kvs KeyValues) []T {
	var out = make([]T, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Decoded.(T))
	}
	return out
}

// appendKeyValue decodes |raw| and appends it to |kvs|. |raw| must order
// after every key of |kvs|, or appendKeyValue panics.
func appendKeyValue(kvs KeyValues, decode KeyValueDecoder, raw *mvccpb.KeyValue) (KeyValues, error) {
	if n := len(kvs); n != 0 && bytes.Compare(kvs[n-1].Raw.Key, raw.Key) >= 0 {
		panic("invalid key ordering")
	}
	var decoded, err = decode(raw)
	if err != nil {
		return kvs, err
	}
	return append(kvs, KeyValue{Raw: *raw, Decoded: decoded}), nil
}
