package keyspace

import (
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	gc "gopkg.in/check.v1"
)

type KeyValuesSuite struct{}

func (s *KeyValuesSuite) TestSearchAndPrefixed(c *gc.C) {
	var kvs = buildKeyValues(c, "/a", "/b/1", "/b/2", "/b/3", "/c")

	var ind, found = kvs.Search("/b/2")
	c.Check(ind, gc.Equals, 2)
	c.Check(found, gc.Equals, true)

	ind, found = kvs.Search("/b/25")
	c.Check(ind, gc.Equals, 3)
	c.Check(found, gc.Equals, false)

	ind, found = kvs.Search("/d")
	c.Check(ind, gc.Equals, 5)
	c.Check(found, gc.Equals, false)

	var kv, ok = kvs.Get("/b/3")
	c.Check(ok, gc.Equals, true)
	c.Check(string(kv.Raw.Key), gc.Equals, "/b/3")
	_, ok = kvs.Get("/b")
	c.Check(ok, gc.Equals, false)

	c.Check(keysOf(kvs.Prefixed("/b/")), gc.DeepEquals, []string{"/b/1", "/b/2", "/b/3"})
	c.Check(keysOf(kvs.Prefixed("/")), gc.HasLen, 5)
	c.Check(keysOf(kvs.Prefixed("/z")), gc.IsNil)
}

func (s *KeyValuesSuite) TestDecodedAs(c *gc.C) {
	var kvs = buildKeyValues(c, "/a", "/b/1", "/b/2")
	c.Check(DecodedAs[int](kvs.Prefixed("/b/")), gc.DeepEquals, []int{1, 1})
	c.Check(DecodedAs[int](kvs.Prefixed("/z")), gc.DeepEquals, []int{})
	c.Check(func() { DecodedAs[string](kvs) }, gc.PanicMatches, ".*interface conversion.*")
}

func (s *KeyValuesSuite) TestEqualKeyRevisions(c *gc.C) {
	var a = buildKeyValues(c, "/a", "/b")
	var b = buildKeyValues(c, "/a", "/b")
	c.Check(a.EqualKeyRevisions(b), gc.Equals, true)

	b[1].Raw.ModRevision++
	c.Check(a.EqualKeyRevisions(b), gc.Equals, false)
	c.Check(a.EqualKeyRevisions(buildKeyValues(c, "/a", "/c")), gc.Equals, false)
	c.Check(a.EqualKeyRevisions(a[:1]), gc.Equals, false)
}

func (s *KeyValuesSuite) TestAppendOrdering(c *gc.C) {
	var kvs = buildKeyValues(c, "/a", "/b")

	var _, err = appendKeyValue(kvs, decodeInt, &mvccpb.KeyValue{Key: []byte("/c"), Value: []byte("x")})
	c.Check(err, gc.ErrorMatches, "not an int")

	c.Check(func() {
		_, _ = appendKeyValue(kvs, decodeInt, &mvccpb.KeyValue{Key: []byte("/b"), Value: []byte("1")})
	}, gc.PanicMatches, "invalid key ordering")
}

func buildKeyValues(c *gc.C, keys ...string) KeyValues {
	var kvs KeyValues
	for i, k := range keys {
		var err error
		kvs, err = appendKeyValue(kvs, decodeInt, &mvccpb.KeyValue{
			Key:         []byte(k),
			Value:       []byte("1"),
			ModRevision: int64(i + 1),
		})
		c.Assert(err, gc.IsNil)
	}
	return kvs
}

func hdr(cluster uint64, rev int64) etcdserverpb.ResponseHeader {
	return etcdserverpb.ResponseHeader{ClusterId: cluster, Revision: rev}
}

var _ = gc.Suite(&KeyValuesSuite{})
