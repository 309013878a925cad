package keyspace

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.shardkv.dev/core/etcdtest"
	gc "gopkg.in/check.v1"
)

type KeySpaceSuite struct{}

func (s *KeySpaceSuite) TestLoadDecodesAndSkipsInvalid(c *gc.C) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	for k, v := range map[string]string{
		"/root/a":   "1",
		"/root/b":   "2",
		"/root/bad": "not a number",
		"/root/c/d": "3",
		"/other/f":  "5",
	} {
		var _, err = client.Put(ctx, k, v)
		c.Assert(err, gc.IsNil)
	}

	var ks = NewKeySpace("/root", decodeInt)
	var calls int
	ks.Observers = append(ks.Observers, func() { calls++ })

	c.Check(ks.Load(ctx, client, 0), gc.IsNil)
	c.Check(calls, gc.Equals, 1)

	var hdr, kvs, errs = loaded(ks)
	c.Check(hdr.Revision > 0, gc.Equals, true)
	c.Check(keysOf(kvs), gc.DeepEquals, []string{"/root/a", "/root/b", "/root/c/d"})
	c.Check(valuesOf(kvs), gc.DeepEquals, []int{1, 2, 3})
	c.Assert(errs, gc.HasLen, 1)
	c.Check(errs[0], gc.ErrorMatches, `decoding /root/bad: not an int`)

	// A later Load swaps in new KeyValues, leaving the prior ones intact.
	var _, err = client.Delete(ctx, "/root/a")
	c.Assert(err, gc.IsNil)
	_, err = client.Delete(ctx, "/root/bad")
	c.Assert(err, gc.IsNil)
	_, err = client.Put(ctx, "/root/b", "20")
	c.Assert(err, gc.IsNil)

	c.Check(ks.Load(ctx, client, 0), gc.IsNil)
	c.Check(calls, gc.Equals, 2)

	hdr2, kvs2, errs := loaded(ks)
	c.Check(errs, gc.HasLen, 0)
	c.Check(hdr2.Revision > hdr.Revision, gc.Equals, true)
	c.Check(keysOf(kvs2), gc.DeepEquals, []string{"/root/b", "/root/c/d"})
	c.Check(valuesOf(kvs2), gc.DeepEquals, []int{20, 3})
	c.Check(valuesOf(kvs), gc.DeepEquals, []int{1, 2, 3})
	c.Check(kvs.EqualKeyRevisions(kvs2), gc.Equals, false)

	// The KeySpace revision may not regress.
	c.Check(ks.Load(ctx, client, hdr.Revision), gc.ErrorMatches, `etcd Revision mismatch .*`)

	// Loading an unchanged KeySpace yields equal key revisions.
	c.Check(ks.Load(ctx, client, 0), gc.IsNil)
	var _, kvs3, _ = loaded(ks)
	c.Check(kvs2.EqualKeyRevisions(kvs3), gc.Equals, true)
}

func (s *KeySpaceSuite) TestLoadOfEmptyPrefix(c *gc.C) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var ks = NewKeySpace("/missing", decodeInt)
	c.Check(ks.Load(ctx, client, 0), gc.IsNil)

	var hdr, kvs, errs = loaded(ks)
	c.Check(hdr.Revision > 0, gc.Equals, true)
	c.Check(kvs, gc.HasLen, 0)
	c.Check(errs, gc.HasLen, 0)
}

func (s *KeySpaceSuite) TestLoadWithCancelledContext(c *gc.C) {
	var client = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var ks = NewKeySpace("/root", decodeInt)
	c.Check(ks.Load(ctx, client, 0), gc.NotNil)
}

func (s *KeySpaceSuite) TestPrefixMustBeClean(c *gc.C) {
	c.Check(func() { NewKeySpace("/root/", decodeInt) }, gc.PanicMatches,
		`expected prefix to be a cleaned path \(/root != /root/\)`)
	c.Check(func() { NewKeySpace("/root//a", decodeInt) }, gc.PanicMatches, `expected prefix .*`)
}

func (s *KeySpaceSuite) TestPatchHeader(c *gc.C) {
	var h = hdr(0, 0)
	c.Check(patchHeader(&h, hdr(8, 100)), gc.IsNil)
	c.Check(h.Revision, gc.Equals, int64(100))

	c.Check(patchHeader(&h, hdr(9, 100)), gc.ErrorMatches,
		`etcd ClusterID mismatch \(expected 8, got 9\)`)
	c.Check(patchHeader(&h, hdr(8, 99)), gc.ErrorMatches,
		`etcd Revision mismatch \(expected >= 100, got 99\)`)
	c.Check(patchHeader(&h, hdr(8, 101)), gc.IsNil)
	c.Check(h.Revision, gc.Equals, int64(101))
}

func loaded(ks *KeySpace) (etcdserverpb.ResponseHeader, KeyValues, []error) {
	ks.Mu.RLock()
	defer ks.Mu.RUnlock()
	return ks.Header, ks.KeyValues, ks.DecodeErrors
}

func decodeInt(raw *mvccpb.KeyValue) (interface{}, error) {
	var n, err = strconv.Atoi(string(raw.Value))
	if err != nil {
		return nil, errors.New("not an int")
	}
	return n, nil
}

func keysOf(kvs KeyValues) (out []string) {
	for _, kv := range kvs {
		out = append(out, string(kv.Raw.Key))
	}
	return
}

func valuesOf(kvs KeyValues) (out []int) {
	for _, kv := range kvs {
		out = append(out, kv.Decoded.(int))
	}
	return
}

var _ = gc.Suite(&KeySpaceSuite{})

func Test(t *testing.T) { gc.TestingT(t) }

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
