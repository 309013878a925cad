package etcdsource

import (
	"context"
	"testing"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"
	"go.shardkv.dev/core/allocator/allocatortest"
	"go.shardkv.dev/core/etcdtest"
	pb "go.shardkv.dev/core/protocol"
	gc "gopkg.in/check.v1"
)

type AnnounceSuite struct{}

func (s *AnnounceSuite) TestAnnounceUpdateAndExpire(c *gc.C) {
	var ctx, client = context.Background(), etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var session, err = concurrency.NewSession(client, concurrency.WithTTL(5))
	c.Assert(err, gc.IsNil)

	var node = allocatortest.Node(1, 4)
	a, err := Announce(ctx, client, "/root", node, session.Lease())
	c.Assert(err, gc.IsNil)
	c.Check(a.Key, gc.Equals, "/root/nodes/00000000000000000001")

	node.Addr = "node-1:8080"
	c.Check(a.Update(ctx, node), gc.IsNil)

	// The node is observed by a Source, with its update.
	var src = NewSource(client, "/root")
	c.Assert(src.RefreshAll(ctx), gc.IsNil)
	c.Check(src.Nodes(), gc.DeepEquals, []pb.NodeDesc{node})

	// Another node's descriptor can't update the announcement.
	c.Check(a.Update(ctx, allocatortest.Node(2, 4)), gc.ErrorMatches,
		`node 2 doesn't match announced key /root/nodes/00000000000000000001`)
	// Nor can an invalid one.
	c.Check(a.Update(ctx, pb.NodeDesc{ID: 1, Addr: "no port"}), gc.ErrorMatches,
		`Addr: address contains whitespace .*`)

	// Closing the session revokes its lease, and the node leaves.
	c.Check(session.Close(), gc.IsNil)
	c.Assert(src.RefreshAll(ctx), gc.IsNil)
	c.Check(src.Nodes(), gc.HasLen, 0)

	c.Check(a.Update(ctx, node), gc.ErrorMatches,
		`node key modified or deleted externally \(expected revision \d+\)`)
}

func (s *AnnounceSuite) TestAnnounceConflict(c *gc.C) {
	var ctx, client = context.Background(), etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var session1, err = concurrency.NewSession(client, concurrency.WithTTL(5))
	c.Assert(err, gc.IsNil)

	_, err = Announce(ctx, client, "/root", allocatortest.Node(1, 1), session1.Lease())
	c.Assert(err, gc.IsNil)

	defer func(d time.Duration) {
		announceConflictRetryInterval = d
	}(announceConflictRetryInterval)
	announceConflictRetryInterval = time.Millisecond

	session2, err := concurrency.NewSession(client, concurrency.WithTTL(5))
	c.Assert(err, gc.IsNil)
	defer session2.Close()

	// A cancelled context aborts a conflicted announcement.
	var cancelled, cancel = context.WithCancel(ctx)
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err = Announce(cancelled, client, "/root", allocatortest.Node(1, 2), session2.Lease())
	c.Check(err, gc.Equals, context.Canceled)

	// Expect that Announce retries until the prior lease is revoked,
	// and it can announce its descriptor.
	time.AfterFunc(10*time.Millisecond, func() {
		c.Check(session1.Close(), gc.IsNil)
	})
	_, err = Announce(ctx, client, "/root", allocatortest.Node(1, 2), session2.Lease())
	c.Assert(err, gc.IsNil)

	var src = NewSource(client, "/root")
	c.Assert(src.RefreshAll(ctx), gc.IsNil)
	c.Check(src.Nodes(), gc.DeepEquals, []pb.NodeDesc{allocatortest.Node(1, 2)})
}

func (s *AnnounceSuite) TestAnnounceIdempotency(c *gc.C) {
	var ctx, client = context.Background(), etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var session, err = concurrency.NewSession(client, concurrency.WithTTL(5))
	c.Assert(err, gc.IsNil)
	defer session.Close()

	a1, err := Announce(ctx, client, "/root", allocatortest.Node(3, 1), session.Lease())
	c.Assert(err, gc.IsNil)
	a2, err := Announce(ctx, client, "/root", allocatortest.Node(3, 1), session.Lease())
	c.Assert(err, gc.IsNil)

	c.Check(a1.Revision, gc.Equals, a2.Revision)
}

func (s *AnnounceSuite) TestAnnounceValidatesNode(c *gc.C) {
	var _, err = Announce(context.Background(), etcdtest.TestClient(), "/root", pb.NodeDesc{}, 0)
	c.Check(err, gc.ErrorMatches, "expected ID")
	etcdtest.Cleanup()
}

var _ = gc.Suite(&AnnounceSuite{})

func TestAnnounce(t *testing.T) { gc.TestingT(t) }
