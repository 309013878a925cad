// Package etcdtest provides test support for obtaining a client to an
// in-process Etcd server.
package etcdtest

import (
	"context"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

// TestClient returns a client of the embedded Etcd test server. It asserts that
// the Etcd keyspace is empty before returning to the client. In other words,
// it asserts that the prior test cleaned up after itself.
func TestClient() *clientv3.Client {
	var resp, err = _etcdClient.Get(context.Background(), "", clientv3.WithPrefix(), clientv3.WithLimit(5))
	if err != nil {
		log.Fatal(err)
	} else if len(resp.Kvs) != 0 {
		log.Fatalf("etcd not empty; did a previous test not clean up?\n%+v", resp)
	}
	return _etcdClient
}

// Cleanup is called at the completion of each test using TestClient,
// to remove any remaining key/value fixtures in the Etcd store.
func Cleanup() {
	if _, err := _etcdClient.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
		log.Fatal(err)
	}
}

var (
	_etcd       *embed.Etcd
	_etcdClient *clientv3.Client
)

// TestMainWithEtcd is to be called by other packages which require
// functionality of the etcdtest package, before those tests run, as:
//
//	func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
//
// This TestMain function is automatically invoked by the `go test`
// tool, providing an opportunity to start the embedded Etcd server
// prior to test invocations.
func TestMainWithEtcd(m *testing.M) {
	var dir, err = os.MkdirTemp("", "etcdtest")
	if err != nil {
		log.Fatal(err)
	}

	var cfg = embed.NewConfig()
	cfg.Dir = dir
	cfg.LogLevel = "error"
	cfg.Logger = "zap"

	// Listen on ephemeral loopback ports.
	var loopback = url.URL{Scheme: "http", Host: "127.0.0.1:0"}
	cfg.ListenClientUrls = []url.URL{loopback}
	cfg.ListenPeerUrls = []url.URL{loopback}

	if _etcd, err = embed.StartEtcd(cfg); err != nil {
		_ = os.RemoveAll(dir)
		log.Fatal(err)
	}

	os.Exit(func() int {
		// Defer Etcd tear-down.
		defer func() {
			if _etcdClient != nil {
				_ = _etcdClient.Close()
			}
			_etcd.Close()

			if err = os.RemoveAll(dir); err != nil {
				log.Fatalf("failed to remove etcd tmp directory %v: %v", dir, err)
			}
		}()

		select {
		case <-_etcd.Server.ReadyNotify():
		case <-time.After(30 * time.Second):
			log.Fatal("etcd took too long to start")
		}

		// Build client.
		var ep = "http://" + _etcd.Clients[0].Addr().String()
		log.Println("using test endpoint: " + ep)

		if _etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{ep},
			DialTimeout: 5 * time.Second,
		}); err != nil {
			log.Fatal(err)
		}
		// Verify test client works.
		_ = TestClient()

		// Run tests.
		return m.Run()
	}())
}
