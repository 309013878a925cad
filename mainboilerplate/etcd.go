package mainboilerplate

import (
	"context"
	"crypto/tls"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the application Etcd session.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	Root          string        `long:"root" env:"ROOT" default:"/shardkv" description:"Etcd prefix of cluster metadata"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	DialTimeout   time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"5s" description:"Timeout of dialing Etcd"`
}

// MustDial builds an Etcd client connection.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var tlsConfig *tls.Config

	if c.CertFile != "" || c.TrustedCAFile != "" {
		var err error
		tlsConfig, err = transport.TLSInfo{
			CertFile:      c.CertFile,
			KeyFile:       c.CertKeyFile,
			TrustedCAFile: c.TrustedCAFile,
		}.ClientConfig()
		Must(err, "failed to build TLS config")
	}

	// Dialing may block if we're partitioned or mis-configured. There's
	// nothing actionable to do aside from wait, but let the user know.
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", c.Address).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	defer timer.Stop()

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints: []string{c.Address},
		// Automatically and periodically sync the set of Etcd servers.
		// If a network split occurs, this allows for attempting different
		// members until a connectable one is found on our "side" of the network
		// partition.
		AutoSyncInterval:     time.Minute,
		DialTimeout:          c.DialTimeout,
		DialKeepAliveTime:    c.DialTimeout,
		DialKeepAliveTimeout: c.DialTimeout,
		// Require a reasonably recent server cluster.
		RejectOldCluster: true,
		TLS:              tlsConfig,
	})
	Must(err, "failed to build Etcd client")

	var ctx, cancel = context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()

	Must(etcd.Sync(ctx), "initial Etcd endpoint sync failed")
	return etcd
}
