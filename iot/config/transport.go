package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotdevice/helpers"
)

const (
	DefaultKeepalive      = 60 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

func (t *TransportConfig) Keepalive() time.Duration {
	return helpers.IntSecondDefault(t.KeepaliveSec, DefaultKeepalive)
}

func (t *TransportConfig) ReconnectDelay() time.Duration {
	return helpers.IntSecondDefault(t.ReconnectDelaySec, DefaultReconnectDelay)
}

// TLSConfig returns nil without tls_ca_file, transport then follows broker URL scheme.
func (t *TransportConfig) TLSConfig() (*tls.Config, error) {
	if t.TLSCAFile == "" {
		return nil, nil
	}
	cabytes, err := ioutil.ReadFile(t.TLSCAFile)
	if err != nil {
		return nil, errors.Annotatef(err, "transport tls_ca_file=%s", t.TLSCAFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("transport tls_ca_file=%s no certificates", t.TLSCAFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
