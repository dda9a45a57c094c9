// Support sub-commands in iotdevice application.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/iotdevice/device"
	"github.com/temoto/iotdevice/internal/deadletter"
	"github.com/temoto/iotdevice/internal/metrics"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/amqp"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/iot/mqtt"
	"github.com/temoto/iotdevice/iot/paho"
	"github.com/temoto/iotdevice/log2"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(ctx context.Context, config *config.Config, log *log2.Log, args []string) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown command='%s'", command)
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// NewTransport selects transport by transport.protocol config.
func NewTransport(cfg *config.Config, log *log2.Log) (iot.Transport, error) {
	switch iot.Protocol(cfg.Transport.Protocol) {
	case iot.ProtocolMQTT, "":
		return mqtt.NewTransport(cfg, log), nil
	case iot.ProtocolPaho:
		return paho.NewTransport(cfg, log), nil
	case iot.ProtocolAMQP:
		return amqp.NewTransport(cfg, log), nil
	case iot.ProtocolMock:
		return iot.NewMockTransport(0), nil
	}
	return nil, errors.NotSupportedf("transport.protocol=%s", cfg.Transport.Protocol)
}

// Runtime is registry with optional dead letter store and metrics endpoint.
type Runtime struct {
	Registry   *device.Registry
	DeadLetter *deadletter.Store
	Collector  *metrics.Collector

	log    *log2.Log
	server *http.Server
}

func NewRuntime(cfg *config.Config, log *log2.Log) (*Runtime, error) {
	rt := &Runtime{log: log}
	var opts []device.Option
	if cfg.DeadLetterPath != "" {
		store, err := deadletter.Open(cfg.DeadLetterPath, log)
		if err != nil {
			return nil, errors.Annotate(err, "dead letter")
		}
		rt.DeadLetter = store
		opts = append(opts, device.WithDeadLetter(store))
	}
	rt.Registry = device.NewRegistry(cfg, log, opts...)
	rt.Collector = metrics.New(rt.Registry)
	log.SetErrorFunc(rt.Collector.ObserveError)

	if cfg.MetricsListen != "" {
		promreg := prometheus.NewRegistry()
		promreg.MustRegister(rt.Collector, collectors.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promreg, promhttp.HandlerOpts{}))
		rt.server = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := rt.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics listen=%s err=%v", cfg.MetricsListen, err)
			}
		}()
		log.Debugf("metrics on http://%s/metrics", cfg.MetricsListen)
	}
	return rt, nil
}

// Close closes all sessions, reports whether every message was delivered.
func (rt *Runtime) Close(ctx context.Context) bool {
	ok := rt.Registry.CloseAll()
	if rt.server != nil {
		if err := rt.server.Shutdown(ctx); err != nil {
			rt.log.Errorf("metrics shutdown err=%v", err)
		}
	}
	if rt.DeadLetter != nil {
		if err := rt.DeadLetter.Close(); err != nil {
			rt.log.Errorf("dead letter close err=%v", err)
		}
	}
	return ok
}
