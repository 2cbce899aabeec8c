package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	coap "github.com/plgd-dev/go-coap-exchange"
	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	coapNet "github.com/plgd-dev/go-coap-exchange/net"
	"github.com/plgd-dev/go-coap-exchange/options"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/fn"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	metricsAddr string
	heartBeat   time.Duration
}

// resources is an in-memory store of representations keyed by path.
type resources struct {
	mutex sync.Mutex
	data  map[string]resource
}

type resource struct {
	contentFormat message.MediaType
	hasFormat     bool
	body          []byte
}

func newResources() *resources {
	return &resources{data: make(map[string]resource)}
}

func (s *resources) serve(rc *coap.StreamingRequestContext, req *message.Message, body *coap.BodyReader) error {
	path, err := req.Options.Path()
	if err != nil {
		return err
	}
	switch req.Code {
	case codes.GET:
		s.mutex.Lock()
		r, ok := s.data[path]
		s.mutex.Unlock()
		if !ok {
			_, err = rc.SetupResponse(codes.NotFound, nil)
			return err
		}
		var opts message.Options
		if r.hasFormat {
			opts = opts.SetContentFormat(r.contentFormat)
		}
		w, err := rc.SetupResponse(codes.Content, opts)
		if err != nil {
			return err
		}
		_, err = w.Write(r.body)
		return err
	case codes.PUT, codes.POST:
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		r := resource{body: data}
		if cf, err := req.Options.ContentFormat(); err == nil {
			r.contentFormat = cf
			r.hasFormat = true
		}
		s.mutex.Lock()
		_, exists := s.data[path]
		s.data[path] = r
		s.mutex.Unlock()
		code := codes.Changed
		if !exists {
			code = codes.Created
		}
		_, err = rc.SetupResponse(code, nil)
		return err
	case codes.DELETE:
		s.mutex.Lock()
		delete(s.data, path)
		s.mutex.Unlock()
		_, err = rc.SetupResponse(codes.Deleted, nil)
		return err
	}
	_, err = rc.SetupResponse(codes.MethodNotAllowed, nil)
	return err
}

func serveCmd(f *globalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory resource store over TCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.transport != transportTCP {
				return fmt.Errorf("serve supports only the %v transport", transportTCP)
			}
			return serve(cmd.Context(), f, sf)
		},
	}
	cmd.Flags().StringVar(&sf.metricsAddr, "metrics-addr", "", "address of the prometheus metrics endpoint, disabled when empty")
	cmd.Flags().DurationVar(&sf.heartBeat, "heartbeat", time.Millisecond*200, "period of checking for shutdown while accepting connections")
	return cmd
}

func serve(ctx context.Context, f *globalFlags, sf *serveFlags) error {
	log := f.loggerFactory().NewLogger("coapctl")
	reg := prometheus.NewRegistry()
	opts, err := f.options(options.WithMetrics(metrics.New("coapctl", reg)))
	if err != nil {
		return err
	}
	l, err := coapNet.NewTCPListener("tcp", f.addr, sf.heartBeat)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Close()
	}()
	log.Infof("serving on %v", l.Addr())

	store := newResources()
	g, ctx := errgroup.WithContext(ctx)
	if sf.metricsAddr != "" {
		srv := &http.Server{
			Addr:              sf.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		for {
			sock, err := l.Accept(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, coapNet.ErrListenerIsClosed) {
					return nil
				}
				return err
			}
			g.Go(func() error {
				serveConn(ctx, log, sock, opts, store)
				return nil
			})
		}
	})
	return g.Wait()
}

func serveConn(ctx context.Context, log logging.LeveledLogger, sock *coapNet.StreamSocket, opts []options.Option, store *resources) {
	c := coap.New(sock, opts...)
	var release fn.FuncList
	defer func() {
		release.Execute()
	}()
	release.Add(func() {
		_ = c.Close()
	})
	// unblocks a pending receive on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = sock.Close()
	})
	release.Add(func() {
		stop()
	})
	log.Debugf("connection from %v", c.Peer())
	for ctx.Err() == nil {
		err := c.StreamingHandleIncomingPacket(store.serve)
		var exchangeErr *coapErrors.ExchangeError
		switch {
		case err == nil, errors.Is(err, coapErrors.ErrReceiveTimedOut):
		case errors.As(err, &exchangeErr):
			log.Debugf("%v: %v", c.Peer(), err)
		default:
			if !errors.Is(err, coapErrors.ErrConnectionClosed) && !errors.Is(err, coapErrors.ErrContextClosed) {
				log.Warnf("%v: %v", c.Peer(), err)
			}
			return
		}
	}
}
