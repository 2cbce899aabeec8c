package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
	coapNet "github.com/plgd-dev/go-coap-exchange/net"
	"github.com/plgd-dev/go-coap-exchange/options"
	"github.com/plgd-dev/go-coap-exchange/options/config"
	"github.com/spf13/cobra"
)

const (
	transportUDP  = "udp"
	transportTCP  = "tcp"
	transportDTLS = "dtls"
)

type globalFlags struct {
	transport   string
	addr        string
	envPrefix   string
	timeout     time.Duration
	logLevel    string
	pskIdentity string
	psk         string
}

var logLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

func commands() *cobra.Command {
	f := &globalFlags{}
	root := &cobra.Command{
		Use:          "coapctl",
		Short:        "coapctl exchanges CoAP messages with a remote endpoint",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := logLevels[f.logLevel]; !ok {
				return fmt.Errorf("unknown log level %q", f.logLevel)
			}
			switch f.transport {
			case transportUDP, transportTCP, transportDTLS:
				return nil
			}
			return fmt.Errorf("unknown transport %q", f.transport)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.transport, "transport", "t", transportUDP, "transport to use: udp, tcp or dtls")
	pf.StringVarP(&f.addr, "addr", "a", "localhost:5683", "address of the remote endpoint")
	pf.StringVar(&f.envPrefix, "env-prefix", "COAP_", "prefix of the environment variables with engine settings")
	pf.DurationVar(&f.timeout, "timeout", 2*time.Minute, "timeout of a request")
	pf.StringVarP(&f.logLevel, "loglevel", "l", "warn", "log level to use")
	pf.StringVar(&f.pskIdentity, "psk-identity", "", "DTLS pre-shared key identity")
	pf.StringVar(&f.psk, "psk", "", "DTLS pre-shared key")

	root.AddCommand(getCmd(f))
	root.AddCommand(sendCmd(f, "put"))
	root.AddCommand(sendCmd(f, "post"))
	root.AddCommand(deleteCmd(f))
	root.AddCommand(serveCmd(f))
	return root
}

func (f *globalFlags) loggerFactory() logging.LoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	factory.Writer = os.Stderr
	factory.DefaultLogLevel = logLevels[f.logLevel]
	return factory
}

// options returns the engine configuration loaded from the environment.
func (f *globalFlags) options(extra ...options.Option) ([]options.Option, error) {
	cfg, err := config.FromEnv(f.envPrefix)
	if err != nil {
		return nil, err
	}
	opts := []options.Option{
		options.WithConfig(cfg),
		options.WithLoggerFactory(f.loggerFactory()),
	}
	return append(opts, extra...), nil
}

func (f *globalFlags) dtlsConfig() *dtls.Config {
	return &dtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return []byte(f.psk), nil
		},
		PSKIdentityHint: []byte(f.pskIdentity),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		LoggerFactory:   f.loggerFactory(),
	}
}

func (f *globalFlags) dial(ctx context.Context) (coapNet.Socket, error) {
	switch f.transport {
	case transportTCP:
		s, err := coapNet.DialTCP(ctx, "tcp", f.addr)
		if err != nil {
			return nil, err
		}
		return s, nil
	case transportDTLS:
		s, err := coapNet.DialDTLS(ctx, "udp", f.addr, f.dtlsConfig())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := coapNet.DialUDP(ctx, "udp", f.addr)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// splitURI splits "/a/b?x=1&y" into the path and its queries.
func splitURI(uri string) (string, []string) {
	path, query, found := strings.Cut(uri, "?")
	if !found || query == "" {
		return path, nil
	}
	return path, strings.Split(query, "&")
}
