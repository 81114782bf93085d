package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithBackend sets the storage backend factory. The factory is invoked
// once per session, letting backends hand out per-session state; shared
// backends can return the same handle every time.
//
// This option is required.
//
// Example:
//
//	backend, _ := server.NewFSBackend("/srv/ftp")
//	s, _ := server.NewServer(":2121",
//	    server.WithBackend(func() server.StorageBackend { return backend }),
//	)
func WithBackend(factory BackendFactory) Option {
	return func(s *Server) error {
		if s.backendFactory != nil {
			return fmt.Errorf("storage backend already set")
		}
		s.backendFactory = factory
		return nil
	}
}

// WithAuthenticator sets the credential validator. If not specified,
// anonymous access is allowed.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) error {
		s.authenticator = a
		return nil
	}
}

// WithTLS enables FTPS (AUTH TLS on the control channel, PROT P on data
// channels) with the provided configuration.
//
// Example:
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":2121",
//	    server.WithBackend(factory),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithLogger sets a custom logger. If not specified, slog.Default() is
// used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithGreeting sets the 220 banner text sent on connection.
func WithGreeting(text string) Option {
	return func(s *Server) error {
		s.greeting = text
		return nil
	}
}

// WithSystemName sets the system type returned by SYST. Defaults to
// "UNIX Type: L8".
func WithSystemName(name string) Option {
	return func(s *Server) error {
		s.systemName = name
		return nil
	}
}

// WithIdleTimeout sets how long a session may sit idle before the server
// sends a 421 and closes it. Defaults to 600 seconds.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("idle timeout must be positive")
		}
		s.idleTimeout = d
		return nil
	}
}

// WithPassivePorts sets the half-open port range [lo, hi) the server may
// use for passive data connections. Defaults to [49152, 65535).
func WithPassivePorts(lo, hi uint16) Option {
	return func(s *Server) error {
		if lo >= hi {
			return fmt.Errorf("invalid passive port range [%d, %d)", lo, hi)
		}
		s.pasvMinPort = lo
		s.pasvMaxPort = hi
		return nil
	}
}

// WithPublicHost sets the IPv4 address advertised in normal-mode PASV
// replies. Required when the server sits behind NAT. Ignored in PROXY
// mode, where the PROXY header supplies the external address.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithProxyProtocol enables HAProxy PROXY protocol mode.
//
// In this mode the server binds a single port and expects every incoming
// TCP connection to open with a PROXY v1 or v2 header. Connections whose
// original destination port equals externalControlPort become control
// connections; connections destined for the passive port range are data
// connections and are matched to the session that reserved the port;
// everything else is dropped.
//
// Configure the load balancer to forward both the external control port
// and the whole passive range to the server's single listening port with
// PROXY protocol encoding enabled.
func WithProxyProtocol(externalControlPort uint16) Option {
	return func(s *Server) error {
		if externalControlPort == 0 {
			return fmt.Errorf("external control port must be non-zero")
		}
		s.externalControlPort = externalControlPort
		return nil
	}
}

// WithMetricsCollector sets an optional metrics sink. See NewPromCollector
// for a Prometheus-backed implementation.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = collector
		return nil
	}
}

// WithMaxConnections sets the global and per-IP simultaneous connection
// limits. Zero disables a limit. Rejected connections receive a 421.
func WithMaxConnections(max, maxPerIP int) Option {
	return func(s *Server) error {
		s.maxConnections = max
		s.maxConnectionsPerIP = maxPerIP
		return nil
	}
}

// WithBandwidthLimit sets data-channel bandwidth limits in bytes per
// second: global across all sessions, and per session. Zero disables a
// limit; when both are set the most restrictive wins.
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		s.bandwidthLimitGlobal = global
		s.bandwidthLimitPerSession = perSession
		return nil
	}
}

// WithClock overrides the clock used for switchboard entry expiry.
// Intended for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) error {
		s.clock = clock
		return nil
	}
}
