// Package server implements an embeddable FTP/FTPS server.
//
// # Overview
//
// The server accepts client control connections, authenticates users
// through a pluggable Authenticator, optionally upgrades the control and
// data channels to TLS (RFC 4217, including the CCC downgrade), and
// mediates file transfers against a pluggable StorageBackend. It also
// speaks the HAProxy PROXY protocol (v1 and v2), so a single listening
// port behind a load balancer can carry both control and data
// connections.
//
// # Getting started
//
// Serve a local directory with anonymous access:
//
//	backend, err := server.NewFSBackend("/srv/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := server.NewServer(":2121",
//	    server.WithBackend(func() server.StorageBackend { return backend }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// # FTPS
//
// Pass a tls.Config to enable AUTH TLS and PROT P:
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":2121",
//	    server.WithBackend(factory),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
//
// # PROXY protocol mode
//
// Behind haproxy or nginx, enable PROXY mode with the externally visible
// control port. The server then expects every incoming connection to
// start with a PROXY header and dispatches it by original destination
// port: the control port starts a session, ports in the passive range are
// matched to the session that reserved them, anything else is dropped.
//
//	s, _ := server.NewServer(":8021",
//	    server.WithBackend(factory),
//	    server.WithProxyProtocol(2121),
//	    server.WithPassivePorts(50000, 50100),
//	)
//
// # Custom backends
//
// Implement StorageBackend to serve files from object stores, databases
// or memory, and Authenticator to validate credentials against any
// directory. The filesystem backend and the anonymous authenticator in
// this package are reference implementations.
package server
