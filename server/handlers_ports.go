package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// handlePASV arms a passive data channel.
//
// In normal mode the handler binds a listener from the passive pool and
// answers 227 itself. In PROXY mode the listener task owns the port pool,
// so the handler enqueues a reservation request and returns an empty
// reply; the 227 arrives through the event bus.
func handlePASV(ctx *commandContext) (Reply, error) {
	s := ctx.session

	if s.server.proxyMode() {
		s.proxyAssignTx <- assignDataPortRequest{session: s, extended: false}
		return none, nil
	}

	ln, err := s.server.listenPassive()
	if err != nil {
		return newReply(425, "Can't open data connection."), nil
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ip := s.passiveIP()
	if ip == nil {
		ln.Close()
		return newReply(425, "Can't open data connection."), nil
	}

	s.spawnDataChannel(pasvSource(ln), func() { ln.Close() })

	return newReply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff)), nil
}

// handleEPSV arms a passive data channel with the RFC 2428 reply format.
func handleEPSV(ctx *commandContext) (Reply, error) {
	s := ctx.session

	if s.server.proxyMode() {
		s.proxyAssignTx <- assignDataPortRequest{session: s, extended: true}
		return none, nil
	}

	ln, err := s.server.listenPassive()
	if err != nil {
		return newReply(425, "Can't open data connection."), nil
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())

	s.spawnDataChannel(pasvSource(ln), func() { ln.Close() })

	return newReply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%s|)", portStr)), nil
}

// passiveIP picks the IPv4 address to advertise in a 227 reply: the
// configured public host when set, the control connection's local address
// otherwise.
func (s *session) passiveIP() net.IP {
	host := s.server.publicHost
	if host == "" {
		h, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
		if err != nil {
			return nil
		}
		host = h
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.To4()
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// handlePORT arms an active data channel at the client-supplied IPv4
// endpoint.
func handlePORT(ctx *commandContext) (Reply, error) {
	s := ctx.session
	if s.server.proxyMode() {
		return newReply(502, "PORT not supported behind a proxy; use PASV."), nil
	}

	parts := strings.Split(ctx.cmd.Arg, ",")
	if len(parts) != 6 {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return newReply(501, "Invalid port number."), nil
	}

	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		return newReply(501, "Invalid IP address."), nil
	}
	if !s.validateActiveIP(ip) {
		return newReply(500, "Illegal PORT command."), nil
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(p1*256+p2))
	s.spawnDataChannel(activeSource(addr), nil)
	return newReply(200, "PORT command successful."), nil
}

// handleEPRT arms an active data channel from an RFC 2428 endpoint string.
func handleEPRT(ctx *commandContext) (Reply, error) {
	s := ctx.session
	if s.server.proxyMode() {
		return newReply(502, "EPRT not supported behind a proxy; use EPSV."), nil
	}

	arg := ctx.cmd.Arg
	if len(arg) < 4 {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}
	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	// <d><proto><d><ip><d><port><d> splits into ["", proto, ip, port, ""].
	if len(parts) != 5 {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}

	proto, ipStr, portStr := parts[1], parts[2], parts[3]
	if proto != "1" && proto != "2" {
		return newReply(522, "Network protocol not supported, use (1,2)."), nil
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return newReply(501, "Invalid network address."), nil
	}
	if proto == "1" && ip.To4() == nil {
		return newReply(522, "Network protocol not supported, use (2)."), nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return newReply(501, "Invalid port number."), nil
	}
	if !s.validateActiveIP(ip) {
		return newReply(500, "Illegal EPRT command."), nil
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	s.spawnDataChannel(activeSource(addr), nil)
	return newReply(200, "EPRT command successful."), nil
}

// validateActiveIP ensures the data connection target matches the control
// connection source, preventing FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	remote := net.ParseIP(s.remoteIP)
	if remote == nil {
		return false
	}
	return ip.Equal(remote)
}
