package server

import "strings"

// handleAUTH upgrades the control channel to TLS (RFC 4217).
//
// The 234 goes out first, then the handshake runs on the raw socket. A
// handshake failure is fatal to the session; failures detectable before
// the reply (unsupported mechanism, TLS not configured) answer 504.
func handleAUTH(ctx *commandContext) (Reply, error) {
	if strings.ToUpper(ctx.cmd.Arg) != "TLS" {
		return newReply(504, "Only AUTH TLS is supported."), nil
	}
	if !ctx.tlsConfigured {
		return newReply(504, "TLS not configured."), nil
	}

	s := ctx.session
	s.mu.Lock()
	already := s.cmdTLS
	s.mu.Unlock()
	if already {
		return newReply(503, "Control channel already secure."), nil
	}

	if err := s.writeReply(newReply(234, "AUTH TLS successful.")); err != nil {
		return none, err
	}
	if err := s.upgradeTLS(); err != nil {
		return none, err
	}
	ctx.tx <- secureControlMsg{}
	return none, nil
}

// handlePBSZ acknowledges the compulsory protection-buffer-size command.
// Streaming protection needs no buffering, so only size 0 is meaningful.
func handlePBSZ(ctx *commandContext) (Reply, error) {
	if !ctx.tlsConfigured {
		return newReply(504, "TLS not configured."), nil
	}
	return newReply(200, "PBSZ=0"), nil
}

// handlePROT selects the data-channel protection level (RFC 4217).
func handlePROT(ctx *commandContext) (Reply, error) {
	if !ctx.tlsConfigured {
		return newReply(504, "TLS not configured."), nil
	}

	s := ctx.session
	s.mu.Lock()
	ready := s.cmdTLS
	s.mu.Unlock()
	if !ready {
		return newReply(503, "Secure the control channel with AUTH TLS first."), nil
	}

	switch strings.ToUpper(ctx.cmd.Arg) {
	case "P":
		s.mu.Lock()
		s.dataTLS = true
		s.mu.Unlock()
		return newReply(200, "PROT P OK."), nil
	case "C":
		s.mu.Lock()
		s.dataTLS = false
		s.mu.Unlock()
		return newReply(200, "PROT C OK."), nil
	case "S", "E":
		return newReply(536, "Protection level not supported."), nil
	default:
		return newReply(504, "Protection level not implemented."), nil
	}
}

// handleCCC downgrades an encrypted control channel back to plaintext.
// The 200 is acknowledged on the still-encrypted channel; the loop
// performs the actual downgrade once the plaintext request comes off the
// bus, after the acknowledgement is flushed.
func handleCCC(ctx *commandContext) (Reply, error) {
	s := ctx.session
	s.mu.Lock()
	secure := s.cmdTLS
	s.mu.Unlock()

	if !secure {
		return newReply(533, "Control channel already in plaintext mode."), nil
	}
	ctx.tx <- plaintextControlMsg{}
	return newReply(200, "Control channel in plaintext now."), nil
}
