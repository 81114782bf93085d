package server

// handleUSER stages the username; authentication completes with PASS.
func handleUSER(ctx *commandContext) (Reply, error) {
	if ctx.cmd.Arg == "" {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}
	s := ctx.session
	s.mu.Lock()
	s.pendingUser = ctx.cmd.Arg
	s.mu.Unlock()
	return newReply(331, "User name okay, need password."), nil
}

// handlePASS completes authentication against the configured authenticator.
func handlePASS(ctx *commandContext) (Reply, error) {
	s := ctx.session

	s.mu.Lock()
	user := s.pendingUser
	alreadyIn := s.user != nil
	s.mu.Unlock()

	if alreadyIn {
		return newReply(503, "Already logged in."), nil
	}
	if user == "" {
		return newReply(503, "Bad sequence of commands. Send USER first."), nil
	}

	detail, err := s.server.authenticator.Authenticate(s.ctx, user, ctx.cmd.Arg)
	if err != nil {
		ctx.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", user,
			"reason", err.Error(),
		)
		if c := s.server.metrics; c != nil {
			c.RecordAuthentication(false, user)
		}
		return newReply(530, "Login incorrect."), nil
	}

	s.mu.Lock()
	s.user = detail
	s.pendingUser = ""
	s.mu.Unlock()

	ctx.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", detail.String(),
	)
	if c := s.server.metrics; c != nil {
		c.RecordAuthentication(true, user)
	}
	return newReply(230, "User logged in, proceed."), nil
}

func handleQUIT(ctx *commandContext) (Reply, error) {
	return newReply(221, "Service closing control connection."), nil
}

func handleNOOP(ctx *commandContext) (Reply, error) {
	return newReply(200, "OK."), nil
}

// handleACCT exists for RFC 1123 compliance; no site here needs accounts.
func handleACCT(ctx *commandContext) (Reply, error) {
	return newReply(202, "Command not implemented, superfluous at this site."), nil
}
