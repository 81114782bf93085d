package server

import (
	"fmt"
)

func handlePWD(ctx *commandContext) (Reply, error) {
	s := ctx.session
	s.mu.Lock()
	cwd := s.cwd
	s.mu.Unlock()
	return newReply(257, fmt.Sprintf("%q is the current directory.", cwd)), nil
}

func handleCWD(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	if err := s.storage.Cwd(s.ctx, s.sessionUser(), target); err != nil {
		return errorReply(err), nil
	}

	s.mu.Lock()
	s.cwd = target
	s.mu.Unlock()
	return newReply(250, "Directory successfully changed."), nil
}

func handleCDUP(ctx *commandContext) (Reply, error) {
	up := *ctx
	up.cmd = Command{Name: "CWD", Arg: ".."}
	return handleCWD(&up)
}

func handleMKD(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	if err := s.storage.Mkd(s.ctx, s.sessionUser(), target); err != nil {
		return errorReply(err), nil
	}
	ctx.logger.Info("directory_created",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"path", target,
	)
	return newReply(257, fmt.Sprintf("%q created.", target)), nil
}

func handleRMD(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	if err := s.storage.Rmd(s.ctx, s.sessionUser(), target); err != nil {
		return errorReply(err), nil
	}
	ctx.logger.Info("directory_removed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"path", target,
	)
	return newReply(250, "Directory removed."), nil
}

func handleDELE(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	if err := s.storage.Del(s.ctx, s.sessionUser(), target); err != nil {
		return errorReply(err), nil
	}
	ctx.logger.Info("file_deleted",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"path", target,
	)
	return newReply(250, "File deleted."), nil
}

// handleRNFR stages the rename source. The staged path survives only
// until the next command; anything but RNTO clears it.
func handleRNFR(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	if _, err := s.storage.Metadata(s.ctx, s.sessionUser(), target); err != nil {
		return errorReply(err), nil
	}

	s.mu.Lock()
	s.renameFrom = target
	s.mu.Unlock()
	return newReply(350, "Requested file action pending further information."), nil
}

func handleRNTO(ctx *commandContext) (Reply, error) {
	s := ctx.session

	s.mu.Lock()
	from := s.renameFrom
	s.renameFrom = ""
	s.mu.Unlock()

	if from == "" {
		return newReply(503, "Bad sequence of commands. Send RNFR first."), nil
	}

	to := s.resolvePath(ctx.cmd.Arg)
	if err := s.storage.Rename(s.ctx, s.sessionUser(), from, to); err != nil {
		return errorReply(err), nil
	}

	ctx.logger.Info("file_renamed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"from", from,
		"to", to,
	)
	return newReply(250, "Requested file action successful, file renamed."), nil
}
