package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// sendDataCommand takes the armed data-command slot and passes cmd to the
// data task, or answers 425 when no data channel is armed.
func sendDataCommand(ctx *commandContext, cmd Command, okReply Reply) (Reply, error) {
	tx := ctx.session.takeDataCmd()
	if tx == nil {
		return newReply(425, "Can't open data connection."), nil
	}
	tx <- cmd
	return okReply, nil
}

func handleRETR(ctx *commandContext) (Reply, error) {
	if ctx.cmd.Arg == "" {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}
	path := ctx.session.resolvePath(ctx.cmd.Arg)
	return sendDataCommand(ctx,
		Command{Name: "RETR", Arg: path},
		newReply(150, "Opening data connection."))
}

func handleSTOR(ctx *commandContext) (Reply, error) {
	if ctx.cmd.Arg == "" {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}
	path := ctx.session.resolvePath(ctx.cmd.Arg)
	return sendDataCommand(ctx,
		Command{Name: "STOR", Arg: path},
		newReply(150, "Ready to receive data."))
}

func handleAPPE(ctx *commandContext) (Reply, error) {
	if ctx.cmd.Arg == "" {
		return newReply(501, "Syntax error in parameters or arguments."), nil
	}
	path := ctx.session.resolvePath(ctx.cmd.Arg)
	return sendDataCommand(ctx,
		Command{Name: "APPE", Arg: path},
		newReply(150, "Ready to receive data."))
}

// handleSTOU stores under a server-generated unique name. On the
// theoretical collision the name is regenerated once, then the command
// fails with 550.
func handleSTOU(ctx *commandContext) (Reply, error) {
	s := ctx.session

	name := uuid.NewString()
	path := s.resolvePath(name)
	if _, err := s.storage.Metadata(s.ctx, s.sessionUser(), path); err == nil {
		name = uuid.NewString()
		path = s.resolvePath(name)
		if _, err := s.storage.Metadata(s.ctx, s.sessionUser(), path); err == nil {
			return newReply(550, "Could not generate unique filename."), nil
		}
	}

	return sendDataCommand(ctx,
		Command{Name: "STOR", Arg: path},
		newReply(150, name))
}

func handleLIST(ctx *commandContext) (Reply, error) {
	// Strip ls-style flags some clients insist on sending.
	arg := ""
	for _, field := range strings.Fields(ctx.cmd.Arg) {
		if !strings.HasPrefix(field, "-") {
			arg = field
		}
	}
	path := ctx.session.resolvePath(arg)
	return sendDataCommand(ctx,
		Command{Name: "LIST", Arg: path},
		newReply(150, "Here comes the directory listing."))
}

func handleNLST(ctx *commandContext) (Reply, error) {
	path := ctx.session.resolvePath(ctx.cmd.Arg)
	return sendDataCommand(ctx,
		Command{Name: "NLST", Arg: path},
		newReply(150, "Here comes the file list."))
}

func handleMLSD(ctx *commandContext) (Reply, error) {
	path := ctx.session.resolvePath(ctx.cmd.Arg)
	return sendDataCommand(ctx,
		Command{Name: "MLSD", Arg: path},
		newReply(150, "MLSD listing started."))
}

// handleABOR aborts an in-flight transfer. The data task answers with 426
// then 226 through the bus; when nothing is in flight a single 226 goes
// out directly.
func handleABOR(ctx *commandContext) (Reply, error) {
	armed, inFlight := ctx.session.abortDataChannel()
	if !armed {
		return newReply(226, "Data channel already closed."), nil
	}
	if !inFlight {
		return newReply(226, "Closed data channel."), nil
	}
	return none, nil
}

// handleREST stages the restart offset for the next transfer.
func handleREST(ctx *commandContext) (Reply, error) {
	if ctx.storageFeatures&FeatureRestart == 0 {
		return newReply(502, "Resumed transfers not supported by this backend."), nil
	}
	offset, err := strconv.ParseInt(ctx.cmd.Arg, 10, 64)
	if err != nil || offset < 0 {
		return newReply(501, "Invalid offset."), nil
	}

	s := ctx.session
	s.mu.Lock()
	s.startPos = offset
	s.mu.Unlock()
	return newReply(350, fmt.Sprintf("Restarting at %d. Send RETR to initiate transfer.", offset)), nil
}

func handleTYPE(ctx *commandContext) (Reply, error) {
	s := ctx.session
	switch strings.ToUpper(ctx.cmd.Arg) {
	case "A", "A N":
		s.mu.Lock()
		s.transferType = "A"
		s.mu.Unlock()
		return newReply(200, "Type set to A."), nil
	case "I", "L 8":
		s.mu.Lock()
		s.transferType = "I"
		s.mu.Unlock()
		return newReply(200, "Type set to I."), nil
	default:
		return newReply(504, "Type not supported."), nil
	}
}

func handleMODE(ctx *commandContext) (Reply, error) {
	switch strings.ToUpper(strings.TrimSpace(ctx.cmd.Arg)) {
	case "S":
		return newReply(200, "Using Stream transfer mode."), nil
	default:
		return newReply(504, "Only Stream transfer mode is supported."), nil
	}
}

func handleSTRU(ctx *commandContext) (Reply, error) {
	switch strings.ToUpper(strings.TrimSpace(ctx.cmd.Arg)) {
	case "F":
		return newReply(200, "Structure set to File."), nil
	default:
		return newReply(504, "Only File structure is supported."), nil
	}
}
