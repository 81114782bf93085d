package server

import (
	"fmt"
	"sort"
	"strings"
)

func handleSIZE(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	info, err := s.storage.Metadata(s.ctx, s.sessionUser(), target)
	if err != nil {
		return errorReply(err), nil
	}
	if info.IsDir() {
		return newReply(550, "Not a regular file."), nil
	}
	return newReply(213, fmt.Sprintf("%d", info.Size())), nil
}

func handleMDTM(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	info, err := s.storage.Metadata(s.ctx, s.sessionUser(), target)
	if err != nil {
		return errorReply(err), nil
	}
	// RFC 3659: time values are always represented in UTC.
	return newReply(213, info.ModTime().UTC().Format("20060102150405")), nil
}

func handleMLST(ctx *commandContext) (Reply, error) {
	s := ctx.session
	target := s.resolvePath(ctx.cmd.Arg)

	info, err := s.storage.Metadata(s.ctx, s.sessionUser(), target)
	if err != nil {
		return errorReply(err), nil
	}

	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	fact := fmt.Sprintf("type=%s;size=%d;modify=%s; %s",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), info.Name())
	return newMultilineReply(250, "Listing follows", fact, "End"), nil
}

// handleFEAT lists supported extensions (RFC 2389): alphabetical, one per
// line, bracketed by "Extensions supported:" and "END". The TLS entries
// appear only when TLS is configured, REST STREAM only when the backend
// supports resumed transfers.
func handleFEAT(ctx *commandContext) (Reply, error) {
	features := []string{
		"EPRT",
		"EPSV",
		"MDTM",
		"MLSD",
		"MLST type*;size*;modify*;",
		"SIZE",
		"UTF8",
	}
	if ctx.tlsConfigured {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	if ctx.storageFeatures&FeatureRestart != 0 {
		features = append(features, "REST STREAM")
	}
	sort.Strings(features)

	lines := make([]string, 0, len(features)+2)
	lines = append(lines, "Extensions supported:")
	lines = append(lines, features...)
	lines = append(lines, "END")
	return newMultilineReply(211, lines...), nil
}

func handleOPTS(ctx *commandContext) (Reply, error) {
	if strings.HasPrefix(strings.ToUpper(ctx.cmd.Arg), "UTF8 ON") {
		return newReply(200, "Always in UTF8 mode."), nil
	}
	return newReply(501, "Option not understood."), nil
}

func handleSYST(ctx *commandContext) (Reply, error) {
	return newReply(215, ctx.session.server.systemName), nil
}

func handleSTAT(ctx *commandContext) (Reply, error) {
	if ctx.cmd.Arg != "" {
		return newReply(502, "STAT with path not implemented. Use LIST instead."), nil
	}

	s := ctx.session
	lines := []string{"Status:"}
	if s.loggedIn() {
		lines = append(lines, fmt.Sprintf("Logged in as: %s", s.userName()))
	} else {
		lines = append(lines, "Not logged in")
	}

	s.mu.Lock()
	secure := s.cmdTLS
	armed := s.dataCmdTx != nil
	s.mu.Unlock()

	lines = append(lines, fmt.Sprintf("TLS control channel: %v", secure))
	if armed {
		lines = append(lines, "Data channel armed")
	}
	lines = append(lines, "End of status")
	return newMultilineReply(211, lines...), nil
}

func handleHELP(ctx *commandContext) (Reply, error) {
	if ctx.cmd.Arg != "" {
		return newReply(214, fmt.Sprintf("No help available for %s.", ctx.cmd.Arg)), nil
	}
	return newMultilineReply(214,
		"The following commands are supported:",
		"USER PASS QUIT ACCT NOOP",
		"CWD CDUP PWD MKD XMKD RMD XRMD",
		"LIST NLST MLSD MLST",
		"RETR STOR APPE STOU DELE",
		"RNFR RNTO REST ABOR",
		"TYPE MODE STRU PORT PASV EPSV EPRT",
		"SIZE MDTM FEAT OPTS",
		"AUTH PBSZ PROT CCC",
		"SYST STAT HELP",
		"End of help",
	), nil
}
