package server

import "log/slog"

// commandContext is what a handler gets to work with: the parsed command,
// the session handle, a sender half of the event bus, the negotiated TLS
// state and the storage feature bitset. Handlers must be stateless; all
// state lives in the session.
type commandContext struct {
	cmd             Command
	session         *session
	tx              chan<- internalMsg
	tlsConfigured   bool
	storageFeatures uint32
	logger          *slog.Logger
}

// handlerFunc is the uniform handler contract. The returned reply is
// written to the control channel when non-empty; handlers that produce
// their response asynchronously return none. A returned error terminates
// the session with a 421.
type handlerFunc func(*commandContext) (Reply, error)

// commandHandlers dispatches a parsed command to its handler. The X*
// variants are the RFC 775 aliases some legacy clients still send.
var commandHandlers = map[string]handlerFunc{
	// Access control
	"USER": handleUSER,
	"PASS": handlePASS,
	"QUIT": handleQUIT,
	"ACCT": handleACCT,

	// Security (RFC 2228 / RFC 4217)
	"AUTH": handleAUTH,
	"PBSZ": handlePBSZ,
	"PROT": handlePROT,
	"CCC":  handleCCC,

	// Navigation
	"CWD":  handleCWD,
	"XCWD": handleCWD,
	"CDUP": handleCDUP,
	"XCUP": handleCDUP,
	"PWD":  handlePWD,
	"XPWD": handlePWD,

	// File management
	"MKD":  handleMKD,
	"XMKD": handleMKD,
	"RMD":  handleRMD,
	"XRMD": handleRMD,
	"DELE": handleDELE,
	"RNFR": handleRNFR,
	"RNTO": handleRNTO,

	// Transfer parameters
	"TYPE": handleTYPE,
	"MODE": handleMODE,
	"STRU": handleSTRU,
	"PORT": handlePORT,
	"EPRT": handleEPRT,
	"PASV": handlePASV,
	"EPSV": handleEPSV,
	"REST": handleREST,

	// Data-initiating commands
	"RETR": handleRETR,
	"STOR": handleSTOR,
	"STOU": handleSTOU,
	"APPE": handleAPPE,
	"LIST": handleLIST,
	"NLST": handleNLST,
	"MLSD": handleMLSD,

	// Information
	"SIZE": handleSIZE,
	"MDTM": handleMDTM,
	"MLST": handleMLST,
	"FEAT": handleFEAT,
	"OPTS": handleOPTS,
	"SYST": handleSYST,
	"STAT": handleSTAT,
	"HELP": handleHELP,
	"NOOP": handleNOOP,

	// Out-of-band
	"ABOR": handleABOR,
}

// preAuthCommands is the gating set: before authentication only these
// commands are accepted, everything else answers 530.
var preAuthCommands = map[string]bool{
	"USER": true,
	"PASS": true,
	"AUTH": true,
	"PBSZ": true,
	"PROT": true,
	"FEAT": true,
	"HELP": true,
	"QUIT": true,
	"NOOP": true,
	"SYST": true,
	"OPTS": true,
}
