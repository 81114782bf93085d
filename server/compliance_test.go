package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoginSequence walks the plain greeting/USER/PASS/SYST exchange.
func TestLoginSequence(t *testing.T) {
	t.Parallel()
	_, addr, _ := newTestServer(t, WithGreeting("Welcome to the test FTP server"))

	c := dialRaw(t, addr)
	c.cmdExpect("USER anonymous", 331)
	c.cmdExpect("PASS x", 230)
	assert.Equal(t, "215 UNIX Type: L8", c.cmd("SYST"))
	c.cmdExpect("QUIT", 221)
}

// TestPreAuthGate checks that before login only the gating commands are
// accepted and everything else answers 530.
func TestPreAuthGate(t *testing.T) {
	t.Parallel()
	_, addr, _ := newTestServer(t)

	c := dialRaw(t, addr)

	gated := []string{
		"PWD", "CWD /", "CDUP", "LIST", "NLST", "MLSD", "MLST x",
		"RETR x", "STOR x", "STOU", "APPE x", "DELE x", "MKD d", "RMD d",
		"RNFR a", "RNTO b", "PASV", "EPSV", "PORT 127,0,0,1,10,10",
		"EPRT |1|127.0.0.1|2560|", "REST 10", "TYPE I", "MODE S",
		"STRU F", "SIZE x", "MDTM x", "ABOR", "STAT", "ACCT x", "CCC",
	}
	for _, cmd := range gated {
		reply := c.cmd(cmd)
		assert.True(t, strings.HasPrefix(reply, "530"),
			"command %q before login: got %q, want 530", cmd, reply)
	}

	// The gating set itself stays reachable.
	c.cmdExpect("NOOP", 200)
	c.cmdExpect("SYST", 215)
	c.cmdExpect("HELP", 214)
	c.send("FEAT")
	c.readMultiline(211)
	c.cmdExpect("OPTS UTF8 ON", 200)
	c.cmdExpect("USER u", 331)
	c.cmdExpect("PASS p", 230)
}

func TestSyntaxErrors(t *testing.T) {
	t.Parallel()
	_, addr, _ := newTestServer(t)

	c := dialRaw(t, addr)
	c.login(t)

	assert.True(t, strings.HasPrefix(c.cmd("@#$%"), "500"))
	assert.True(t, strings.HasPrefix(c.cmd("FROB"), "502"))
	assert.True(t, strings.HasPrefix(c.cmd("TYPE X"), "504"))
	assert.True(t, strings.HasPrefix(c.cmd("MODE B"), "504"))
	assert.True(t, strings.HasPrefix(c.cmd("MODE C"), "504"))
	assert.True(t, strings.HasPrefix(c.cmd("STRU R"), "504"))
	assert.True(t, strings.HasPrefix(c.cmd("STRU P"), "504"))
	c.cmdExpect("MODE S", 200)
	c.cmdExpect("STRU F", 200)
}

// TestFeatListing checks RFC 2389 framing and the conditional entries.
func TestFeatListing(t *testing.T) {
	t.Parallel()

	check := func(t *testing.T, addr string, wantTLS bool) {
		c := dialRaw(t, addr)
		c.send("FEAT")
		lines := c.readMultiline(211)

		require.GreaterOrEqual(t, len(lines), 3)
		assert.Equal(t, "211-Extensions supported:", lines[0])
		assert.Equal(t, "211 END", lines[len(lines)-1])

		var features []string
		for _, line := range lines[1 : len(lines)-1] {
			require.True(t, strings.HasPrefix(line, " "), "feature line %q not space-prefixed", line)
			features = append(features, strings.TrimPrefix(line, " "))
		}

		assert.True(t, sortedStrings(features), "features not alphabetical: %v", features)
		assert.Contains(t, features, "SIZE")
		assert.Contains(t, features, "MDTM")
		assert.Contains(t, features, "UTF8")
		// The FS backend advertises restart support.
		assert.Contains(t, features, "REST STREAM")

		if wantTLS {
			assert.Contains(t, features, "AUTH TLS")
			assert.Contains(t, features, "PBSZ")
			assert.Contains(t, features, "PROT")
		} else {
			assert.NotContains(t, features, "AUTH TLS")
			assert.NotContains(t, features, "PBSZ")
			assert.NotContains(t, features, "PROT")
		}
	}

	t.Run("without TLS", func(t *testing.T) {
		t.Parallel()
		_, addr, _ := newTestServer(t)
		check(t, addr, false)
	})

	t.Run("with TLS", func(t *testing.T) {
		t.Parallel()
		_, addr, _ := newTestServer(t, WithTLS(testTLSConfig(t)))
		check(t, addr, true)
	})
}

func sortedStrings(ss []string) bool {
	for i := 1; i < len(ss); i++ {
		if ss[i-1] > ss[i] {
			return false
		}
	}
	return true
}

// TestRenameSequence covers RNFR/RNTO, including the rule that any
// interposed command invalidates the staged source.
func TestRenameSequence(t *testing.T) {
	t.Parallel()
	_, addr, root := newTestServer(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	c := dialRaw(t, addr)
	c.login(t)

	// Plain rename works.
	c.cmdExpect("RNFR a.txt", 350)
	c.cmdExpect("RNTO b.txt", 250)
	_, err := os.Stat(filepath.Join(root, "b.txt"))
	require.NoError(t, err)

	// An interposed command clears the staged path.
	c.cmdExpect("RNFR b.txt", 350)
	c.cmdExpect("NOOP", 200)
	c.cmdExpect("RNTO c.txt", 503)
	_, err = os.Stat(filepath.Join(root, "b.txt"))
	assert.NoError(t, err, "b.txt must be untouched after failed RNTO")
	_, err = os.Stat(filepath.Join(root, "c.txt"))
	assert.True(t, os.IsNotExist(err))

	// RNTO without RNFR at all.
	c.cmdExpect("RNTO d.txt", 503)

	// RNFR on a missing file.
	c.cmdExpect("RNFR missing.txt", 550)
}

// TestAborWithoutTransfer expects a single 226.
func TestAborWithoutTransfer(t *testing.T) {
	t.Parallel()
	_, addr, _ := newTestServer(t)

	c := dialRaw(t, addr)
	c.login(t)

	c.cmdExpect("ABOR", 226)
	// The channel must still be usable.
	c.cmdExpect("NOOP", 200)
}

// TestCCCOnPlaintext expects 533 and an unchanged channel.
func TestCCCOnPlaintext(t *testing.T) {
	t.Parallel()
	_, addr, _ := newTestServer(t, WithTLS(testTLSConfig(t)))

	c := dialRaw(t, addr)
	c.login(t)

	c.cmdExpect("CCC", 533)
	c.cmdExpect("NOOP", 200)
}

// TestDataCommandWithoutDataChannel expects 425.
func TestDataCommandWithoutDataChannel(t *testing.T) {
	t.Parallel()
	_, addr, root := newTestServer(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), []byte("data"), 0o644))

	c := dialRaw(t, addr)
	c.login(t)

	c.cmdExpect("RETR f.bin", 425)
	c.cmdExpect("STOR up.bin", 425)
	c.cmdExpect("LIST", 425)
}

func TestSizeAndMdtm(t *testing.T) {
	t.Parallel()
	_, addr, root := newTestServer(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), make([]byte, 1024), 0o644))

	c := dialRaw(t, addr)
	c.login(t)

	assert.Equal(t, "213 1024", c.cmd("SIZE f.bin"))
	assert.True(t, strings.HasPrefix(c.cmd("SIZE missing.bin"), "550"))

	mdtm := c.cmd("MDTM f.bin")
	require.True(t, strings.HasPrefix(mdtm, "213 "))
	assert.Len(t, strings.TrimPrefix(mdtm, "213 "), 14)
}

func TestDirectoryCommands(t *testing.T) {
	t.Parallel()
	_, addr, root := newTestServer(t)

	c := dialRaw(t, addr)
	c.login(t)

	assert.Equal(t, `257 "/" is the current directory.`, c.cmd("PWD"))

	c.cmdExpect("MKD sub", 257)
	_, err := os.Stat(filepath.Join(root, "sub"))
	require.NoError(t, err)

	c.cmdExpect("CWD sub", 250)
	assert.Equal(t, `257 "/sub" is the current directory.`, c.cmd("PWD"))

	c.cmdExpect("CDUP", 250)
	assert.Equal(t, `257 "/" is the current directory.`, c.cmd("PWD"))

	c.cmdExpect("CWD missing", 550)

	c.cmdExpect("RMD sub", 250)
	_, err = os.Stat(filepath.Join(root, "sub"))
	assert.True(t, os.IsNotExist(err))

	// Escapes stay jailed to the root.
	c.cmdExpect("CWD ..", 250)
	assert.Equal(t, `257 "/" is the current directory.`, c.cmd("PWD"))
}
