package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplySingleLine(t *testing.T) {
	t.Parallel()
	r := newReply(220, "Service ready.")
	assert.Equal(t, "220 Service ready.\r\n", r.String())
}

func TestReplyEmptyText(t *testing.T) {
	t.Parallel()
	r := Reply{Code: 200}
	assert.Equal(t, "200 \r\n", r.String())
}

func TestReplyMultiline(t *testing.T) {
	t.Parallel()
	r := newMultilineReply(211, "Extensions supported:", "MDTM", "SIZE", "END")
	want := "211-Extensions supported:\r\n" +
		" MDTM\r\n" +
		" SIZE\r\n" +
		"211 END\r\n"
	assert.Equal(t, want, r.String())
}

func TestReplyEscapesBareCRLF(t *testing.T) {
	t.Parallel()
	r := newReply(250, "evil\r\nname")
	assert.Equal(t, "250 evil  name\r\n", r.String())

	r = newMultilineReply(211, "first\nline", "second\rline", "END")
	assert.NotContains(t, r.String()[:len(r.String())-2], "first\nline")
	assert.Contains(t, r.String(), "first line")
	assert.Contains(t, r.String(), "second line")
}

func TestReplyEmpty(t *testing.T) {
	t.Parallel()
	assert.True(t, none.empty())
	assert.False(t, newReply(200, "OK").empty())
}

func TestItoa3(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "220", itoa3(220))
	assert.Equal(t, "057", itoa3(57))
	assert.Equal(t, "500", itoa3(500))
}
