package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, args := ParseCommand("read_temp SN0001")
	assert.Equal(t, "READ_TEMP", cmd)
	assert.Equal(t, []string{"SN0001"}, args)

	cmd, args = ParseCommand("  SET_TEMP   SN0002   42.5  ")
	assert.Equal(t, "SET_TEMP", cmd)
	assert.Equal(t, []string{"SN0002", "42.5"}, args)
}

func TestParseCommandEmptyLine(t *testing.T) {
	cmd, args := ParseCommand("   \t ")
	assert.Equal(t, "", cmd)
	assert.Nil(t, args)
}

func TestParseCommandPreservesArgCase(t *testing.T) {
	cmd, args := ParseCommand("ping sn-Mixed-Case")
	assert.Equal(t, "PING", cmd)
	assert.Equal(t, []string{"sn-Mixed-Case"}, args)
}

func TestOKResponseShape(t *testing.T) {
	r := OK(CmdPing, map[string]any{"sn": "SN1", "fw": "1.0.0"})
	assert.True(t, r.OK)
	assert.Nil(t, r.ErrorCode)
	assert.Equal(t, CmdPing, r.Meta.Cmd)
}

func TestErrResponseShape(t *testing.T) {
	r := Err(CmdReadTemp, ErrBusy, "Rate-limited")
	assert.False(t, r.OK)
	require.NotNil(t, r.ErrorCode)
	assert.Equal(t, ErrBusy, *r.ErrorCode)
	assert.Empty(t, r.Data)
}

func TestResponseRoundTrip(t *testing.T) {
	in := OK(CmdReadTemp, map[string]any{"sn": "SN1", "temp_c": 25.5, "cycles": 3.0})
	wire, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), wire[len(wire)-1])

	out, err := Unmarshal(wire[:len(wire)-1])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestErrorRoundTrip(t *testing.T) {
	in := Errf(CmdSetTemp, ErrOutOfRange, "temp_c out of range [%g, %g]", -40.0, 125.0)
	wire, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(wire[:len(wire)-1])
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "temp_c out of range [-40, 125]", out.Message)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
}
