package dut

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtap-io/mtap/pkg/protocol"
	"github.com/mtap-io/mtap/pkg/reporting"
)

func startTestServer(t *testing.T, configYAML string) (addr string) {
	t.Helper()

	configPath := ""
	if configYAML != "" {
		configPath = filepath.Join(t.TempDir(), "dut_config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))
	}

	s := NewServer(ServerOptions{
		Host:       "127.0.0.1",
		Port:       0,
		ConfigPath: configPath,
		Logger:     reporting.NewLogger(reporting.LoggerConfig{Level: "error"}),
	})
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(s.Stop)

	return s.Addr().String()
}

func dialDut(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, line string) protocol.Response {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	resp, err := protocol.Unmarshal(respLine[:len(respLine)-1])
	require.NoError(t, err)
	return resp
}

func TestPingOverTCP(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	resp := roundTrip(t, conn, "PING SN0001")
	assert.True(t, resp.OK)
	assert.Equal(t, "SN0001", resp.Data["sn"])
	assert.Equal(t, "PING", resp.Meta.Cmd)
	assert.NotEmpty(t, resp.Data["fw"])
}

func TestEmptyLinesAreIgnored(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	// A blank line produces no response; the next real command answers.
	_, err := conn.Write([]byte("\n  \n"))
	require.NoError(t, err)

	resp := roundTrip(t, conn, "PING SN0001")
	assert.True(t, resp.OK)
	assert.Equal(t, "PING", resp.Meta.Cmd)
}

func TestUnknownCommand(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	resp := roundTrip(t, conn, "FLASH_FW SN0001")
	require.False(t, resp.OK)
	assert.Equal(t, protocol.ErrUnknownCmd, *resp.ErrorCode)
}

func TestBadArity(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	for _, line := range []string{"PING", "PING SN1 extra", "SET_TEMP SN1", "SET_FAULT_PROFILE"} {
		resp := roundTrip(t, conn, line)
		require.False(t, resp.OK, "line %q", line)
		assert.Equal(t, protocol.ErrBadArgs, *resp.ErrorCode, "line %q", line)
	}
}

func TestSetTempBoundaries(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	for _, tc := range []struct {
		arg string
		ok  bool
	}{
		{"-40.0", true},
		{"125.0", true},
		{"-40.0001", false},
		{"125.0001", false},
	} {
		resp := roundTrip(t, conn, "SET_TEMP SN1 "+tc.arg)
		if tc.ok {
			assert.True(t, resp.OK, "temp %s", tc.arg)
		} else {
			require.False(t, resp.OK, "temp %s", tc.arg)
			assert.Equal(t, protocol.ErrOutOfRange, *resp.ErrorCode)
		}
	}

	resp := roundTrip(t, conn, "SET_TEMP SN1 warm")
	require.False(t, resp.OK)
	assert.Equal(t, protocol.ErrBadArgs, *resp.ErrorCode)
}

func TestSetModeRoundTrip(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	resp := roundTrip(t, conn, "SET_MODE SN1 SAFE")
	require.True(t, resp.OK)
	assert.Equal(t, "SAFE", resp.Data["mode"])

	resp = roundTrip(t, conn, "PING SN1")
	require.True(t, resp.OK)
	assert.Equal(t, "SAFE", resp.Data["mode"])
}

func TestSetFaultProfileUnknownResolvesToClean(t *testing.T) {
	addr := startTestServer(t, "")
	conn := dialDut(t, addr)

	resp := roundTrip(t, conn, "SET_FAULT_PROFILE does_not_exist")
	require.True(t, resp.OK)
	assert.Equal(t, "does_not_exist", resp.Data["profile"])

	// Server keeps answering normally under the clean fallback.
	resp = roundTrip(t, conn, "READ_TEMP SN1")
	assert.True(t, resp.OK)
}

const busyConfigYAML = `
determinism:
  seed: 42
default_fault_profile: busy
fault_profiles:
  clean: {}
  busy:
    per_command:
      READ_TEMP:
        busy:
          min_interval_ms: 60000
`

func TestBusyRateLimitOverTCP(t *testing.T) {
	addr := startTestServer(t, busyConfigYAML)
	conn := dialDut(t, addr)

	first := roundTrip(t, conn, "READ_TEMP SN1")
	assert.True(t, first.OK)

	second := roundTrip(t, conn, "READ_TEMP SN1")
	require.False(t, second.OK)
	assert.Equal(t, protocol.ErrBusy, *second.ErrorCode)

	// The gate is per (sn, command): other traffic is unaffected.
	other := roundTrip(t, conn, "READ_TEMP SN2")
	assert.True(t, other.OK)
}

const dropConfigYAML = `
determinism:
  seed: 7
default_fault_profile: drop_all
fault_profiles:
  clean: {}
  drop_all:
    per_command:
      SELF_TEST:
        timeout:
          p: 1.0
          mode: drop
          delay_s: [0.0, 0.0]
`

func TestDropClosesConnection(t *testing.T) {
	addr := startTestServer(t, dropConfigYAML)
	conn := dialDut(t, addr)

	_, err := conn.Write([]byte("SELF_TEST SN1\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	assert.Zero(t, n)
	assert.Error(t, err)

	// A fresh connection works again.
	conn2 := dialDut(t, addr)
	resp := roundTrip(t, conn2, "PING SN1")
	assert.True(t, resp.OK)
}

const seededConfigYAML = `
determinism:
  seed: 1234
default_fault_profile: clean
fault_profiles:
  clean: {}
`

func TestSeededResponsesAreReproducible(t *testing.T) {
	trace := func() []string {
		configPath := filepath.Join(t.TempDir(), "dut_config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(seededConfigYAML), 0o644))

		s := NewServer(ServerOptions{
			Host:       "127.0.0.1",
			Port:       0,
			ConfigPath: configPath,
			Logger:     reporting.NewLogger(reporting.LoggerConfig{Level: "error"}),
		})
		// Freeze the clock so the time-proportional walk contributes
		// exactly zero and only seeded draws remain.
		fixed := time.Unix(1_700_000_000, 0)
		s.devices.now = func() time.Time { return fixed }
		s.faults.now = func() time.Time { return fixed }
		require.NoError(t, s.Listen())
		go s.Serve()
		t.Cleanup(s.Stop)

		conn := dialDut(t, s.Addr().String())
		lines := []string{}
		for _, req := range []string{"PING SN1", "READ_TEMP SN1", "SELF_TEST SN1", "READ_TEMP SN1"} {
			resp := roundTrip(t, conn, req)
			b, err := json.Marshal(resp.Data)
			require.NoError(t, err)
			lines = append(lines, string(b))
		}
		return lines
	}

	first := trace()
	second := trace()
	assert.Equal(t, first, second)
}
