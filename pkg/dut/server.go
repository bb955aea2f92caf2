// Package dut implements the DUT simulator: a line-oriented TCP server that
// models stateful devices and injects configurable faults so the runner's
// retry machinery has something real to push against.
package dut

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mtap-io/mtap/pkg/config"
	"github.com/mtap-io/mtap/pkg/protocol"
	"github.com/mtap-io/mtap/pkg/reporting"
)

const acceptPollInterval = 500 * time.Millisecond

// Server is the multi-client TCP DUT simulator. The random generator,
// device map, fault injector, and active profile are shared across
// connection goroutines; a single coarse mutex serialises dispatch so
// pseudo-random draws observe a total order. The mutex is released before
// injected DELAY/DROP sleeps.
type Server struct {
	host string
	port int

	cfg *config.DutConfig
	log *reporting.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	devices *DeviceModel
	faults  *FaultInjector

	metrics *serverMetrics

	stop chan struct{}
	ln   net.Listener
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Host       string
	Port       int
	ConfigPath string
	// MetricsAddr optionally exposes Prometheus metrics over HTTP
	// (e.g. ":9100"). Empty disables the listener.
	MetricsAddr string
	Logger      *reporting.Logger
	// Profile overrides the config's default fault profile name.
	Profile string
}

// NewServer builds a server from the resolved DUT configuration.
func NewServer(opts ServerOptions) *Server {
	cfg := config.LoadDutConfig(opts.ConfigPath)

	log := opts.Logger
	if log == nil {
		log = reporting.NewLogger(reporting.LoggerConfig{Format: reporting.LogFormatText})
	}

	rng := rand.New(rand.NewSource(cfg.Determinism.Seed))

	profName := opts.Profile
	if profName == "" {
		profName = cfg.DefaultFaultProfile
	}

	s := &Server{
		host:    opts.Host,
		port:    opts.Port,
		cfg:     cfg,
		log:     log,
		rng:     rng,
		devices: NewDeviceModel(rng, cfg.DeviceDefaults),
		faults:  NewFaultInjector(rng, cfg.Profile(profName)),
		metrics: newServerMetrics(),
		stop:    make(chan struct{}),
	}

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		go func() {
			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				log.Warn("metrics listener exited", "error", err)
			}
		}()
	}

	return s
}

// Addr returns the bound listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop signals shutdown. The accept loop observes the flag within one poll
// interval; in-flight connections finish their current line and exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ln != nil {
			s.ln.Close()
		}
	})
}

// Listen binds the TCP listener. Port 0 picks an ephemeral port,
// observable through Addr afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("dut listen: %w", err)
	}
	s.ln = ln
	s.log.Info("DUT listening", "addr", ln.Addr().String())
	return nil
}

// Serve runs the accept loop until Stop is called, binding the listener
// first if Listen was not called. Each accepted connection is handled on
// its own goroutine.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	tcpLn := s.ln.(*net.TCPListener)
	for {
		select {
		case <-s.stop:
			s.wg.Wait()
			s.log.Info("DUT shutdown complete")
			return nil
		default:
		}

		tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := tcpLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				s.wg.Wait()
				s.log.Info("DUT shutdown complete")
				return nil
			default:
			}
			return fmt.Errorf("dut accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn frames newline-terminated requests off one connection and
// dispatches each. The socket is closed on every exit path.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				buf = buf[idx+1:]

				if len(bytes.TrimSpace([]byte(line))) == 0 {
					continue
				}

				resp, drop := s.dispatch(line)
				if drop {
					s.metrics.droppedTotal.Inc()
					return
				}
				wire, merr := protocol.Marshal(resp)
				if merr != nil {
					s.log.Error("marshal response", "error", merr)
					return
				}
				if _, werr := conn.Write(wire); werr != nil {
					return
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// dispatch parses and executes one request line. drop=true means the
// connection must be closed without a reply.
func (s *Server) dispatch(line string) (resp protocol.Response, drop bool) {
	start := time.Now()
	cmd, args := protocol.ParseCommand(line)
	defer func() {
		s.metrics.requestsTotal.WithLabelValues(cmd).Inc()
		s.metrics.dispatchSeconds.Observe(time.Since(start).Seconds())
		if !drop && !resp.OK && resp.ErrorCode != nil {
			s.metrics.errorsTotal.WithLabelValues(cmd, *resp.ErrorCode).Inc()
		}
	}()

	switch cmd {
	case "":
		return protocol.Err("(empty)", protocol.ErrBadArgs, "Empty command"), false

	case protocol.CmdSetFaultProfile:
		if len(args) != 1 {
			return protocol.Err(cmd, protocol.ErrBadArgs, "SET_FAULT_PROFILE requires 1 argument: <profile>"), false
		}
		name := args[0]
		s.mu.Lock()
		s.faults.SetProfile(s.cfg.Profile(name))
		s.mu.Unlock()
		s.log.Info("fault profile switched", "profile", name)
		return protocol.OK(cmd, map[string]any{"profile": name}), false

	case protocol.CmdPing, protocol.CmdReadTemp, protocol.CmdSelfTest:
		if len(args) != 1 {
			return protocol.Errf(cmd, protocol.ErrBadArgs, "%s requires 1 argument: <sn>", cmd), false
		}
		return s.dispatchDevice(cmd, args[0], nil)

	case protocol.CmdSetTemp:
		if len(args) != 2 {
			return protocol.Err(cmd, protocol.ErrBadArgs, "SET_TEMP requires 2 arguments: <sn> <temp_c>"), false
		}
		tempC, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return protocol.Err(cmd, protocol.ErrBadArgs, "temp_c must be a float"), false
		}
		if tempC < tempMinC || tempC > tempMaxC {
			return protocol.Err(cmd, protocol.ErrOutOfRange, "temp_c out of range [-40.0, 125.0]"), false
		}
		return s.dispatchDevice(cmd, args[0], func(m *DeviceModel, sn string) map[string]any {
			return m.SetTemp(sn, tempC)
		})

	case protocol.CmdSetMode:
		if len(args) != 2 {
			return protocol.Err(cmd, protocol.ErrBadArgs, "SET_MODE requires 2 arguments: <sn> <mode>"), false
		}
		mode := args[1]
		return s.dispatchDevice(cmd, args[0], func(m *DeviceModel, sn string) map[string]any {
			return m.SetMode(sn, mode)
		})
	}

	return protocol.Errf(cmd, protocol.ErrUnknownCmd, "Unknown command: %s", cmd), false
}

// dispatchDevice runs the SN-bearing dispatch sequence: resolve state,
// apply drift, evaluate the injector, then invoke the device operation.
// The mutex covers every step except the injected sleeps.
func (s *Server) dispatchDevice(cmd, sn string, op func(*DeviceModel, string) map[string]any) (protocol.Response, bool) {
	s.mu.Lock()
	d := s.devices.GetOrCreate(sn)
	s.faults.ApplyDrift(cmd, d)
	dec := s.faults.Evaluate(cmd, sn, d.Cycles)

	switch dec.Action {
	case ActionRespond:
		s.mu.Unlock()
		return protocol.Err(cmd, dec.ErrorCode, dec.Message), false

	case ActionDrop:
		s.mu.Unlock()
		time.Sleep(dec.Delay)
		return protocol.Response{}, true

	case ActionDelay:
		s.mu.Unlock()
		time.Sleep(dec.Delay)
		s.mu.Lock()
	}

	data := s.invokeDevice(cmd, sn, op)
	s.mu.Unlock()
	return protocol.OK(cmd, data), false
}

func (s *Server) invokeDevice(cmd, sn string, op func(*DeviceModel, string) map[string]any) map[string]any {
	if op != nil {
		return op(s.devices, sn)
	}
	switch cmd {
	case protocol.CmdPing:
		return s.devices.Ping(sn)
	case protocol.CmdReadTemp:
		return s.devices.ReadTemp(sn)
	case protocol.CmdSelfTest:
		return s.devices.SelfTest(sn)
	}
	return map[string]any{}
}
