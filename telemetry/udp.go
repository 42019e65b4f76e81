package telemetry

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/utils"
)

const (
	// inputFreshness is how long after the last input datagram the controller counts as connected.
	inputFreshness = 2 * time.Second
	readPoll       = 250 * time.Millisecond
	maxDatagram    = 64 << 10
)

// UDPTransport sends one datagram per frame to the controller and caches input datagrams the
// controller sends to a local port.
type UDPTransport struct {
	enc    Encoding
	clock  clock.Clock
	logger logging.Logger

	send   *net.UDPConn
	listen *net.UDPConn

	mu        sync.Mutex
	inputs    Inputs
	lastInput time.Time

	workers utils.StoppableWorkers
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport dials the controller address from cfg, when one is known, and listens for inputs
// on cfg.InputPort. InputPort 0 picks a free port; a negative InputPort disables inputs. A nil clk
// means the wall clock.
func NewUDPTransport(cfg config.Network, clk clock.Clock, logger logging.Logger) (*UDPTransport, error) {
	enc, err := ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	t := &UDPTransport{
		enc:    enc,
		clock:  clk,
		logger: logger,
	}

	if host := cfg.ControllerAddress(); host != "" {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(cfg.TelemetryPort)))
		if err != nil {
			return nil, errors.Wrap(err, "resolving controller address")
		}
		if t.send, err = net.DialUDP("udp", nil, addr); err != nil {
			return nil, errors.Wrap(err, "dialing controller")
		}
		logger.Infow("telemetry sending to controller", "addr", addr.String(), "encoding", enc)
	} else {
		logger.Warn("no controller address configured; telemetry is not sent")
	}

	if cfg.InputPort >= 0 {
		t.listen, err = net.ListenUDP("udp", &net.UDPAddr{Port: cfg.InputPort})
		if err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "listening for controller inputs"), t.closeConns())
		}
		logger.Infow("listening for controller inputs", "addr", t.listen.LocalAddr().String())
		t.workers = utils.NewStoppableWorkers(t.readInputs)
	}
	return t, nil
}

// InputAddr is the local address inputs are received on, or nil.
func (t *UDPTransport) InputAddr() net.Addr {
	if t.listen == nil {
		return nil
	}
	return t.listen.LocalAddr()
}

func (t *UDPTransport) readInputs(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		if err := t.listen.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			return
		}
		n, _, err := t.listen.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				t.logger.Debugw("input read error", "error", err)
			}
			return
		}
		topics, err := DecodeTopics(t.enc, buf[:n])
		if err != nil {
			t.logger.Debugw("dropping malformed input datagram", "error", err)
			continue
		}
		t.mu.Lock()
		t.inputs = ApplyInputs(t.inputs, topics)
		t.lastInput = t.clock.Now()
		t.mu.Unlock()
	}
}

func (t *UDPTransport) write(topics map[string]any) error {
	if t.send == nil {
		return nil
	}
	data, err := EncodeTopics(t.enc, topics)
	if err != nil {
		return err
	}
	_, err = t.send.Write(data)
	return err
}

// Publish implements Transport.
func (t *UDPTransport) Publish(_ context.Context, frame Frame) error {
	return t.write(Topics(frame))
}

// PublishStatus implements Transport.
func (t *UDPTransport) PublishStatus(_ context.Context, status string) error {
	return t.write(StatusTopics(status))
}

// ReadInputs returns the latest inputs received, or defaults before the first.
func (t *UDPTransport) ReadInputs() Inputs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputs
}

// Connected reports whether an input datagram arrived recently.
func (t *UDPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.lastInput.IsZero() && t.clock.Since(t.lastInput) < inputFreshness
}

func (t *UDPTransport) closeConns() error {
	var err error
	if t.send != nil {
		err = multierr.Combine(err, t.send.Close())
	}
	if t.listen != nil {
		err = multierr.Combine(err, t.listen.Close())
	}
	return err
}

// Close stops the input listener and closes both sockets.
func (t *UDPTransport) Close() error {
	if t.workers != nil {
		t.workers.Stop()
	}
	return t.closeConns()
}
