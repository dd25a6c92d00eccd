package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxSkippedFrames bounds how many unrelated frames are discarded while
// waiting for a reply.
const maxSkippedFrames = 16

type DongleTransport struct {
	*localCore

	config     Config
	mu         sync.Mutex
	conn       net.Conn
	dialer     *net.Dialer
	instrument []Instrument
}

func NewDongleTransport(config Config, logger *zap.Logger, instrument ...Instrument) (*DongleTransport, error) {
	config.Kind = KindDongle
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &DongleTransport{
		config:     config,
		dialer:     &net.Dialer{Timeout: config.Timeout},
		instrument: instrument,
	}
	t.localCore = newLocalCore(KindDongle, config.Serial, t, logger.With(
		zap.String("transport", string(KindDongle)),
		zap.String("serial", config.Serial),
		zap.String("dongle", config.DongleSerial)))
	t.SetInterconnect(config.IsInterconnect())
	return t, nil
}

func (t *DongleTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.IsConnected() {
		return nil
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", t.config.Address())
	if err != nil {
		return &ConnectionError{Op: "connect", Kind: KindDongle, Err: err}
	}
	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("connected", zap.String("address", t.config.Address()))
	return nil
}

func (t *DongleTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected.Swap(false) {
		return nil
	}
	t.logger.Info("disconnected")
	return t.conn.Close()
}

func (t *DongleTransport) readInput(ctx context.Context, start, count uint16) ([]uint16, error) {
	p, err := t.exchange(ctx, "ReadInputRegisters", fnReadInput, start, encodeReadRequest(fnReadInput, t.config.Serial, start, count))
	if err != nil {
		return nil, err
	}
	return p.words, nil
}

func (t *DongleTransport) readHolding(ctx context.Context, start, count uint16) ([]uint16, error) {
	p, err := t.exchange(ctx, "ReadHoldingRegisters", fnReadHolding, start, encodeReadRequest(fnReadHolding, t.config.Serial, start, count))
	if err != nil {
		return nil, err
	}
	return p.words, nil
}

func (t *DongleTransport) writeHolding(ctx context.Context, start uint16, values []uint16) error {
	fn := fnWriteMulti
	if len(values) == 1 {
		fn = fnWriteSingle
	}
	_, err := t.exchange(ctx, "WriteRegisters", fn, start, encodeWriteRequest(t.config.Serial, start, values))
	return err
}

// exchange sends one request and waits for the matching reply. Heartbeats are
// echoed back and replies for other requests are skipped.
func (t *DongleTransport) exchange(ctx context.Context, op string, fn byte, start uint16, packet []byte) (devicePacket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return devicePacket{}, err
	}
	if !t.IsConnected() {
		return devicePacket{}, notConnected(KindDongle, op)
	}
	defer RecordTimer(KindDongle, op, t.instrument)()

	deadline := time.Now().Add(t.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return devicePacket{}, t.drop(op, err)
	}

	if _, err := t.conn.Write(encodeFrame(tcpFuncData, t.config.DongleSerial, packet)); err != nil {
		return devicePacket{}, t.drop(op, err)
	}

	for skipped := 0; skipped < maxSkippedFrames; skipped++ {
		frame, err := readFrame(t.conn)
		if err != nil {
			return devicePacket{}, t.drop(op, err)
		}
		if frame.tcpFunc == tcpFuncHeartbeat {
			if _, err := t.conn.Write(frame.raw); err != nil {
				return devicePacket{}, t.drop(op, err)
			}
			continue
		}
		if frame.tcpFunc != tcpFuncData {
			continue
		}
		p, err := decodePacket(frame.data)
		if err != nil {
			t.logger.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		if p.action != actionResponse || p.function&^fnExceptionBit != fn || p.start != start {
			continue
		}
		if p.isException() {
			return devicePacket{}, &ProtocolError{
				Op:        op,
				Kind:      KindDongle,
				Message:   fmt.Sprintf("device exception 0x%02x", p.exception),
				Transient: p.exception == exceptionBusy,
			}
		}
		return p, nil
	}
	return devicePacket{}, &ProtocolError{Op: op, Kind: KindDongle, Message: "no matching reply", Transient: true}
}

// drop closes the socket after an I/O failure. Callers hold t.mu.
func (t *DongleTransport) drop(op string, err error) error {
	t.logger.Warn("dongle i/o failed, dropping connection", zap.String("op", op), zap.Error(err))
	t.connected.Store(false)
	_ = t.conn.Close()
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ConnectionError{Op: op, Kind: KindDongle, Err: fmt.Errorf("timeout: %w", err)}
	}
	return &ConnectionError{Op: op, Kind: KindDongle, Err: err}
}
