package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/plcsim/plcsim/internal/fieldbus"
	"github.com/plcsim/plcsim/internal/memimage"
)

// Metrics receives counters from a Responder. Implementations must be
// concurrency-safe; a nil Metrics is a valid no-op.
type Metrics interface {
	ObserveRequest(funcCode byte)
	ObserveException(code byte)
	ConnOpened()
	ConnClosed()
}

// Config is the read-only, per-module configuration a Responder is
// initialized with: which memory sections back word and bit access, the
// advisory base address table, and whether the connection is closed after
// a single request.
type Config struct {
	// WordSection backs function codes 0x03/0x06/0x10. Defaults to
	// memimage.Words16 when left zero.
	WordSection memimage.Section
	// BitSection is carried from the module configuration. Function codes
	// 0x01/0x05/0x0F always address memimage.Bits, the image's only
	// bit-addressed section, whatever this field holds.
	BitSection memimage.Section
	// OneShot closes the connection after servicing exactly one
	// request.
	OneShot bool
	// BaseAddrs is advisory/display only (e.g. 40000 for holding
	// registers); it never affects wire addressing.
	BaseAddrs map[byte]int
}

func (c Config) wordSection() memimage.Section {
	if c.WordSection == "" {
		return memimage.Words16
	}
	return c.WordSection
}

func (c Config) bitSection() memimage.Section {
	if c.BitSection == "" {
		return memimage.Bits
	}
	return c.BitSection
}

// Responder is a per-connection Modbus/TCP protocol state machine. A
// template Responder is constructed once per configured module and
// cloned per accepted connection; only the clone gets a live net.Conn.
type Responder struct {
	ID      string
	Image   *memimage.Image
	Conf    Config
	Metrics Metrics

	// RecvTimeout bounds a single fragmented-read attempt; zero means no
	// deadline.
	RecvTimeout time.Duration

	Conn net.Conn
}

// recvNTries and recvPause bound how a request frame is assembled out of
// however many TCP segments it actually arrives in: up to recvNTries
// reads, each allowed to block for up to RecvTimeout, with recvPause
// between attempts.
const (
	recvNTries = 100
	recvPause  = 20 * time.Millisecond
)

// NewTemplate builds an unattached Responder for a fieldbus module; call
// Clone per accepted connection before Serve.
func NewTemplate(id string, img *memimage.Image, conf Config) *Responder {
	return &Responder{ID: id, Image: img, Conf: conf, RecvTimeout: 60 * time.Second}
}

// Clone returns an independent Responder sharing the same Memory Image and
// configuration, ready to be attached to a freshly accepted connection.
// This is the Go equivalent of the Python registry's shallow "copy of a
// module template": the image is shared by pointer, never cloned.
func (r *Responder) Clone(conn net.Conn) *Responder {
	clone := *r
	clone.Conn = conn
	return &clone
}

// Serve runs the request/response loop against Conn until the client
// closes the connection, one_shot completes, or a non-recoverable error
// occurs. It always closes Conn before returning.
func (r *Responder) Serve() error {
	defer r.Conn.Close()
	if r.Metrics != nil {
		r.Metrics.ConnOpened()
		defer r.Metrics.ConnClosed()
	}

	for {
		err := r.serveOne()
		if err != nil {
			if isExceptionHandled(err) {
				// Exception responses were already written;
				// connection stays open per the propagation
				// policy.
			} else {
				log.Debug("modbus: closing connection", "module", r.ID, "err", err)
				return err
			}
		}

		if r.Conf.OneShot {
			return nil
		}
	}
}

// exceptionHandled is a sentinel wrapping error used to signal that a
// handler already wrote its exception response and the connection should
// stay open for the next request.
type exceptionHandled struct{ cause error }

func (e exceptionHandled) Error() string { return e.cause.Error() }
func (e exceptionHandled) Unwrap() error { return e.cause }

func isExceptionHandled(err error) bool {
	var eh exceptionHandled
	return errors.As(err, &eh)
}

// recvFrame grows req to nbytesTotal using the fragmented-retry receive,
// then fails with ErrShortRead if the connection closed or errored before
// reaching that length — RecvFragment itself only reports length, leaving
// short-read detection to the caller.
func (r *Responder) recvFrame(req *fieldbus.Message, nbytesTotal int) error {
	if err := req.RecvFragment(r.Conn, nbytesTotal, r.RecvTimeout, recvNTries, recvPause); err != nil {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	if req.Len() < nbytesTotal {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortRead, req.Len(), nbytesTotal)
	}
	return nil
}

// serveOne reads exactly one request, dispatches it, and writes exactly
// one response (regular or exception). A handler error that has no
// exception response is returned without writing anything.
func (r *Responder) serveOne() error {
	req := fieldbus.NewMessage(0)

	if err := r.recvFrame(req, minMsgLen); err != nil {
		return err
	}

	if req.Word16(2) != 0 {
		return fmt.Errorf("%w: protocol id %#04x", ErrMalformedRequest, req.Word16(2))
	}

	funcCode := req.Bytes()[7]
	if funcCode == FuncWriteMultipleCoils || funcCode == FuncWriteMultipleRegs {
		nbytes := int(req.Bytes()[12])
		if err := r.recvFrame(req, minMsgLen+1+nbytes); err != nil {
			return err
		}
	}

	if r.Metrics != nil {
		r.Metrics.ObserveRequest(funcCode)
	}

	resp, excErr := r.dispatch(funcCode, req)
	if resp == nil {
		return excErr
	}
	if _, err := r.Conn.Write(resp); err != nil {
		return fmt.Errorf("modbus: response write: %w", err)
	}
	if excErr != nil {
		if r.Metrics != nil {
			r.Metrics.ObserveException(resp[8])
		}
		return exceptionHandled{cause: excErr}
	}
	return nil
}

// dispatch routes a request to its handler and returns the response frame.
// A non-nil excErr with a non-nil resp marks an exception response (the
// caller still writes it; exceptions just keep the connection open); a
// nil resp means the error has no response and closes the connection.
func (r *Responder) dispatch(funcCode byte, req *fieldbus.Message) (resp []byte, excErr error) {
	switch funcCode {
	case FuncReadCoils:
		return r.handleBoundsChecked(req, r.readCoils)
	case FuncReadHoldingRegs:
		return r.handleBoundsChecked(req, r.readHoldingRegs)
	case FuncWriteSingleCoil:
		return r.handleBoundsChecked(req, r.writeSingleCoil)
	case FuncWriteSingleReg:
		return r.handleBoundsChecked(req, r.writeSingleReg)
	case FuncWriteMultipleCoils:
		return r.handleBoundsChecked(req, r.writeMultipleCoils)
	case FuncWriteMultipleRegs:
		return r.handleBoundsChecked(req, r.writeMultipleRegs)
	default:
		return r.exceptionResponse(req, ErrIllegalFunction), ErrUnsupportedFunction
	}
}

// handlerFunc produces a successful response or returns an error for the
// bounds-checking wrapper to translate.
type handlerFunc func(req *fieldbus.Message) ([]byte, error)

// handleBoundsChecked wraps a handler so that memimage.ErrOutOfBounds
// becomes an illegal_data_address exception response; any other error
// propagates unchanged to close the connection.
func (r *Responder) handleBoundsChecked(req *fieldbus.Message, fn handlerFunc) ([]byte, error) {
	resp, err := fn(req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, memimage.ErrOutOfBounds) {
		return r.exceptionResponse(req, ErrIllegalDataAddress), err
	}
	return nil, err
}

// exceptionResponse sets the exception flag on the function code and
// places the exception code at offset 8. The MBAP length field is always
// re-stamped to 3, uniformly for every exception, including the
// write-function codes.
func (r *Responder) exceptionResponse(req *fieldbus.Message, code Exception) []byte {
	resp := make([]byte, 9)
	copy(resp, req.Bytes()[:8])
	resp[7] |= exceptionFlag
	resp[8] = byte(code)
	binary.BigEndian.PutUint16(resp[4:6], 3)
	return resp
}

// stampLength recomputes the MBAP length field (bytes 4-5) as len(resp)-6
// for a successful response.
func stampLength(resp []byte) {
	binary.BigEndian.PutUint16(resp[4:6], uint16(len(resp)-6))
}

func (r *Responder) readCoils(req *fieldbus.Message) ([]byte, error) {
	addr := int(req.Word16(8))
	nbits := int(req.Word16(10))

	data, err := r.Image.GetBits(addr, nbits)
	if err != nil {
		return nil, err
	}
	reverseBytes(data)

	byteCount := (nbits + 7) / 8
	resp := make([]byte, 9+byteCount)
	copy(resp, req.Bytes()[:8])
	resp[8] = byte(byteCount)
	copy(resp[9:], data)
	stampLength(resp)
	return resp, nil
}

func (r *Responder) readHoldingRegs(req *fieldbus.Message) ([]byte, error) {
	addr := int(req.Word16(8))
	nwords := int(req.Word16(10))

	data, err := r.Image.GetData(r.Conf.wordSection(), addr, nwords)
	if err != nil {
		return nil, err
	}

	byteCount := nwords * 2
	resp := make([]byte, 9+byteCount)
	copy(resp, req.Bytes()[:8])
	resp[8] = byte(byteCount)
	copy(resp[9:], data)
	stampLength(resp)
	return resp, nil
}

func (r *Responder) writeSingleCoil(req *fieldbus.Message) ([]byte, error) {
	addr := int(req.Word16(8))
	value := append([]byte(nil), req.Bytes()[10:12]...)
	reverseBytes(value)

	// The on/off payload (0xFF00 / 0x0000) reduces to its low-order bit
	// once reversed into right-to-left bit order.
	bit := []byte{value[len(value)-1] & 0x01}
	if err := r.Image.SetBits(addr, 1, bit); err != nil {
		return nil, err
	}

	resp := make([]byte, 12)
	copy(resp, req.Bytes()[:12])
	return resp, nil
}

func (r *Responder) writeSingleReg(req *fieldbus.Message) ([]byte, error) {
	addr := int(req.Word16(8))
	data := req.Bytes()[10:12]

	if err := r.Image.SetData(r.Conf.wordSection(), addr, 1, data); err != nil {
		return nil, err
	}

	resp := make([]byte, 12)
	copy(resp, req.Bytes()[:12])
	return resp, nil
}

func (r *Responder) writeMultipleCoils(req *fieldbus.Message) ([]byte, error) {
	addr := int(req.Word16(8))
	nbits := int(req.Word16(10))
	byteCount := int(req.Bytes()[12])
	data := append([]byte(nil), req.Bytes()[13:13+byteCount]...)
	reverseBytes(data)

	if err := r.Image.SetBits(addr, nbits, data); err != nil {
		return nil, err
	}

	resp := make([]byte, 12)
	copy(resp, req.Bytes()[:12])
	stampLength(resp)
	return resp, nil
}

func (r *Responder) writeMultipleRegs(req *fieldbus.Message) ([]byte, error) {
	addr := int(req.Word16(8))
	nwords := int(req.Word16(10))
	byteCount := int(req.Bytes()[12])
	data := req.Bytes()[13 : 13+byteCount]

	if err := r.Image.SetData(r.Conf.wordSection(), addr, nwords, data); err != nil {
		return nil, err
	}

	resp := make([]byte, 12)
	copy(resp, req.Bytes()[:12])
	stampLength(resp)
	return resp, nil
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
