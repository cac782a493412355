// Package iso8583 exposes the resolver over the card network's wire
// protocol: an ISO 8583 TCP server accepting 0100 authorization requests
// with 2-byte big-endian length framing.
package iso8583

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	moovis8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/specs"
	"golang.org/x/exp/slog"

	"github.com/pocketpay/spendflow/internal/cardsec"
	"github.com/pocketpay/spendflow/resolver/models"
)

// Authorizer resolves an authorization arriving with a raw PAN.
type Authorizer interface {
	AuthorizePAN(ctx context.Context, pan, expiry string, tx models.Transaction) (*models.Resolution, error)
}

// Response codes returned in DE39.
const (
	CodeApproved          = "00"
	CodeDeclined          = "05"
	CodeInvalidCard       = "14"
	CodeInsufficientFunds = "51"
	CodeExpiredCard       = "54"
	CodeTransient         = "91"
	CodeSystemError       = "96"
)

type Server struct {
	logger     *slog.Logger
	addr       string
	Addr       string
	authorizer Authorizer

	ln     net.Listener
	wg     sync.WaitGroup
	closed chan struct{}
}

func NewServer(logger *slog.Logger, addr string, authorizer Authorizer) *Server {
	return &Server{
		logger:     logger.With(slog.String("component", "iso8583-server")),
		addr:       addr,
		authorizer: authorizer,
		closed:     make(chan struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("iso8583 server started", slog.String("addr", s.Addr))
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.closed:
					return
				default:
					s.logger.Error("accepting connection", "err", err)
					return
				}
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}()
		}
	}()
	return nil
}

func (s *Server) Close() error {
	close(s.closed)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := readFramed(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("reading message", "err", err)
			}
			return
		}

		response, err := s.handleMessage(raw)
		if err != nil {
			s.logger.Error("handling message", "err", err)
			return
		}
		if err := writeFramed(conn, response); err != nil {
			s.logger.Error("writing response", "err", err)
			return
		}
	}
}

func (s *Server) handleMessage(raw []byte) ([]byte, error) {
	message := moovis8583.NewMessage(specs.Spec87ASCII)
	if err := message.Unpack(raw); err != nil {
		return nil, fmt.Errorf("unpacking message: %w", err)
	}
	mti, err := message.GetMTI()
	if err != nil {
		return nil, fmt.Errorf("reading MTI: %w", err)
	}
	if mti != "0100" {
		return nil, fmt.Errorf("unsupported MTI %s", mti)
	}

	pan, _ := message.GetString(2)
	amountStr, _ := message.GetString(4)
	stan, _ := message.GetString(11)
	expiry, _ := message.GetString(14)
	mcc, _ := message.GetString(18)
	currency, _ := message.GetString(49)

	code := s.authorize(pan, expiry, stan, amountStr, currency, mcc)

	response := moovis8583.NewMessage(specs.Spec87ASCII)
	response.MTI("0110")
	if err := response.Field(11, stan); err != nil {
		return nil, err
	}
	if err := response.Field(39, code); err != nil {
		return nil, err
	}
	packed, err := response.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing response: %w", err)
	}
	return packed, nil
}

func (s *Server) authorize(pan, expiry, stan, amountStr, currency, mcc string) string {
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil || amount <= 0 {
		return CodeDeclined
	}

	tx := models.Transaction{
		// STAN scoped by card tail: the idempotency key for retransmits.
		ID:            fmt.Sprintf("iso8583:%s:%s", cardsec.LastN(pan, 4), stan),
		LocalAmount:   amount,
		LocalCurrency: alphaCurrency(currency),
		MCC:           mcc,
	}
	res, err := s.authorizer.AuthorizePAN(context.Background(), pan, expiry, tx)
	if err != nil {
		if errors.Is(err, models.ErrLockTimeout) {
			return CodeTransient
		}
		return CodeSystemError
	}
	return responseCode(res.Reason)
}

func responseCode(reason models.ReasonCode) string {
	switch reason {
	case models.ReasonApproved:
		return CodeApproved
	case models.ReasonInsufficientFunds:
		return CodeInsufficientFunds
	case models.ReasonExpiredCard:
		return CodeExpiredCard
	case models.ReasonInvalidCard:
		return CodeInvalidCard
	case models.ReasonLockTimeout:
		return CodeTransient
	default:
		return CodeDeclined
	}
}

// alphaCurrency maps ISO 4217 numeric codes from DE49 to alpha codes; alpha
// input passes through.
func alphaCurrency(code string) string {
	switch code {
	case "840":
		return "USD"
	case "978":
		return "EUR"
	case "826":
		return "GBP"
	case "170":
		return "COP"
	case "484":
		return "MXN"
	case "986":
		return "BRL"
	case "392":
		return "JPY"
	default:
		return code
	}
}

func readFramed(r io.Reader) ([]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header)
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFramed(w io.Writer, body []byte) error {
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadMessageLength and WriteMessageLength implement the framing for
// iso8583-connection clients.
func ReadMessageLength(r io.Reader) (int, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(header)), nil
}

func WriteMessageLength(w io.Writer, length int) (int, error) {
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(length))
	return w.Write(header)
}
