package network

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"versus/server/pubsub"
)

// TCPServer speaks newline-delimited JSON envelopes.
type TCPServer struct {
	addr   string
	broker Dispatcher
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewTCPServer(addr string, broker Dispatcher, log *zap.Logger) *TCPServer {
	return &TCPServer{addr: addr, broker: broker, log: log}
}

// Listen accepts connections until ctx is cancelled.
func (s *TCPServer) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return eris.Wrapf(err, "listen on %s", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then waits for open connections to finish.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("[TCP] listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("[TCP] accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs one client until either side closes.
func (s *TCPServer) ServeConn(nc net.Conn) {
	conn, sub := s.broker.Open()
	log := s.log.With(zap.String("conn_id", conn.ID), zap.String("remote", nc.RemoteAddr().String()))
	log.Info("[TCP] connection established")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.write(nc, sub)
	}()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		s.broker.Dispatch(conn.ID, frame)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("[TCP] read failed", zap.Error(err))
	}

	s.broker.Close(conn.ID)
	<-done
	log.Info("[TCP] connection closed")
}

func (s *TCPServer) write(nc net.Conn, sub pubsub.Subscriber) {
	defer nc.Close()
	w := bufio.NewWriter(nc)
	for msg := range sub {
		if _, err := w.Write(msg.Payload); err != nil {
			return
		}
		if err := w.WriteByte('\n'); err != nil {
			return
		}
		if len(sub) == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}
