// Package recordrpc implements the record-exchange protocol between huddle
// nodes: CBOR request/response pairs over a plain TCP stream. One request and
// one response per round; connections are reused for subsequent rounds.
package recordrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"huddle/protocol"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// Handler serves a single record request. Implementations must be safe for
// concurrent use; the server invokes the handler from per-connection
// goroutines.
type Handler interface {
	HandleRecord(req *protocol.RecordRequest) *protocol.RecordResponse
}

type Server struct {
	listener net.Listener
	handler  Handler
}

func NewServer(listener net.Listener, handler Handler) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
	}
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve accepts connections until the context is cancelled.
func (srv *Server) Serve(ctx context.Context) error {
	// Closing the listener will cause the Accept loop to unblock.
	go func() {
		<-ctx.Done()
		log.Debugf("recordrpc.Server: context cancelled, closing listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil {
			log.Warnf("recordrpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Accept() returning an error is expected once the listener
				// has been closed for shutdown.
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("recordrpc.Server: accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("recordrpc.Server: critical accept error on %s: %v", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("recordrpc.Server: accepted connection from %s", conn.RemoteAddr())
		go srv.serveConn(ctx, conn)
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req := &protocol.RecordRequest{}
		if err := decoder.Decode(req); err != nil {
			if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "use of closed network connection") {
				log.Debugf("recordrpc.Server: connection %s closed: %v", conn.RemoteAddr(), err)
			} else {
				log.Errorf("recordrpc.Server: error decoding request from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		res := srv.handle(conn.RemoteAddr(), req)

		if err := encoder.Encode(res); err != nil {
			log.Errorf("recordrpc.Server: error encoding response to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (srv *Server) handle(remote net.Addr, req *protocol.RecordRequest) (res *protocol.RecordResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recordrpc.Server: panic handling op %d from %s: %v", req.Op, remote, r)
			res = &protocol.RecordResponse{Err: fmt.Sprintf("internal error handling op %d", req.Op)}
		}
	}()

	return srv.handler.HandleRecord(req)
}
