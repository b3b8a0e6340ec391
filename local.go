package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"os"
)

// localServer accepts clients on a filesystem stream socket. Each connection
// is a newline-delimited bidirectional JSON-RPC stream bridged to the router.
type localServer struct {
	path   string
	router *Router
}

func newLocalServer(path string, router *Router) *localServer {
	return &localServer{path: path, router: router}
}

// Serve binds the socket (replacing any stale file, mode 0600) and accepts
// until ctx is cancelled.
func (s *localServer) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return err
	}
	log.Printf("<local> listening on %s", s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("<local> accept error: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn processes frames sequentially; intra-connection order is
// preserved, connections run concurrently.
func (s *localServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(trimNewline(frame)) == 0 {
			continue
		}
		reply := s.router.DispatchFrame(frame)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(append(reply, '\n')); err != nil {
			log.Printf("<local> write error: %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("<local> read error: %v", err)
	}
}
