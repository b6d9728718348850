// Package devredis runs an in-process miniredis instance for local
// development and manual testing of the producer/consumer binaries without
// a real Redis, adapted from the teacher's cmd/redis_server into a
// library helper instead of a standalone binary.
package devredis

import (
	"fmt"

	"github.com/alicebob/miniredis/v2"
)

// Server wraps a miniredis instance bound to a fixed address.
type Server struct {
	mr *miniredis.Miniredis
}

// Start launches a miniredis server listening on addr (e.g. "127.0.0.1:6379").
func Start(addr string) (*Server, error) {
	mr := miniredis.NewMiniRedis()
	if err := mr.StartAddr(addr); err != nil {
		return nil, fmt.Errorf("devredis: starting miniredis on %s: %w", addr, err)
	}
	return &Server{mr: mr}, nil
}

// Addr returns the address the server is actually listening on.
func (s *Server) Addr() string {
	return s.mr.Addr()
}

// Close stops the server.
func (s *Server) Close() {
	s.mr.Close()
}
