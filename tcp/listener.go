package tcp

import (
	"fmt"
	"net"

	"github.com/cybroslabs/dlms-engine/base"
	"go.uber.org/zap"
)

// Listener accepts incoming connections of a DLMS server.
type Listener struct {
	listener net.Listener
	logger   *zap.SugaredLogger
}

func Listen(address string, logger *zap.SugaredLogger) (*Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s failed: %w", address, err)
	}
	if logger != nil {
		logger.Infof("Listening on %s", l.Addr())
	}
	return &Listener{listener: l, logger: logger}, nil
}

// Accept blocks for the next connection, the returned stream is already open.
func (l *Listener) Accept() (base.Stream, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	if l.logger != nil {
		l.logger.Infof("Accepted connection from %s", conn.RemoteAddr())
	}
	s := NewFromConn(conn)
	s.SetLogger(l.logger)
	return s, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
