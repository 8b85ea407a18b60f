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

// DefaultDialTimeout applies when a caller passes a zero timeout.
const DefaultDialTimeout = 5 * time.Second

// Dial opens a TCP connection to addr. When timeout is positive the
// returned connection also carries that overall I/O deadline.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialTimeout := timeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set deadline on %s: %w", addr, err)
		}
	}
	return conn, nil
}

// Listen binds a TCP listener on addr.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// BindAddr turns an advertised host:port into the address to bind.
// Named hosts bind on all interfaces; literal IPs bind as given.
func BindAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil || host == "" {
		return addr
	}
	return ":" + port
}

// Serve accepts connections on ln until ctx is cancelled, handling each on
// its own goroutine. The listener is closed on cancellation and Serve
// waits for in-flight handlers before returning. A panicking handler is
// logged and its connection closed.
func Serve(ctx context.Context, ln net.Listener, logger *zap.Logger, handle func(ctx context.Context, conn net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Connection handler panicked",
						zap.String("remote", conn.RemoteAddr().String()),
						zap.Any("panic", r))
				}
			}()
			handle(ctx, conn)
		}()
	}
}
