package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

type TCPDialer struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (d *TCPDialer) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d *TCPDialer) DialContext(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.String())
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, &ConnectionError{Target: d.String(), Err: fmt.Errorf("host %q not found: %w", d.Host, err)}
		}
		return nil, &ConnectionError{Target: d.String(), Err: err}
	}
	return conn, nil
}
