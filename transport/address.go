package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPort     = 23
	DefaultBaudRate = 115200
)

type Kind int

const (
	KindTCP Kind = iota
	KindSerial
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindSerial:
		return "serial"
	case KindWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Address is a parsed console address.
// Path is set for serial links, Host and Port for TCP, URL for WebSocket bridges.
type Address struct {
	Kind Kind
	Path string
	Host string
	Port int
	URL  string
}

func (a Address) String() string {
	switch a.Kind {
	case KindSerial:
		return a.Path
	case KindWebSocket:
		return a.URL
	default:
		return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
}

// ParseAddress classifies a console address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, errors.New("empty address")
	}
	if s[0] == '/' {
		return Address{Kind: KindSerial, Path: s}, nil
	}
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		u, err := url.Parse(s)
		if err != nil {
			return Address{}, fmt.Errorf("parsing WebSocket URL %q: %w", s, err)
		}
		if u.Host == "" {
			return Address{}, fmt.Errorf("WebSocket URL %q has no host", s)
		}
		return Address{Kind: KindWebSocket, URL: u.String()}, nil
	}

	u, err := url.Parse("tcp://" + s)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	host := u.Hostname()
	if host == "" {
		return Address{}, fmt.Errorf("address %q has no host", s)
	}
	port := DefaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return Address{}, fmt.Errorf("invalid port in address %q", s)
		}
		// a zero port means "unspecified"
		if n != 0 {
			port = n
		}
	}
	return Address{Kind: KindTCP, Host: host, Port: port}, nil
}
