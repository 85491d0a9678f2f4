package frontend

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

const maxPort = 65535

// PortAvailable reports whether a TCP listener can bind host:port right
// now. The probe listener is closed before returning.
func PortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// FindAvailablePort returns the first bindable port at or above start.
// Each occupied port is logged. The scan only fails when it runs off
// the end of the port range.
func FindAvailablePort(host string, start int, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if start <= 0 || start > maxPort {
		return 0, fmt.Errorf("invalid port %d", start)
	}
	for port := start; port <= maxPort; port++ {
		if PortAvailable(host, port) {
			return port, nil
		}
		logger.Warn("port in use, trying next", "port", port, "next", port+1)
	}
	return 0, fmt.Errorf("no available port at or above %d", start)
}
