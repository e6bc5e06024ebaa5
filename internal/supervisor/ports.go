package supervisor

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// pickPort probes upward from start by binding and releasing each port. It
// returns the first port that could be bound.
func pickPort(host string, start, span int) (int, error) {
	if start <= 0 {
		return pickFreePort(host)
	}
	var lastErr error
	for p := start; p < start+span && p <= 65535; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			lastErr = err
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, &PortUnavailableError{Port: start, Err: fmt.Errorf("no free port in %d-%d: %w", start, start+span-1, lastErr)}
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, &PortUnavailableError{Err: err}
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// bindFailure reports whether process output looks like a failed bind.
func bindFailure(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "address already in use") ||
		strings.Contains(s, "couldn't bind") ||
		strings.Contains(s, "failed to bind")
}

// expandArgs substitutes ${PORT} and ${HOST} in each argument.
func expandArgs(args []string, host string, port int) []string {
	r := strings.NewReplacer("${PORT}", strconv.Itoa(port), "${HOST}", host)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
