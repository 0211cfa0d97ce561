package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// TCPChecker dials a node's SSH port to tell a dead agent from a dead host
type TCPChecker struct {
	// Address is host:port
	Address string

	// Timeout is the dial timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a TCP probe for address
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// NodeAddress returns the SSH endpoint of a node, port 22 unless set
func NodeAddress(node *types.Node) string {
	port := node.SSHPort
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(node.Address, strconv.Itoa(port))
}

// Check dials the address once
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s unreachable: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s reachable", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns CheckTypeTCP
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
