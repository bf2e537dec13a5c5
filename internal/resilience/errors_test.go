package resilience

import (
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutConnErr mimics the net.Error a dial deadline produces.
type timeoutConnErr struct {
	timeout bool
}

func (e timeoutConnErr) Error() string   { return "dial partner endpoint: deadline exceeded" }
func (e timeoutConnErr) Timeout() bool   { return e.timeout }
func (e timeoutConnErr) Temporary() bool { return e.timeout }

func TestIsTransientNil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransientExplicitMarker(t *testing.T) {
	err := NewTransientError(eris.New("claims pull failed"), 503)
	assert.True(t, IsTransient(err))

	wrapped := eris.Wrap(err, "interline fetch")
	assert.True(t, IsTransient(wrapped), "marker survives wrapping")
}

func TestIsTransientNetTimeout(t *testing.T) {
	assert.True(t, IsTransient(timeoutConnErr{timeout: true}))
	assert.True(t, IsTransient(fmt.Errorf("fetch bsp tape: %w", timeoutConnErr{timeout: true})))
	assert.False(t, IsTransient(timeoutConnErr{timeout: false}),
		"a net.Error that is not a timeout needs another signal")
}

func TestIsTransientSyscallErrno(t *testing.T) {
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
	} {
		err := fmt.Errorf("read tcp 10.4.2.17:443: %w", errno)
		assert.True(t, IsTransient(err), "errno %v", errno)
	}
}

func TestIsTransientMessageHints(t *testing.T) {
	hits := []string{
		"unexpected EOF: server closed idle connection",
		"Get https://gds.example/claims: TLS handshake timeout",
		"ftp retrieve RET-202603.csv: broken pipe",
		"lookup sftp.bsp.example: Temporary failure in name resolution",
	}
	for _, msg := range hits {
		assert.True(t, IsTransient(eris.New(msg)), "message %q", msg)
	}

	misses := []string{
		"parse claim record: bad amount field",
		"403 forbidden",
		"duplicate sequence for channel amadeus",
	}
	for _, msg := range misses {
		assert.False(t, IsTransient(eris.New(msg)), "message %q", msg)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	retryable := []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
	for _, status := range retryable {
		assert.True(t, IsTransientHTTPStatus(status), "status %d", status)
	}

	terminal := []int{
		http.StatusOK,
		http.StatusMovedPermanently,
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusNotImplemented,
	}
	for _, status := range terminal {
		assert.False(t, IsTransientHTTPStatus(status), "status %d", status)
	}
}

func TestTransientErrorMessage(t *testing.T) {
	withStatus := NewTransientError(eris.New("interline claims pull failed"), 503)
	assert.Equal(t, "interline claims pull failed (status 503)", withStatus.Error())

	bare := NewTransientError(eris.New("connection dropped mid-download"), 0)
	assert.Equal(t, "connection dropped mid-download", bare.Error())
}

func TestTransientErrorUnwrap(t *testing.T) {
	cause := eris.New("stream reset")
	err := NewTransientError(cause, 0)
	require.ErrorIs(t, err, cause)
}
