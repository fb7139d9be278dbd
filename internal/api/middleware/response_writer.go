// Package middleware provides Gin middleware for the broker's HTTP surface:
// structured request logging and a response writer wrapper that tracks
// whether any response byte has reached the client yet.
package middleware

import (
	"bufio"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// trackingWriter wraps gin.ResponseWriter to record the first time a byte is
// written to the client. The api relay handler consults HasSentBytes before
// deciding whether a failed upstream call may still be retried internally
// (§7 of the spec: "once any response body byte has been written, no retry
// is possible").
type trackingWriter struct {
	gin.ResponseWriter
	wroteBytes bool
	bytesSent  int64
}

func wrapResponseWriter(c *gin.Context) *trackingWriter {
	tw := &trackingWriter{ResponseWriter: c.Writer}
	c.Writer = tw
	return tw
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	if n > 0 {
		w.wroteBytes = true
		w.bytesSent += int64(n)
	}
	return n, err
}

func (w *trackingWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	if n > 0 {
		w.wroteBytes = true
		w.bytesSent += int64(n)
	}
	return n, err
}

// Flush proxies to the underlying writer's Flush when it supports it, which
// SSE streaming relies on to push each frame to the client immediately.
func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack proxies to the underlying writer's Hijack for protocol upgrades.
func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.Hijack()
}

// HasSentBytes reports whether any response body byte has reached the client.
func HasSentBytes(c *gin.Context) bool {
	if c == nil {
		return false
	}
	if tw, ok := c.Writer.(*trackingWriter); ok {
		return tw.wroteBytes
	}
	return false
}

// BytesSent returns the number of response body bytes written so far.
func BytesSent(c *gin.Context) int64 {
	if c == nil {
		return 0
	}
	if tw, ok := c.Writer.(*trackingWriter); ok {
		return tw.bytesSent
	}
	return 0
}
