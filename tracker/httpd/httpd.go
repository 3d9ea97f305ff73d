// Package httpd implements the tracker's accept loop: a non-blocking TCP
// listener handed off to a fixed pool of eight workers, routing each
// connection's request line to the stats pages, the JSON state dump, or
// the Announce Handler. It is grounded on
// Tracker/src/listener.rs's Listener::new/listen/handle_connection and
// Tracker/src/threadpool.rs's ThreadPool, which spec.md's §4.7 distills
// into "accept loop" / "request routing" prose.
package httpd

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gorent/tracker/announce"
	"gorent/tracker/state"
)

//go:embed assets/stats.html assets/stats.js
var assets embed.FS

// AcceptBackoff is the accept loop's idle poll interval, matching the
// original's ACCEPT_SLEEP_TIME.
const AcceptBackoff = 1 * time.Second

// WorkerCount is the fixed size of the connection-handling worker pool.
const WorkerCount = 8

// readBufferSize is the size of the single read performed per connection;
// the request line and the announce query string both fit comfortably
// within it, matching the original's fixed 1024-byte read buffer.
const readBufferSize = 1024

// Listener owns the tracker's bound TCP socket and the shared Tracker
// State every worker reads and mutates.
type Listener struct {
	ln    *net.TCPListener
	state *state.State
	log   *logrus.Entry

	stop chan struct{}
}

// New binds addr (e.g. ":8080") in non-blocking mode.
func New(addr string, st *state.State, log *logrus.Entry) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpd: resolving %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("httpd: binding %s: %w", addr, err)
	}
	return &Listener{ln: ln, state: st, log: log, stop: make(chan struct{})}, nil
}

// Addr returns the bound local address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the accept loop and releases the socket.
func (l *Listener) Close() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	return l.ln.Close()
}

// Serve runs the accept loop until Close is called. A fixed pool of
// WorkerCount tokens gates concurrently in-flight connections; this is the
// idiomatic Go replacement for the original's panic-detecting
// ThreadPool/ThreadManager restart machinery — a goroutine that recovers
// from a panic via defer/recover simply keeps living, so there is nothing
// to restart, only a concurrency cap to enforce.
func (l *Listener) Serve() error {
	tokens := make(chan struct{}, WorkerCount)
	for i := 0; i < WorkerCount; i++ {
		tokens <- struct{}{}
	}

	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		if err := l.ln.SetDeadline(time.Now().Add(AcceptBackoff)); err != nil {
			return fmt.Errorf("httpd: setting accept deadline: %w", err)
		}
		conn, err := l.ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-l.stop:
				return nil
			default:
			}
			if l.log != nil {
				l.log.WithError(err).Warn("httpd: accept error")
			}
			time.Sleep(AcceptBackoff)
			continue
		}

		<-tokens
		go func() {
			defer func() { tokens <- struct{}{} }()
			defer func() {
				if r := recover(); r != nil && l.log != nil {
					l.log.Errorf("httpd: connection handler panicked: %v", r)
				}
			}()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		if l.log != nil {
			l.log.WithError(err).Debug("httpd: read failed")
		}
		return
	}
	request := string(buf[:n])
	sourceIP := sourceIPOf(conn)

	status, body, contentType := l.route(request, sourceIP)
	writeResponse(conn, status, contentType, body)

	if l.log != nil {
		l.log.WithField("status", status).Debug("httpd: request handled")
	}
}

func (l *Listener) route(request, sourceIP string) (status string, body []byte, contentType string) {
	switch {
	case strings.HasPrefix(request, "GET /stats "), strings.HasPrefix(request, "GET /stats\r"):
		return serveAsset("assets/stats.html", "text/html")
	case strings.HasPrefix(request, "GET /stats.js"):
		return serveAsset("assets/stats.js", "application/javascript")
	case strings.HasPrefix(request, "GET /stats/data"):
		data, err := l.state.MarshalJSON()
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warn("httpd: marshaling stats data failed")
			}
			return "HTTP/1.1 500 INTERNAL SERVER ERROR", []byte("internal error"), "text/plain"
		}
		return "HTTP/1.1 200 OK", data, "application/json"
	case strings.HasPrefix(request, "GET /announce?"):
		return l.serveAnnounce(request, sourceIP)
	default:
		return "HTTP/1.1 404 NOT FOUND", []byte("not found"), "text/plain"
	}
}

func (l *Listener) serveAnnounce(request, sourceIP string) (status string, body []byte, contentType string) {
	rawQuery := requestLineQuery(request)
	params, err := announce.ParseQuery(rawQuery)
	if err != nil {
		if l.log != nil {
			l.log.WithError(err).Debug("httpd: malformed announce request")
		}
		return "HTTP/1.1 400 BAD REQUEST", []byte(err.Error()), "text/plain"
	}

	respBody, err := announce.Handle(l.state, params, sourceIP, time.Now().Unix())
	if err != nil {
		if l.log != nil {
			l.log.WithError(err).Debug("httpd: announce handler rejected request")
		}
		return "HTTP/1.1 400 BAD REQUEST", []byte(err.Error()), "text/plain"
	}
	return "HTTP/1.1 200 OK", respBody, "text/plain"
}

// requestLineQuery extracts the query string between "GET /announce?" and
// the next space or CRLF.
func requestLineQuery(request string) string {
	const prefix = "GET /announce?"
	rest := strings.TrimPrefix(request, prefix)
	if end := strings.IndexAny(rest, " \r\n"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func serveAsset(name, contentType string) (status string, body []byte, ct string) {
	data, err := assets.ReadFile(name)
	if err != nil {
		return "HTTP/1.1 404 NOT FOUND", []byte("not found"), "text/plain"
	}
	return "HTTP/1.1 200 OK", data, contentType
}

func writeResponse(w io.Writer, status, contentType string, body []byte) {
	header := fmt.Sprintf("%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", status, contentType, len(body))
	io.WriteString(w, header)
	w.Write(body)
}

func sourceIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
