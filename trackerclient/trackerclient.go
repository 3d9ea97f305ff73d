// Package trackerclient issues the HTTP announce request to a torrent's
// tracker, decodes its Bencoded response, and yields the peer list. It is
// grounded on the teacher's torrent.RequestPeers (net/url + net/http GET),
// generalized to a raw TCP write matching spec §4.6's literal request
// framing and taught to decode both the compact and list-of-dicts peer
// forms.
package trackerclient

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gorent/bencode"
	"gorent/peer"
)

// Event tags the announce lifecycle event being reported.
type Event string

const (
	Started   Event = "started"
	Completed Event = "completed"
	Stopped   Event = "stopped"
	Empty     Event = ""
)

// DefaultNumWant is requested when the caller doesn't have an opinion.
const DefaultNumWant = 50

// DialTimeout bounds the tracker connection + response read.
const DialTimeout = 15 * time.Second

// TrackerUnreachable wraps a network-level failure talking to the tracker.
type TrackerUnreachable struct {
	URL string
	Err error
}

func (e *TrackerUnreachable) Error() string {
	return fmt.Sprintf("trackerclient: %s unreachable: %v", e.URL, e.Err)
}
func (e *TrackerUnreachable) Unwrap() error { return e.Err }

// TrackerMalformed is returned when the tracker's response body isn't valid
// Bencoding or isn't a dictionary.
type TrackerMalformed struct {
	Reason string
}

func (e *TrackerMalformed) Error() string {
	return fmt.Sprintf("trackerclient: malformed tracker response: %s", e.Reason)
}

// TrackerMissingField is returned when a required response key is absent.
type TrackerMissingField struct {
	Field string
}

func (e *TrackerMissingField) Error() string {
	return fmt.Sprintf("trackerclient: tracker response missing %q", e.Field)
}

// Request describes one announce call.
type Request struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        uint16
	Uploaded    int64
	Downloaded  int64
	Left        int64
	Event       Event
	NumWant     int
}

// Response is the decoded tracker reply.
type Response struct {
	Interval int
	Peers    []peer.Addr
	TrackerID string
}

// GeneratePeerID builds a peer-id with an Azureus-style client prefix
// followed by a random suffix, in place of the teacher's hardcoded
// "-GO0001-123456789012".
func GeneratePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-GR0001-")
	suffix := uuid.New()
	copy(id[8:], suffix[:12])
	return id
}

// Announce performs one tracker round trip.
func Announce(req Request) (*Response, error) {
	u, err := buildURL(req)
	if err != nil {
		return nil, &TrackerMalformed{Reason: err.Error()}
	}

	conn, err := net.DialTimeout("tcp", hostPort(u), DialTimeout)
	if err != nil {
		return nil, &TrackerUnreachable{URL: req.AnnounceURL, Err: err}
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(DialTimeout))

	requestLine := fmt.Sprintf("GET %s?%s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", u.Path, u.RawQuery, u.Host)
	if _, err := conn.Write([]byte(requestLine)); err != nil {
		return nil, &TrackerUnreachable{URL: req.AnnounceURL, Err: err}
	}

	raw, err := readAll(conn)
	if err != nil {
		return nil, &TrackerUnreachable{URL: req.AnnounceURL, Err: err}
	}

	body, err := splitBody(raw)
	if err != nil {
		return nil, &TrackerMalformed{Reason: err.Error()}
	}

	return decodeResponse(body)
}

func buildURL(req Request) (*url.URL, error) {
	u, err := url.Parse(req.AnnounceURL)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	if req.Event != Empty {
		q.Set("event", string(req.Event))
	}
	numWant := req.NumWant
	if numWant == 0 {
		numWant = DefaultNumWant
	}
	q.Set("numwant", strconv.Itoa(numWant))
	u.RawQuery = q.Encode()
	return u, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func readAll(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	r := bufio.NewReader(conn)
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

func splitBody(raw []byte) ([]byte, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		return nil, fmt.Errorf("no header/body separator found")
	}
	return raw[idx+len(sep):], nil
}

func decodeResponse(body []byte) (*Response, error) {
	val, _, err := bencode.Decode(body)
	if err != nil {
		return nil, &TrackerMalformed{Reason: err.Error()}
	}
	dict, err := val.AsDict()
	if err != nil {
		return nil, &TrackerMalformed{Reason: "response is not a dictionary"}
	}

	if failure, ok := dict["failure reason"]; ok {
		reason, _ := failure.AsString()
		return nil, &TrackerMalformed{Reason: string(reason)}
	}

	intervalVal, ok := dict["interval"]
	if !ok {
		return nil, &TrackerMissingField{Field: "interval"}
	}
	interval, err := intervalVal.AsInt()
	if err != nil {
		return nil, &TrackerMissingField{Field: "interval"}
	}

	peersVal, ok := dict["peers"]
	if !ok {
		return nil, &TrackerMissingField{Field: "peers"}
	}

	addrs, err := decodePeers(peersVal)
	if err != nil {
		return nil, err
	}

	trackerID := ""
	if tidVal, ok := dict["tracker id"]; ok {
		if tid, err := tidVal.AsString(); err == nil {
			trackerID = string(tid)
		}
	}

	return &Response{Interval: int(interval), Peers: addrs, TrackerID: trackerID}, nil
}

// decodePeers accepts either the compact (single byte-string) form or the
// list-of-dicts form {ip, port} per peer.
func decodePeers(v bencode.Value) ([]peer.Addr, error) {
	if compact, err := v.AsString(); err == nil {
		addrs, err := peer.UnmarshalCompact(compact)
		if err != nil {
			return nil, &TrackerMalformed{Reason: err.Error()}
		}
		return addrs, nil
	}

	list, err := v.AsList()
	if err != nil {
		return nil, &TrackerMalformed{Reason: "\"peers\" is neither a byte string nor a list"}
	}

	addrs := make([]peer.Addr, 0, len(list))
	for _, item := range list {
		entry, err := item.AsDict()
		if err != nil {
			return nil, &TrackerMalformed{Reason: "peer entry is not a dictionary"}
		}
		ipVal, ok := entry["ip"]
		if !ok {
			return nil, &TrackerMissingField{Field: "peers[].ip"}
		}
		ipStr, err := ipVal.AsString()
		if err != nil {
			return nil, &TrackerMalformed{Reason: "peer ip is not a byte string"}
		}
		portVal, ok := entry["port"]
		if !ok {
			return nil, &TrackerMissingField{Field: "peers[].port"}
		}
		port, err := portVal.AsInt()
		if err != nil {
			return nil, &TrackerMalformed{Reason: "peer port is not an integer"}
		}
		ip := net.ParseIP(string(ipStr))
		if ip == nil {
			return nil, &TrackerMalformed{Reason: fmt.Sprintf("invalid peer ip %q", ipStr)}
		}
		addrs = append(addrs, peer.Addr{IP: ip, Port: uint16(port)})
	}
	return addrs, nil
}
