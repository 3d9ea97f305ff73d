// Package announce implements the Announce Handler: parsing a request
// line's query string into a tagged parameter map, validating and
// applying it against the Tracker State, and building the Bencoded
// response. It is grounded on Tracker/src/announce_utils.rs's
// parse_announce/URLParams and Tracker/src/tracker.rs's handle_announce/
// get_announce_response, which spec.md's §4.7 distills into prose.
package announce

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"gorent/bencode"
	"gorent/tracker/state"
)

// DefaultInterval is returned when the tracker has no configured interval
// override, per SPEC_FULL.md open question 4.
const DefaultInterval = 1800

// DefaultNumWant caps the peer list when a request omits numwant.
const DefaultNumWant = 50

// TrackerID is the constant "tracker id" value this implementation returns;
// it never rotates clients to a new tracker instance.
const TrackerID = "gorent-tracker"

// Value is one query-string parameter: either its raw decoded bytes (used
// only for info_hash) or its decoded string form, mirroring the original's
// URLParams{String, Vector} tagged enum.
type Value struct {
	str     string
	bytes   []byte
	isBytes bool
}

func stringValue(s string) Value { return Value{str: s} }
func bytesValue(b []byte) Value  { return Value{bytes: b, isBytes: true} }

// AsString returns the parameter's textual form.
func (v Value) AsString() string {
	if v.isBytes {
		return string(v.bytes)
	}
	return v.str
}

// AsBytes returns the parameter's raw decoded bytes.
func (v Value) AsBytes() []byte {
	if v.isBytes {
		return v.bytes
	}
	return []byte(v.str)
}

// Params is the parsed announce query string.
type Params map[string]Value

// MissingKey is returned when a mandatory announce key is absent.
type MissingKey struct {
	Key string
}

func (e *MissingKey) Error() string {
	return fmt.Sprintf("announce: missing required key %q", e.Key)
}

// Malformed is returned when the request line has no query string, or a
// parameter can't be percent-decoded.
type Malformed struct {
	Reason string
}

func (e *Malformed) Error() string {
	return fmt.Sprintf("announce: malformed request: %s", e.Reason)
}

// requiredKeys are validated present by ParseQuery, per spec §4.7.
var requiredKeys = []string{"info_hash", "peer_id", "port", "uploaded", "downloaded", "left"}

// ParseQuery parses the raw query string of a GET /announce request
// (everything after '?', before any trailing " HTTP/1.1") into a tagged
// parameter map. event defaults to "started" when absent, matching
// parse_announce's insertion of the default before validation.
func ParseQuery(rawQuery string) (Params, error) {
	params := make(Params)
	if rawQuery == "" {
		return nil, &Malformed{Reason: "no query string present"}
	}

	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, &Malformed{Reason: fmt.Sprintf("parameter %q has no value", pair)}
		}
		key, rawVal := kv[0], kv[1]
		decoded, err := url.QueryUnescape(rawVal)
		if err != nil {
			return nil, &Malformed{Reason: fmt.Sprintf("parameter %q is not percent-decodable: %v", key, err)}
		}
		if key == "info_hash" {
			params[key] = bytesValue([]byte(decoded))
		} else {
			params[key] = stringValue(decoded)
		}
	}

	if _, ok := params["event"]; !ok {
		params["event"] = stringValue("started")
	}

	for _, key := range requiredKeys {
		if _, ok := params[key]; !ok {
			return nil, &MissingKey{Key: key}
		}
	}
	return params, nil
}

// Handle applies one announce to st and returns the Bencoded response
// body, per spec §4.7's full request/response cycle.
func Handle(st *state.State, params Params, sourceIP string, now int64) ([]byte, error) {
	infoHashBytes := params["info_hash"].AsBytes()
	if len(infoHashBytes) != 20 {
		return nil, &Malformed{Reason: fmt.Sprintf("info_hash is %d bytes, want 20", len(infoHashBytes))}
	}
	var infoHash [20]byte
	copy(infoHash[:], infoHashBytes)

	peerID := params["peer_id"].AsString()
	event := params["event"].AsString()

	st.EnsureTorrent(infoHash, now)

	connected := event != "stopped"
	completed := event == "completed"

	numWant := DefaultNumWant
	if v, ok := params["numwant"]; ok {
		numWant = atoiOr(v.AsString(), numWant)
	}
	compact := false
	if v, ok := params["compact"]; ok {
		compact = atoiOr(v.AsString(), 0) == 1
	}

	// Build the response before this announce's own peer is created/updated,
	// so a peer's first announce never lists the peer itself (spec §8
	// E2E-4); a peer that has announced before is already in the swarm and
	// does appear in its own list. original_source/Tracker/src/tracker.rs:109-115
	// likewise computes get_announce_response before calling update_peer.
	respBody, err := buildResponse(st, infoHash, compact, numWant)
	if err != nil {
		return nil, err
	}

	peer, err := st.UpsertPeer(infoHash, peerID, connected)
	if err != nil {
		return nil, err
	}

	peer.IP = sourceIP
	peer.Port = atoiOr(params["port"].AsString(), peer.Port)
	peer.Uploaded = atoi64Or(params["uploaded"].AsString(), peer.Uploaded)
	peer.Downloaded = atoi64Or(params["downloaded"].AsString(), peer.Downloaded)
	peer.Left = atoi64Or(params["left"].AsString(), peer.Left)
	peer.Connected = connected
	peer.Completed = completed
	peer.NumWant = numWant
	peer.Compact = 0
	if compact {
		peer.Compact = 1
	}

	if v, ok := params["no_peer_id"]; ok {
		peer.NoPeerID = atoiOr(v.AsString(), peer.NoPeerID)
	}
	if v, ok := params["key"]; ok {
		peer.Key = v.AsString()
	}
	if v, ok := params["trackerid"]; ok {
		peer.TrackerID = v.AsString()
	}

	history := state.HistoryConnected
	if completed {
		history = state.HistoryCompleted
	} else if !connected {
		history = state.HistoryStopped
	}
	st.RecordHistory(infoHash, history, now)
	st.MarkDirty()

	return respBody, nil
}

func buildResponse(st *state.State, infoHash [20]byte, compact bool, numWant int) ([]byte, error) {
	complete, incomplete := st.Counts(infoHash)
	peers := st.PeerList(infoHash, numWant)

	var peersVal bencode.Value
	if compact {
		var buf []byte
		for _, p := range peers {
			encoded, err := compactPeer(p)
			if err != nil {
				return nil, err
			}
			buf = append(buf, encoded...)
		}
		peersVal = bencode.String(buf)
	} else {
		list := make([]bencode.Value, 0, len(peers))
		for _, p := range peers {
			list = append(list, bencode.Dict(map[string]bencode.Value{
				"ip":   bencode.String([]byte(p.IP)),
				"id":   bencode.String([]byte(p.ID)),
				"port": bencode.Int(int64(p.Port)),
			}))
		}
		peersVal = bencode.List(list)
	}

	resp := bencode.Dict(map[string]bencode.Value{
		"interval":   bencode.Int(DefaultInterval),
		"tracker id": bencode.String([]byte(TrackerID)),
		"complete":   bencode.Int(int64(complete)),
		"incomplete": bencode.Int(int64(incomplete)),
		"peers":      peersVal,
	})
	return bencode.Encode(resp), nil
}

func compactPeer(p *state.PeerEntry) ([]byte, error) {
	ip := net.ParseIP(p.IP)
	if ip == nil {
		return nil, &Malformed{Reason: fmt.Sprintf("peer %q has invalid ip %q", p.ID, p.IP)}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, &Malformed{Reason: fmt.Sprintf("peer %q has a non-IPv4 ip %q", p.ID, p.IP)}
	}
	return []byte{ip4[0], ip4[1], ip4[2], ip4[3], byte(p.Port >> 8), byte(p.Port)}, nil
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64Or(s string, def int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
