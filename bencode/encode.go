package bencode

import (
	"sort"
	"strconv"
)

// Encode serializes v into canonical Bencoding. Dictionary keys are always
// emitted in lexicographic byte order, so that re-encoding an already
// Bencoded dictionary (such as the "info" sub-dictionary of a .torrent file)
// reproduces the exact bytes the original hash was computed over. Encoding
// never fails: every Value built through this package's constructors is
// well-formed by construction.
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
		return buf
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
		return buf
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
		return buf
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, String([]byte(k)))
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
		return buf
	default:
		return buf
	}
}
