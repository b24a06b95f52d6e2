package packager

import (
	"bytes"
	"fmt"
	"sort"
)

// raw is a value that has already been bencoded; encode copies its bytes
// verbatim instead of re-encoding them. It lets a caller bencode the info
// dictionary once, hash the result for the info-hash, and then splice it
// unmodified into the outer torrent dictionary.
type raw []byte

// dict is an ordered set of bencode dictionary entries. BEP-0003 requires
// dictionary keys to be sorted by raw byte value; a plain Go map does not
// preserve insertion order and would need re-sorting on every encode, so
// callers build a dict directly and encode sorts it once.
type dict []dictEntry

type dictEntry struct {
	key string
	val any
}

func (d dict) Len() int           { return len(d) }
func (d dict) Less(i, j int) bool { return d[i].key < d[j].key }
func (d dict) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// bencode encodes v per BEP-0003. v must be built from string, []byte, int,
// int64, []any, []string, dict, and raw; any other type panics.
func bencode(v any) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case raw:
		buf.Write(t)
	case []byte:
		fmt.Fprintf(buf, "%d:", len(t))
		buf.Write(t)
	case string:
		fmt.Fprintf(buf, "%d:%s", len(t), t)
	case int:
		fmt.Fprintf(buf, "i%de", t)
	case int64:
		fmt.Fprintf(buf, "i%de", t)
	case []any:
		buf.WriteByte('l')
		for _, item := range t {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case []string:
		buf.WriteByte('l')
		for _, item := range t {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case dict:
		sorted := make(dict, len(t))
		copy(sorted, t)
		sort.Sort(sorted)
		buf.WriteByte('d')
		for _, e := range sorted {
			encodeValue(buf, e.key)
			encodeValue(buf, e.val)
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("packager: bencode: unsupported type %T", v))
	}
}
