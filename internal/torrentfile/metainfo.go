// Package torrentfile models the in-memory shape of a parsed .torrent
// file and a magnet URI. Decoding itself is the teacher's own concern
// (github.com/zeebo/bencode); this package is what the piece engine and
// orchestrator consume from that decode, grounded on
// internal/metainfo/metainfo.go.
package torrentfile

import (
	"crypto/sha1"
	"io"
	"net/url"
	"strings"

	"github.com/zeebo/bencode"

	"github.com/cenkalti/dlrain/internal/model"
)

// File describes one file inside a multi-file torrent.
type File struct {
	Length int64
	Path   []string
}

// Info is the decoded "info" dictionary: the part of a torrent whose
// bencoded bytes are hashed to produce the info hash.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes
	Length      int64  // single-file torrents
	Files       []File // multi-file torrents
	Private     bool

	hash [20]byte
}

type rawInfo struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
	Private     int    `bencode:"private"`
	Files       []struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	} `bencode:"files"`
}

// NewInfo parses raw (the bencoded "info" dictionary bytes) and computes
// its SHA-1 info hash over those exact bytes.
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.DecodeBytes(raw, &ri); err != nil {
		return nil, model.Protocol(model.ProtoInvalidTorrent, "decode info dict: %s", err)
	}
	if ri.PieceLength <= 0 {
		return nil, model.Protocol(model.ProtoInvalidTorrent, "invalid piece length")
	}
	if len(ri.Pieces)%20 != 0 {
		return nil, model.Protocol(model.ProtoInvalidTorrent, "pieces length not a multiple of 20")
	}

	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Pieces:      []byte(ri.Pieces),
		Length:      ri.Length,
		Private:     ri.Private == 1,
		hash:        sha1.Sum(raw),
	}
	for _, f := range ri.Files {
		info.Files = append(info.Files, File{Length: f.Length, Path: f.Path})
	}
	if info.Length == 0 && len(info.Files) == 0 {
		return nil, model.Protocol(model.ProtoInvalidTorrent, "torrent has neither length nor files")
	}
	return info, nil
}

// Hash returns the 20-byte SHA-1 info hash.
func (i *Info) Hash() [20]byte { return i.hash }

// NumPieces returns the number of 20-byte piece hashes in Pieces.
func (i *Info) NumPieces() int { return len(i.Pieces) / 20 }

// PieceHash returns the expected SHA-1 hash of piece index.
func (i *Info) PieceHash(index int) [20]byte {
	var h [20]byte
	copy(h[:], i.Pieces[index*20:index*20+20])
	return h
}

// TotalLength returns the sum of all file lengths.
func (i *Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// MetaInfo is a parsed .torrent file.
type MetaInfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
}

type rawMetaInfo struct {
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
}

// ParseMetaInfo decodes a .torrent file from r.
func ParseMetaInfo(r io.Reader) (*MetaInfo, error) {
	var raw rawMetaInfo
	if err := bencode.NewDecoder(r).Decode(&raw); err != nil {
		return nil, model.Protocol(model.ProtoInvalidTorrent, "decode torrent file: %s", err)
	}
	if len(raw.RawInfo) == 0 {
		return nil, model.Protocol(model.ProtoInvalidTorrent, "no info dict in torrent file")
	}
	info, err := NewInfo(raw.RawInfo)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{
		Info:         info,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
	}, nil
}

// Trackers flattens Announce and AnnounceList into a deduplicated list,
// Announce taking priority as the first tier.
func (m *MetaInfo) Trackers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// Magnet is a parsed magnet: URI.
type Magnet struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
}

// ParseMagnet decodes a magnet: URI per BEP 9's xt=urn:btih: scheme.
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "magnet" {
		return nil, model.InvalidInput("magnet_uri", "not a magnet URI")
	}
	q := u.Query()

	var hash [20]byte
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		enc := xt[len(prefix):]
		h, err := decodeInfoHash(enc)
		if err != nil {
			return nil, err
		}
		hash = h
		found = true
		break
	}
	if !found {
		return nil, model.InvalidInput("magnet_uri", "no urn:btih xt parameter")
	}

	return &Magnet{
		InfoHash:    hash,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
	}, nil
}

func decodeInfoHash(enc string) ([20]byte, error) {
	var hash [20]byte
	switch len(enc) {
	case 40:
		b, err := hexDecode(enc)
		if err != nil {
			return hash, err
		}
		copy(hash[:], b)
	case 32:
		b, err := base32Decode(enc)
		if err != nil {
			return hash, err
		}
		copy(hash[:], b)
	default:
		return hash, model.InvalidInput("magnet_uri", "info hash has unexpected length %d", len(enc))
	}
	return hash, nil
}

func hexDecode(s string) ([]byte, error) {
	b := make([]byte, len(s)/2)
	for i := 0; i < len(b); i++ {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return nil, err
		}
		b[i] = hi<<4 | lo
	}
	return b, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, model.InvalidInput("magnet_uri", "invalid hex digit %q", c)
	}
}

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

func base32Decode(s string) ([]byte, error) {
	s = strings.ToUpper(s)
	var bits uint64
	var nbits uint
	out := make([]byte, 0, len(s)*5/8)
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(base32Alphabet, s[i])
		if idx < 0 {
			return nil, model.InvalidInput("magnet_uri", "invalid base32 digit %q", s[i])
		}
		bits = bits<<5 | uint64(idx)
		nbits += 5
		if nbits >= 8 {
			nbits -= 8
			out = append(out, byte(bits>>nbits))
		}
	}
	return out, nil
}
