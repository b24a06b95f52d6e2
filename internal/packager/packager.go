// Package packager turns sealed shards into BitTorrent metainfo files,
// magnet links, and a rolling RSS feed, so that a mirror's archive can be
// distributed peer-to-peer instead of solely by direct download.
//
// It is grounded on original_source/atbtct/bittorrent.py's create_torrent,
// write_magnet_link, and update_rss_feed, translated from a threaded,
// DOM-manipulating Python implementation into idiomatic Go: bencode is a
// small standalone encoder (bencode.go), and the RSS feed is built with
// encoding/xml instead of a mutable DOM tree.
//
// Per the archive's durability contract, a Packager failure never
// invalidates the archive: sealing a shard is complete once its manifest is
// durable, and torrent generation is a best-effort side effect layered on
// top by Controller.OnShardSealed.
package packager

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ctbt.dev/ctbt"
	"ctbt.dev/ctbt/internal/shard"
)

// pieceLength mirrors bittorrent.py's create_torrent heuristic: aim for
// roughly 1500 pieces, rounded down to a multiple of 8 KiB, with a 32 KiB
// floor.
func pieceLength(totalSize int64) int64 {
	pl := (totalSize / 1500 >> 13) << 13
	if pl < 1<<15 {
		return 1 << 15
	}
	return pl
}

// Config configures a Packager.
type Config struct {
	// OutputDir is where .torrent, .magnet, and the rolling .rss feed are
	// written.
	OutputDir string

	// DownloadURLPrefix is the HTTP URL prefix under which the OutputDir's
	// contents will be published, used to build RSS enclosure URLs. It need
	// not end in a slash.
	DownloadURLPrefix string

	// Trackers is a list of tracker URLs to announce to. If empty and Peers
	// is non-empty, a tracker-less torrent is produced instead.
	Trackers []string

	// Peers is a list of seed peers in "host:port" form.
	Peers []string

	// ASN is recorded in each torrent's comment field for provenance.
	ASN int

	// LogName is used to build human-readable torrent and feed titles.
	LogName string

	// LogURL identifies the log being archived, used in torrent and magnet
	// file names.
	LogURL string
}

// Packager builds a BitTorrent-distributable copy of each sealed shard.
type Packager struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Packager that writes into cfg.OutputDir.
func New(cfg Config, logger *slog.Logger) *Packager {
	return &Packager{cfg: cfg, logger: logger}
}

// fileNameSafe replaces characters that don't belong in a file name with
// underscores, following build_package_name/build_torrent_name's naming
// convention of deriving file names from a log's URL.
func fileNameSafe(s string) string {
	replacer := strings.NewReplacer("://", "_", "/", "_", ":", "_")
	return replacer.Replace(s)
}

func (p *Packager) baseName(m shard.Manifest) string {
	return fmt.Sprintf("%s-%08d-%08d", fileNameSafe(p.cfg.LogURL), m.FirstIndex, m.LastIndex)
}

// OnShardSealed is wired to internal/syncctl.Controller.OnShardSealed. It
// bencodes a torrent for the shard's data and manifest files, writes the
// torrent and a magnet link, and appends an item to the rolling RSS feed.
// Errors are logged, never returned or propagated: the archive itself is
// already durable by the time this runs.
func (p *Packager) OnShardSealed(dir string, m shard.Manifest) {
	if p.cfg.OutputDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		p.logger.Error("packager: creating output directory", "err", err)
		return
	}
	torrentInfo, btih, totalSize, err := p.buildTorrent(dir, m)
	if err != nil {
		p.logger.Error("packager: building torrent", "first_index", m.FirstIndex, "err", err)
		return
	}
	if err := p.writeMagnet(m, btih); err != nil {
		p.logger.Error("packager: writing magnet link", "first_index", m.FirstIndex, "err", err)
		return
	}
	if err := p.writeTorrent(m, torrentInfo); err != nil {
		p.logger.Error("packager: writing torrent file", "first_index", m.FirstIndex, "err", err)
		return
	}
	if err := p.appendRSSItem(m, btih, totalSize); err != nil {
		p.logger.Error("packager: updating rss feed", "first_index", m.FirstIndex, "err", err)
		return
	}
	p.logger.Info("packager: sealed torrent", "first_index", m.FirstIndex, "last_index", m.LastIndex, "btih", hex.EncodeToString(btih[:]))
}

type torrentFile struct {
	length int64
	path   []string
}

// buildTorrent bencodes the info dictionary for the shard at m, hashes it
// for the info-hash, and returns the full bencoded torrent, ready to write.
func (p *Packager) buildTorrent(dir string, m shard.Manifest) (encoded []byte, btih [20]byte, totalSize int64, err error) {
	manifestPath := shard.ManifestPath(dir, m.FirstIndex)
	dataPath := shard.DataPath(dir, m.FirstIndex)

	files := []torrentFile{}
	for _, path := range []string{dataPath, manifestPath} {
		fi, statErr := os.Stat(path)
		if statErr != nil {
			return nil, btih, 0, statErr
		}
		files = append(files, torrentFile{length: fi.Size(), path: []string{filepath.Base(path)}})
		totalSize += fi.Size()
	}

	pl := pieceLength(totalSize)
	pieces, err := hashPieces(files, filepath.Dir(dataPath), pl)
	if err != nil {
		return nil, btih, 0, err
	}

	fileList := make([]any, len(files))
	for i, f := range files {
		pathParts := make([]any, len(f.path))
		for j, part := range f.path {
			pathParts[j] = part
		}
		fileList[i] = dict{
			{key: "length", val: f.length},
			{key: "path", val: pathParts},
		}
	}

	infoSection := dict{
		{key: "name", val: p.baseName(m)},
		{key: "piece length", val: pl},
		{key: "pieces", val: pieces},
		{key: "files", val: fileList},
	}
	bencodedInfo := bencode(infoSection)
	btih = sha1.Sum(bencodedInfo)

	torrent := dict{
		{key: "info", val: raw(bencodedInfo)},
		{key: "creation date", val: m.SealedAt.Unix()},
		{key: "comment", val: fmt.Sprintf("Downloaded from AS%d", p.cfg.ASN)},
		{key: "created by", val: "ctbt"},
	}
	if len(p.cfg.Trackers) > 0 {
		announceList := make([]any, len(p.cfg.Trackers))
		for i, t := range p.cfg.Trackers {
			announceList[i] = t
		}
		torrent = append(torrent,
			dictEntry{key: "announce", val: p.cfg.Trackers[0]},
			dictEntry{key: "announce-list", val: []any{announceList}},
		)
	} else if len(p.cfg.Peers) > 0 {
		peers := make([]any, len(p.cfg.Peers))
		for i, peer := range p.cfg.Peers {
			host, port, ok := strings.Cut(peer, ":")
			if !ok {
				return nil, btih, 0, fmt.Errorf("packager: malformed peer %q, want host:port", peer)
			}
			peers[i] = []any{host, port}
		}
		torrent = append(torrent, dictEntry{key: "peers", val: peers})
	}

	return bencode(torrent), btih, totalSize, nil
}

// hashPieces reads files in order and SHA-1 hashes them in pieceLength
// chunks, concatenating the end of one file with the start of the next, per
// BEP-0003.
func hashPieces(files []torrentFile, dir string, pieceLen int64) ([]byte, error) {
	var pieces []byte
	var carry []byte
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.Join(f.path...)))
		if err != nil {
			return nil, err
		}
		carry = append(carry, data...)
		for int64(len(carry)) >= pieceLen {
			h := sha1.Sum(carry[:pieceLen])
			pieces = append(pieces, h[:]...)
			carry = carry[pieceLen:]
		}
	}
	if len(carry) > 0 {
		h := sha1.Sum(carry)
		pieces = append(pieces, h[:]...)
	}
	return pieces, nil
}

func (p *Packager) writeTorrent(m shard.Manifest, encoded []byte) error {
	path := filepath.Join(p.cfg.OutputDir, p.baseName(m)+".torrent")
	return os.WriteFile(path, encoded, 0o644)
}

func (p *Packager) writeMagnet(m shard.Manifest, btih [20]byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "magnet:?xt=urn:btih:%s&dn=%s", hex.EncodeToString(btih[:]), p.baseName(m))
	for _, peer := range p.cfg.Peers {
		fmt.Fprintf(&b, "&x.pe=%s", peer)
	}
	for _, tracker := range p.cfg.Trackers {
		fmt.Fprintf(&b, "&tr=%s", tracker)
	}
	path := filepath.Join(p.cfg.OutputDir, p.baseName(m)+".magnet")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// rssFeed and rssItem mirror the minimal RSS 2.0 structure that
// check_rss_dom_structure/init_rss_dom_structure/update_rss_feed build and
// validate: a single channel with title/description/link/ttl, followed by
// one item per torrent.
type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Description string    `xml:"description"`
	Link        string    `xml:"link"`
	TTL         int       `xml:"ttl"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string       `xml:"title"`
	Description string       `xml:"description"`
	GUID        string       `xml:"guid"`
	Enclosure   rssEnclosure `xml:"enclosure"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}

func (p *Packager) rssPath() string {
	return filepath.Join(p.cfg.OutputDir, fileNameSafe(p.cfg.LogURL)+".rss")
}

func (p *Packager) loadOrInitRSS() (*rssFeed, error) {
	body, err := os.ReadFile(p.rssPath())
	if err == nil {
		feed := &rssFeed{}
		if xmlErr := xml.Unmarshal(body, feed); xmlErr == nil && feed.Version == "2.0" {
			return feed, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return &rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			TTL:         24 * 60,
			Title:       fmt.Sprintf("ctbt RSS feed for the CT log at %s", p.cfg.LogURL),
			Description: fmt.Sprintf("References the list of torrents that one can add to a BitTorrent client to get an archive of the CT log at %s.", p.cfg.LogURL),
			Link:        "https://ctbt.dev",
		},
	}, nil
}

// appendRSSItem appends one item for the shard at m to the rolling feed,
// creating it if this is the first shard sealed.
func (p *Packager) appendRSSItem(m shard.Manifest, btih [20]byte, totalSize int64) error {
	feed, err := p.loadOrInitRSS()
	if err != nil {
		return err
	}

	downloadPrefix := p.cfg.DownloadURLPrefix
	if !strings.HasSuffix(downloadPrefix, "/") {
		downloadPrefix += "/"
	}

	feed.Channel.Items = append(feed.Channel.Items, rssItem{
		Title:       fmt.Sprintf("Shard [%d, %d] for tree_size %d", m.FirstIndex, m.LastIndex, m.LastIndex+1),
		Description: fmt.Sprintf("Comment: Downloaded from AS%d Creation Date: %s", p.cfg.ASN, m.SealedAt.UTC().Format(time.RFC3339)),
		GUID:        hex.EncodeToString(btih[:]),
		Enclosure: rssEnclosure{
			URL:    downloadPrefix + p.baseName(m) + ".torrent",
			Type:   "application/x-bittorrent",
			Length: totalSize,
		},
	})

	out, err := xml.MarshalIndent(feed, "", "  ")
	if err != nil {
		return err
	}
	out = append([]byte(xml.Header), out...)
	return os.WriteFile(p.rssPath(), out, 0o644)
}

// checkArchiveComplete is a defensive guard used by tests: it reports
// whether both the data and manifest files for m exist under dir, matching
// the precondition create_torrent's caller enforces by only ever being
// invoked after a shard is sealed.
func checkArchiveComplete(dir string, m shard.Manifest) error {
	for _, path := range []string{shard.DataPath(dir, m.FirstIndex), shard.ManifestPath(dir, m.FirstIndex)} {
		if _, err := os.Stat(path); err != nil {
			return &ctbt.DiskIOError{Path: path, Op: "stat", Err: err}
		}
	}
	return nil
}
