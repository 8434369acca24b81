package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// CacheVersion is incremented when the index format changes. Entries
// written under another version are dropped at open.
const CacheVersion = 1

// KeySeparator separates the version tag from the fingerprint in index keys.
const KeySeparator = '\x00'

// partialSuffix marks a download that has not been validated yet.
const partialSuffix = ".partial"

// Kind is the broad media type of a cached file.
type Kind string

// Media kinds.
const (
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindImage   Kind = "image"
	KindUnknown Kind = "unknown"
)

var kindByExt = map[string]Kind{
	".mp4": KindVideo, ".mov": KindVideo, ".mkv": KindVideo, ".webm": KindVideo,
	".avi": KindVideo, ".m4v": KindVideo, ".ts": KindVideo, ".flv": KindVideo,
	".mp3": KindAudio, ".wav": KindAudio, ".aac": KindAudio, ".m4a": KindAudio,
	".flac": KindAudio, ".ogg": KindAudio, ".opus": KindAudio,
	".jpg": KindImage, ".jpeg": KindImage, ".png": KindImage, ".webp": KindImage,
	".gif": KindImage, ".bmp": KindImage,
}

// KindOf maps a lowercase extension, dot included, to a Kind.
func KindOf(ext string) Kind {
	if k, ok := kindByExt[ext]; ok {
		return k
	}
	return KindUnknown
}

// Entry is one cached item.
type Entry struct {
	Locator      string
	Fingerprint  string
	Path         string
	Kind         Kind
	Size         int64
	CachedAt     time.Time
	LastAccessed time.Time
}

// Encode serializes the entry to bytes using gob.
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes bytes into the entry using gob.
func (e *Entry) Decode(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(e)
}

// Fingerprint is the hex sha256 of a locator.
func Fingerprint(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])
}

// MakeKeyPrefix returns the prefix shared by every key of this version.
// Format: v<version>\x00
func MakeKeyPrefix() []byte {
	return []byte("v" + strconv.Itoa(CacheVersion) + string(KeySeparator))
}

// MakeKey creates an index key for a fingerprint.
func MakeKey(fp string) []byte {
	return append(MakeKeyPrefix(), fp...)
}

// ParseKey splits an index key into its version tag and fingerprint.
func ParseKey(key []byte) (version, fp string) {
	idx := bytes.IndexByte(key, KeySeparator)
	if idx == -1 {
		return "", string(key)
	}
	return string(key[:idx]), string(key[idx+1:])
}

// extOf returns the lowercase file extension of a locator's path, ignoring
// any query string.
func extOf(locator string) string {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if len(ext) > 8 || strings.ContainsAny(ext, "/\\?#") {
		return ""
	}
	return ext
}

// Stats summarises the cache.
type Stats struct {
	Entries    int          `json:"entries"`
	Bytes      int64        `json:"bytes"`
	MaxBytes   int64        `json:"max_bytes"`
	MaxEntries int          `json:"max_entries"`
	Hits       uint64       `json:"hits"`
	Misses     uint64       `json:"misses"`
	Evictions  uint64       `json:"evictions"`
	ByKind     map[Kind]int `json:"by_kind,omitempty"`
}
