// Package protocol implements the length-framed, big-endian wire format spoken
// between the core and worker modules.
//
// Every string is a 16-bit length followed by that many bytes. Workers send
// tagged frames (SetUserAgent, HttpGet, HttpPost, Response); the core answers
// HTTP frames with a download reply and, in detail mode, feeds product
// identifiers one at a time.
package protocol

import (
	"errors"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// Mode selects what the worker is asked to produce.
type Mode byte

// Request modes written as the first byte of every activation.
const (
	ModeList   Mode = 0
	ModeDetail Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeList:
		return "list"
	case ModeDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// Tag identifies a worker→core frame.
type Tag byte

// Frame tags.
const (
	TagSetUserAgent Tag = 0
	TagHTTPGet      Tag = 1
	TagHTTPPost     Tag = 2
	TagResponse     Tag = 3
)

// Status closes every download reply.
type Status byte

// Download statuses.
const (
	StatusOK      Status = 0
	StatusAborted Status = 1
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "aborted"
}

// Wire limits.
const (
	MaxString   = 65535
	MaxIDs      = 10000
	MaxPairs    = 64
	ChunkSize   = 4096
	MaxPostBody = 10 << 20
	// DefaultMaxDownload caps the body forwarded for one HTTP frame.
	DefaultMaxDownload = 10 << 20
)

// Reserved detail keys.
const (
	KeyBrand = "brand"
	KeyModel = "model"
	KeyPrice = "price"
	KeyGroup = "gid"
)

var (
	// ErrViolation marks malformed or disallowed frames. Violations end the
	// current activation.
	ErrViolation = errors.New("protocol violation")
	// ErrUnknownTag is returned for an unrecognised frame tag.
	ErrUnknownTag = errors.New("unknown frame tag")
	// ErrTooMany is returned when a response carries more entries than allowed.
	// The offending response has been fully consumed, so the stream stays in
	// sync and the caller may keep serving.
	ErrTooMany = errors.New("response exceeds entry limit")
)

// Frame is one decoded worker→core message. The set of implementations is
// closed: SetUserAgent, HTTPGet, HTTPPost, ListResponse, DetailResponse.
type Frame interface {
	Tag() Tag
	frame()
}

// SetUserAgent replaces the user agent for subsequent proxied requests.
type SetUserAgent struct {
	UserAgent string
}

// HTTPGet asks the core to fetch URL.
type HTTPGet struct {
	URL string
}

// HTTPPost asks the core to post Body to URL.
type HTTPPost struct {
	URL  string
	Body []byte
}

// ListResponse carries a new checkpoint and discovered product identifiers.
type ListResponse struct {
	Checkpoint string
	IDs        []string
}

// DetailResponse carries the attributes of the identifier last sent.
type DetailResponse struct {
	Pairs []Pair
}

// Pair is one typed key/value entry of a detail response.
type Pair struct {
	Key   string
	Value crawler.Value
}

func (SetUserAgent) Tag() Tag   { return TagSetUserAgent }
func (HTTPGet) Tag() Tag        { return TagHTTPGet }
func (HTTPPost) Tag() Tag       { return TagHTTPPost }
func (ListResponse) Tag() Tag   { return TagResponse }
func (DetailResponse) Tag() Tag { return TagResponse }

func (SetUserAgent) frame()   {}
func (HTTPGet) frame()        {}
func (HTTPPost) frame()       {}
func (ListResponse) frame()   {}
func (DetailResponse) frame() {}
