package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// Decoder reads worker→core frames. Response frames are decoded according to
// the activation mode.
type Decoder struct {
	r    *bufio.Reader
	mode Mode
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader, mode Mode) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, ChunkSize), mode: mode}
}

// Next reads one frame. io.EOF is returned only at a frame boundary; a stream
// that ends mid-frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Frame, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	f, err := d.body(Tag(tag))
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return f, err
}

func (d *Decoder) body(tag Tag) (Frame, error) {
	switch tag {
	case TagSetUserAgent:
		ua, err := d.readString()
		if err != nil {
			return nil, err
		}
		return SetUserAgent{UserAgent: ua}, nil
	case TagHTTPGet:
		url, err := d.readString()
		if err != nil {
			return nil, err
		}
		return HTTPGet{URL: url}, nil
	case TagHTTPPost:
		return d.post()
	case TagResponse:
		if d.mode == ModeDetail {
			return d.detail()
		}
		return d.list()
	default:
		return nil, fmt.Errorf("%w: %w %d", ErrViolation, ErrUnknownTag, tag)
	}
}

func (d *Decoder) post() (Frame, error) {
	url, err := d.readString()
	if err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(d.r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > MaxPostBody {
		return nil, fmt.Errorf("%w: post body of %d bytes exceeds %d", ErrViolation, n, MaxPostBody)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, err
	}
	return HTTPPost{URL: url, Body: body}, nil
}

func (d *Decoder) list() (Frame, error) {
	checkpoint, err := d.readString()
	if err != nil {
		return nil, err
	}
	count, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	if int(count) > MaxIDs {
		for i := 0; i < int(count); i++ {
			if err := d.skipString(); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %d ids (max %d)", ErrTooMany, count, MaxIDs)
	}
	ids := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := d.readString()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ListResponse{Checkpoint: checkpoint, IDs: ids}, nil
}

func (d *Decoder) detail() (Frame, error) {
	count, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, min(int(count), MaxPairs))
	for i := 0; i < int(count); i++ {
		key, err := d.readString()
		if err != nil {
			return nil, err
		}
		value, err := d.readValue()
		if err != nil {
			return nil, err
		}
		if len(pairs) < MaxPairs {
			pairs = append(pairs, Pair{Key: key, Value: value})
		}
	}
	if int(count) > MaxPairs {
		return nil, fmt.Errorf("%w: %d pairs (max %d)", ErrTooMany, count, MaxPairs)
	}
	return DetailResponse{Pairs: pairs}, nil
}

func (d *Decoder) readValue() (crawler.Value, error) {
	kind, err := d.r.ReadByte()
	if err != nil {
		return crawler.Value{}, err
	}
	switch crawler.ValueKind(kind) {
	case crawler.ValueInt:
		var v int64
		if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
			return crawler.Value{}, err
		}
		return crawler.IntValue(v), nil
	case crawler.ValueString:
		s, err := d.readString()
		if err != nil {
			return crawler.Value{}, err
		}
		return crawler.StringValue(s), nil
	default:
		return crawler.Value{}, fmt.Errorf("%w: unknown value type %d", ErrViolation, kind)
	}
}

func (d *Decoder) readUint16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (d *Decoder) readString() (string, error) {
	n, err := d.readUint16()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *Decoder) skipString() error {
	n, err := d.readUint16()
	if err != nil {
		return err
	}
	_, err = d.r.Discard(int(n))
	return err
}
