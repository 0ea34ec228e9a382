// Package protocoltest provides the worker side of the wire protocol for tests.
package protocoltest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/protocol"
)

// Worker speaks the protocol from the module's point of view.
type Worker struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewWorker reads core messages from r and writes frames to w.
func NewWorker(r io.Reader, w io.Writer) *Worker {
	return &Worker{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// Download is a decoded download reply.
type Download struct {
	ContentType string
	Body        []byte
	Status      protocol.Status
}

// ReadRequest reads the mode byte and, for list mode, the checkpoint.
func (k *Worker) ReadRequest() (protocol.Mode, string, error) {
	b, err := k.r.ReadByte()
	if err != nil {
		return 0, "", err
	}
	mode := protocol.Mode(b)
	if mode != protocol.ModeList {
		return mode, "", nil
	}
	checkpoint, err := k.ReadString()
	return mode, checkpoint, err
}

// ReadString reads one length-prefixed string.
func (k *Worker) ReadString() (string, error) {
	var n uint16
	if err := binary.Read(k.r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(k.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadDownload reads a download reply in the given framing.
func (k *Worker) ReadDownload(chunked bool) (Download, error) {
	var d Download
	var err error
	if d.ContentType, err = k.ReadString(); err != nil {
		return d, err
	}
	if chunked {
		for {
			var n uint16
			if err := binary.Read(k.r, binary.BigEndian, &n); err != nil {
				return d, err
			}
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(k.r, chunk); err != nil {
				return d, err
			}
			d.Body = append(d.Body, chunk...)
		}
	} else {
		var n uint32
		if err := binary.Read(k.r, binary.BigEndian, &n); err != nil {
			return d, err
		}
		d.Body = make([]byte, n)
		if _, err := io.ReadFull(k.r, d.Body); err != nil {
			return d, err
		}
	}
	status, err := k.r.ReadByte()
	if err != nil {
		return d, err
	}
	d.Status = protocol.Status(status)
	return d, nil
}

// SetUserAgent sends a SetUserAgent frame.
func (k *Worker) SetUserAgent(ua string) error {
	k.tag(protocol.TagSetUserAgent)
	k.str(ua)
	return k.w.Flush()
}

// Get sends an HttpGet frame.
func (k *Worker) Get(url string) error {
	k.tag(protocol.TagHTTPGet)
	k.str(url)
	return k.w.Flush()
}

// Post sends an HttpPost frame.
func (k *Worker) Post(url string, body []byte) error {
	k.tag(protocol.TagHTTPPost)
	k.str(url)
	_ = binary.Write(k.w, binary.BigEndian, uint32(len(body)))
	_, _ = k.w.Write(body)
	return k.w.Flush()
}

// ListResponse sends a list-mode Response frame.
func (k *Worker) ListResponse(checkpoint string, ids ...string) error {
	k.tag(protocol.TagResponse)
	k.str(checkpoint)
	_ = binary.Write(k.w, binary.BigEndian, uint16(len(ids)))
	for _, id := range ids {
		k.str(id)
	}
	return k.w.Flush()
}

// DetailResponse sends a detail-mode Response frame.
func (k *Worker) DetailResponse(pairs ...protocol.Pair) error {
	k.tag(protocol.TagResponse)
	_ = binary.Write(k.w, binary.BigEndian, uint16(len(pairs)))
	for _, p := range pairs {
		k.str(p.Key)
		_ = k.w.WriteByte(byte(p.Value.Kind))
		switch p.Value.Kind {
		case crawler.ValueInt:
			_ = binary.Write(k.w, binary.BigEndian, p.Value.Int)
		case crawler.ValueString:
			k.str(p.Value.Str)
		default:
			panic(fmt.Sprintf("unsupported value kind %d", p.Value.Kind))
		}
	}
	return k.w.Flush()
}

// Raw writes arbitrary bytes, for malformed-frame tests.
func (k *Worker) Raw(b ...byte) error {
	_, _ = k.w.Write(b)
	return k.w.Flush()
}

// S builds a string pair.
func S(key, value string) protocol.Pair {
	return protocol.Pair{Key: key, Value: crawler.StringValue(value)}
}

// I builds an integer pair.
func I(key string, value int64) protocol.Pair {
	return protocol.Pair{Key: key, Value: crawler.IntValue(value)}
}

func (k *Worker) tag(t protocol.Tag) {
	_ = k.w.WriteByte(byte(t))
}

func (k *Worker) str(s string) {
	_ = binary.Write(k.w, binary.BigEndian, uint16(len(s)))
	_, _ = k.w.WriteString(s)
}
