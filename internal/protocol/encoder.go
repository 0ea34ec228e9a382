package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Encoder writes core→worker messages. Callers must Flush after each
// logical message.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, ChunkSize+2)}
}

// WriteRequest writes the mode byte and, for list mode, the checkpoint.
func (e *Encoder) WriteRequest(mode Mode, checkpoint string) error {
	if err := e.w.WriteByte(byte(mode)); err != nil {
		return err
	}
	if mode == ModeList {
		return e.WriteString(checkpoint)
	}
	return nil
}

// WriteString writes a 16-bit length-prefixed string.
func (e *Encoder) WriteString(s string) error {
	if len(s) > MaxString {
		return fmt.Errorf("%w: string of %d bytes exceeds %d", ErrViolation, len(s), MaxString)
	}
	if err := e.writeUint16(uint16(len(s))); err != nil {
		return err
	}
	_, err := e.w.WriteString(s)
	return err
}

// Flush pushes buffered bytes to the worker.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func (e *Encoder) writeUint16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := e.w.Write(b[:])
	return err
}

func (e *Encoder) writeUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := e.w.Write(b[:])
	return err
}

// DownloadResult summarises one download reply.
type DownloadResult struct {
	// Bytes is the number of payload bytes forwarded to the worker.
	Bytes  int64
	Status Status
	// ReadErr is the body read failure that aborted the transfer, if any.
	ReadErr error
}

// WriteDownload writes a complete download reply: content type, payload and
// status. A nil body produces an empty, aborted reply. Bodies larger than
// limit are cut at limit and reported as aborted. The returned error is a
// failure to write to the worker; body read failures only abort the reply.
func (e *Encoder) WriteDownload(contentType string, body io.Reader, chunked bool, limit int64) (DownloadResult, error) {
	if len(contentType) > MaxString {
		contentType = ""
	}
	if err := e.WriteString(contentType); err != nil {
		return DownloadResult{}, err
	}
	if limit <= 0 {
		limit = DefaultMaxDownload
	}
	var (
		res DownloadResult
		err error
	)
	if body == nil {
		res.Status = StatusAborted
		if chunked {
			err = e.writeUint16(0)
		} else {
			err = e.writeUint32(0)
		}
	} else if chunked {
		res, err = e.writeChunks(body, limit)
	} else {
		res, err = e.writeBlock(body, limit)
	}
	if err != nil {
		return res, err
	}
	if err := e.w.WriteByte(byte(res.Status)); err != nil {
		return res, err
	}
	return res, e.Flush()
}

func (e *Encoder) writeChunks(body io.Reader, limit int64) (DownloadResult, error) {
	var res DownloadResult
	buf := make([]byte, ChunkSize)
	for {
		want := int64(len(buf))
		if remaining := limit - res.Bytes; remaining < want {
			want = remaining
		}
		if want == 0 {
			if exceeds(body) {
				res.Status = StatusAborted
			}
			break
		}
		n, rerr := body.Read(buf[:want])
		if n > 0 {
			if err := e.writeUint16(uint16(n)); err != nil {
				return res, err
			}
			if _, err := e.w.Write(buf[:n]); err != nil {
				return res, err
			}
			res.Bytes += int64(n)
			// stream to the worker as data arrives
			if err := e.w.Flush(); err != nil {
				return res, err
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				res.Status = StatusAborted
				res.ReadErr = rerr
			}
			break
		}
	}
	return res, e.writeUint16(0)
}

func (e *Encoder) writeBlock(body io.Reader, limit int64) (DownloadResult, error) {
	var res DownloadResult
	data, rerr := io.ReadAll(io.LimitReader(body, limit+1))
	if int64(len(data)) > limit {
		data = data[:limit]
		res.Status = StatusAborted
	}
	if rerr != nil {
		res.Status = StatusAborted
		res.ReadErr = rerr
	}
	res.Bytes = int64(len(data))
	if err := e.writeUint32(uint32(len(data))); err != nil {
		return res, err
	}
	_, err := e.w.Write(data)
	return res, err
}

// exceeds reports whether body still has data once the limit is reached.
func exceeds(body io.Reader) bool {
	var probe [1]byte
	for {
		n, err := body.Read(probe[:])
		if n > 0 {
			return true
		}
		if err != nil {
			return false
		}
	}
}
