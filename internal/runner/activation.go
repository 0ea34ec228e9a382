package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/metrics"
	"github.com/JakeFAU/transparent-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/transparent-crawler/internal/protocol"
	"github.com/JakeFAU/transparent-crawler/internal/stream"
)

func newActivation(ctx context.Context, r *Runner, req Request, stdin io.Writer, in io.Reader, logger *zap.Logger) *activation {
	return &activation{
		ctx:        ctx,
		r:          r,
		req:        req,
		logger:     logger,
		enc:        protocol.NewEncoder(stdin),
		dec:        protocol.NewDecoder(in, req.Mode),
		userAgent:  r.cfg.UserAgent,
		throttle:   ratelimit.New(r.cfg.RequestInterval),
		checkpoint: req.Checkpoint,
	}
}

func (a *activation) handshake() error {
	if err := a.enc.WriteRequest(a.req.Mode, a.req.Checkpoint); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if err := a.enc.Flush(); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if a.req.Mode != protocol.ModeDetail {
		return nil
	}
	ids, err := a.r.deps.Products.ProductIDs(a.ctx, a.req.Module.ID)
	if err != nil {
		return fmt.Errorf("open product ids: %w", err)
	}
	a.ids = ids
	if a.req.Checkpoint != "" {
		offset, err := strconv.Atoi(a.req.Checkpoint)
		if err != nil || offset < 0 {
			a.logger.Warn("ignoring invalid detail checkpoint", zap.String("checkpoint", a.req.Checkpoint))
			offset = 0
		}
		a.offset = offset
	}
	if a.offset > 0 {
		if err := ids.SeekRelative(a.ctx, a.offset); err != nil {
			return fmt.Errorf("seek product ids: %w", err)
		}
	}
	return nil
}

// sendNextID writes the next product identifier, or the empty terminator when
// the source is exhausted. It reports whether more work was sent.
func (a *activation) sendNextID() (bool, error) {
	id, ok, err := a.ids.Next(a.ctx)
	if err != nil {
		return false, fmt.Errorf("next product id: %w", err)
	}
	if !ok || id == "" {
		if err := a.enc.WriteString(""); err != nil {
			return false, fmt.Errorf("write end of work: %w", err)
		}
		if err := a.enc.Flush(); err != nil {
			return false, fmt.Errorf("write end of work: %w", err)
		}
		a.logger.Debug("product ids exhausted", zap.Int("offset", a.offset))
		return false, nil
	}
	if err := a.enc.WriteString(id); err != nil {
		return false, fmt.Errorf("write product id: %w", err)
	}
	if err := a.enc.Flush(); err != nil {
		return false, fmt.Errorf("write product id: %w", err)
	}
	a.current = id
	return true, nil
}

// advance moves the detail offset past the identifier just answered.
func (a *activation) advance() {
	a.offset++
	a.responses++
	a.setCheckpoint(strconv.Itoa(a.offset))
}

func (a *activation) setCheckpoint(checkpoint string) {
	a.checkpoint = checkpoint
	if a.req.OnCheckpoint != nil {
		a.req.OnCheckpoint(checkpoint)
	}
}

// fetch proxies one HTTP request and streams the reply to the worker. Fetch
// failures are reported to the worker as an aborted reply; only a failure to
// write to the worker is returned.
func (a *activation) fetch(method, url string, body []byte) error {
	if _, err := a.throttle.Wait(a.ctx); err != nil {
		if a.ctx.Err() != nil {
			return stream.ErrInterrupted
		}
		return err
	}
	chunked := a.req.Module.ChunkedDownload
	limit := a.r.cfg.MaxDownload
	logger := a.logger.With(zap.String("method", method), zap.String("url", url))

	resp, err := a.do(method, url, body)
	if err != nil {
		logger.Warn("download failed", zap.Error(err))
		res, werr := a.enc.WriteDownload("", nil, chunked, limit)
		metrics.ObserveDownload(method, res.Status.String(), res.Bytes)
		if werr != nil {
			return fmt.Errorf("write download reply: %w", werr)
		}
		return nil
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	res, werr := a.enc.WriteDownload(resp.Header.Get("Content-Type"), resp.Body, chunked, limit)
	metrics.ObserveDownload(method, res.Status.String(), res.Bytes)
	switch {
	case res.ReadErr != nil:
		logger.Warn("download interrupted", zap.Int64("bytes", res.Bytes), zap.Error(res.ReadErr))
	case res.Status == protocol.StatusAborted:
		logger.Info("download aborted at size limit", zap.Int64("limit", limit))
	default:
		logger.Debug("download complete", zap.Int("status", resp.StatusCode), zap.Int64("bytes", res.Bytes))
	}
	if werr != nil {
		return fmt.Errorf("write download reply: %w", werr)
	}
	return nil
}

func (a *activation) do(method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(a.ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := a.r.deps.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (a *activation) handleList(f protocol.ListResponse) {
	a.responses++
	if !a.req.Dummy && len(f.IDs) > 0 {
		added, err := a.r.deps.Products.AddProductIDs(a.ctx, a.req.Module.ID, f.IDs)
		if err != nil {
			a.logger.Error("error adding product ids", zap.Int("count", len(f.IDs)), zap.Error(err))
		} else {
			a.logger.Debug("product ids stored", zap.Int("received", len(f.IDs)), zap.Int("added", added))
		}
	}
	a.setCheckpoint(f.Checkpoint)
}

func (a *activation) handleDetail(f protocol.DetailResponse) {
	logger := a.logger.With(zap.String("product_id", a.current))
	attrs := make(map[string]crawler.Value, len(f.Pairs))
	var (
		brand, model    string
		hasBrand, hasMd bool
		priceValue      *crawler.Value
	)
	for i := range f.Pairs {
		p := f.Pairs[i]
		switch p.Key {
		case protocol.KeyBrand:
			brand, hasBrand = p.Value.String(), true
		case protocol.KeyModel:
			model, hasMd = p.Value.String(), true
		case protocol.KeyPrice:
			priceValue = &f.Pairs[i].Value
		case protocol.KeyGroup:
			// assigned by the core only
		default:
			attrs[p.Key] = p.Value
		}
	}
	if !hasBrand || !hasMd || brand == "" || model == "" {
		metrics.ObserveDroppedDetail(a.req.Module.String())
		logger.Warn("dropping detail response without brand or model")
		return
	}

	deps := a.r.deps
	group, found, err := deps.Products.LookupGroup(a.ctx, brand, model)
	if err != nil {
		logger.Error("error resolving product group", zap.Error(err))
		return
	}
	gid := group.GroupID
	if !found {
		gid, err = deps.Groups.NewGroupID(a.ctx)
		if err != nil {
			logger.Error("error allocating group id", zap.Error(err))
			return
		}
		attrs[protocol.KeyGroup] = crawler.IntValue(int64(gid))
	}

	now := deps.Clock.Now()
	var price int64
	var hasPrice bool
	if priceValue != nil {
		price, hasPrice = ParsePrice(*priceValue)
		if !hasPrice {
			logger.Warn("unparseable price", zap.String("price", priceValue.String()))
		}
	}
	if hasPrice {
		a.checkPriceDrop(logger, group, found, gid, price, now)
	}

	if a.req.Dummy {
		return
	}
	record := crawler.ProductRecord{
		ModuleID:   a.req.Module.ID,
		ProductID:  a.current,
		GroupID:    gid,
		Brand:      brand,
		Model:      model,
		Price:      price,
		HasPrice:   hasPrice,
		Attributes: attrs,
		ObservedAt: now,
	}
	if err := deps.Products.UpsertProduct(a.ctx, record); err != nil {
		logger.Error("error adding product information", zap.Error(err))
	}
}
