package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/observability"
	"media-delivery-engine/internal/transport"
)

// DispatchRequest is one delivery of a staged image set.
type DispatchRequest struct {
	Subscriber   string
	Images       []StagedImage
	Total        int // size of the resolved set, before staging failures
	Format       string
	Title        string
	Caption      string
	SendDelay    time.Duration
	CaptionDelay time.Duration
}

// Dispatcher assembles wire messages for a display format and pushes them.
type Dispatcher struct {
	pusher transport.Pusher
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(p transport.Pusher) *Dispatcher {
	return &Dispatcher{pusher: p, sleep: sleepCtx}
}

// Dispatch returns an error when the call failed or stopped early; the
// result still counts whatever was delivered before that. Per-image
// failures in individual mode land in DispatchResult.Errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	res := DispatchResult{Format: req.Format, TotalImages: max(req.Total, len(req.Images))}

	var err error
	switch req.Format {
	case config.FormatCarousel:
		err = d.carousel(ctx, req, &res)
	case config.FormatCard:
		err = d.card(ctx, req, &res)
	default:
		res.Format = config.FormatIndividual
		err = d.individual(ctx, req, &res)
	}

	outcome := "ok"
	if res.ImagesSent == 0 {
		outcome = "failed"
	} else if err != nil || len(res.Errors) > 0 {
		outcome = "partial"
	}
	observability.Dispatches.WithLabelValues(res.Format, outcome).Inc()
	observability.ImagesSent.WithLabelValues(res.Format).Add(float64(res.ImagesSent))
	if err != nil {
		return res, err
	}

	if res.ImagesSent > 0 && req.Caption != "" {
		res.CaptionSent = d.caption(ctx, req)
	}
	return res, nil
}

func (d *Dispatcher) individual(ctx context.Context, req DispatchRequest, res *DispatchResult) error {
	if len(req.Images) == 0 {
		return apperr.Validationf("dispatch.individual", "no valid images resolved")
	}
	for i, img := range req.Images {
		if i > 0 {
			if err := d.sleep(ctx, req.SendDelay); err != nil {
				return err
			}
		}
		if err := d.pusher.Push(ctx, req.Subscriber, transport.NewImage(img.URL)); err != nil {
			log.Warn().Err(err).Str("subscriber", req.Subscriber).Str("file", img.Filename).Msg("image push failed")
			res.Errors = append(res.Errors, ImageError{
				ImageID: img.ImageID, Filename: img.Filename, Kind: apperr.KindOf(err), Error: err.Error(),
			})
			continue
		}
		res.ImagesSent++
		res.Sent = append(res.Sent, img.Filename)
	}
	return nil
}

func (d *Dispatcher) carousel(ctx context.Context, req DispatchRequest, res *DispatchResult) error {
	imgs := req.Images
	if len(imgs) == 0 {
		return apperr.Validationf("dispatch.carousel", "no valid images resolved")
	}
	if len(imgs) > transport.MaxCarouselColumns {
		imgs = imgs[:transport.MaxCarouselColumns]
	}
	urls := make([]string, len(imgs))
	for i, img := range imgs {
		urls[i] = img.URL
	}
	if err := d.pusher.Push(ctx, req.Subscriber, transport.NewImageCarousel(altText(req), urls)); err != nil {
		return err
	}
	for _, img := range imgs {
		res.Sent = append(res.Sent, img.Filename)
	}
	res.ImagesSent = len(imgs)
	return nil
}

func (d *Dispatcher) card(ctx context.Context, req DispatchRequest, res *DispatchResult) error {
	imgs := req.Images
	if len(imgs) == 0 {
		return apperr.Validationf("dispatch.card", "no valid images resolved")
	}
	if len(imgs) > transport.MaxCardImages {
		imgs = imgs[:transport.MaxCardImages]
	}
	urls := make([]string, len(imgs))
	for i, img := range imgs {
		urls[i] = img.URL
	}
	msg := transport.NewImageCard(altText(req), req.Title, urls, res.TotalImages)
	if err := d.pusher.Push(ctx, req.Subscriber, msg); err != nil {
		return err
	}
	for _, img := range imgs {
		res.Sent = append(res.Sent, img.Filename)
	}
	res.ImagesSent = len(imgs)
	return nil
}

// caption is best effort: images already delivered stay counted.
func (d *Dispatcher) caption(ctx context.Context, req DispatchRequest) bool {
	if err := d.sleep(ctx, req.CaptionDelay); err != nil {
		return false
	}
	if err := d.pusher.Push(ctx, req.Subscriber, transport.NewText(req.Caption)); err != nil {
		log.Warn().Err(err).Str("subscriber", req.Subscriber).Msg("caption push failed")
		return false
	}
	return true
}

func altText(req DispatchRequest) string {
	if req.Title != "" {
		return req.Title
	}
	if req.Caption != "" {
		return req.Caption
	}
	return "Images"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
