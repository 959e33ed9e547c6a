package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/storage"
	"media-delivery-engine/internal/transport"
)

const productURL = "https://www.hongthaipackaging.com/product/box-a.html"

func TestProcessOutgoingMessage_Keyword(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(2)})
	require.NoError(t, err)

	res, err := te.ProcessOutgoingMessage(ctx, "U1", "Here is the BOX you asked about, box lovers")
	require.NoError(t, err)
	assert.True(t, res.Processed)
	require.Len(t, res.Results, 1)
	tr := res.Results[0]
	assert.Equal(t, StatusSent, tr.Status)
	assert.Equal(t, "first time", tr.Reason)
	assert.Equal(t, 2, tr.TotalImages)
	assert.Equal(t, 2, tr.ImagesSent)
	assert.Equal(t, config.FormatIndividual, tr.Format)

	// two images then the caption
	calls := te.pusher.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "U1", calls[0].To)
	assert.Equal(t, "https://cdn.example.com/p0.jpg", calls[0].Msgs[0].(transport.ImageMessage).OriginalContentURL)
	assert.Equal(t, "Images for box (2)", calls[2].Msgs[0].(transport.TextMessage).Text)

	rec, err := te.SendRecord(ctx, "U1", "keyword:box")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SendCount)
	assert.Equal(t, 2, rec.TotalImagesSent)

	// within the window the same trigger is suppressed
	te.clock.Advance(time.Hour)
	res, err = te.ProcessOutgoingMessage(ctx, "U1", "box again")
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, StatusSkipped, res.Results[0].Status)
	assert.Len(t, te.pusher.Calls(), 3)

	// and allowed again once it elapsed
	te.clock.Advance(24 * time.Hour)
	res, err = te.ProcessOutgoingMessage(ctx, "U1", "box again")
	require.NoError(t, err)
	assert.True(t, res.Processed)
}

func TestProcessOutgoingMessage_ProductDefaultSelection(t *testing.T) {
	te := newTestEngine(t, func(c *config.Config) { c.Delivery.DisplayFormat = config.FormatCarousel })
	ctx := context.Background()
	_, err := te.UpsertTrigger(ctx, TriggerInput{
		Kind: KindProductURL, Identity: productURL, Name: "Box A", Images: localImages(8),
	})
	require.NoError(t, err)

	res, err := te.ProcessOutgoingMessage(ctx, "U1", "เช็คราคาที่ "+productURL+" ครับ")
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	tr := res.Results[0]
	assert.Equal(t, StatusSent, tr.Status)
	assert.Equal(t, 3, tr.TotalImages)
	assert.Equal(t, 3, tr.ImagesSent)
	assert.Equal(t, []string{"/srv/products/p0.jpg", "/srv/products/p1.jpg", "/srv/products/p2.jpg"}, te.stager.staged)

	calls := te.pusher.Calls()
	require.Len(t, calls, 2)
	tpl := calls[0].Msgs[0].(transport.TemplateMessage)
	assert.Len(t, tpl.Template.Columns, 3)
	assert.Equal(t, "Images of Box A (3)", calls[1].Msgs[0].(transport.TextMessage).Text)
}

func TestProcessOutgoingMessage_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown product is not found", func(t *testing.T) {
		te := newTestEngine(t)
		res, err := te.ProcessOutgoingMessage(ctx, "U1", "https://hongthaipackaging.com/product/unknown")
		require.NoError(t, err)
		require.Len(t, res.Results, 1)
		assert.Equal(t, StatusFailed, res.Results[0].Status)
		assert.Equal(t, apperr.KindNotFound, res.Results[0].ErrorKind)
	})

	t.Run("no trigger", func(t *testing.T) {
		te := newTestEngine(t)
		res, err := te.ProcessOutgoingMessage(ctx, "U1", "hello there")
		require.NoError(t, err)
		assert.False(t, res.Processed)
		assert.Empty(t, res.Results)
	})

	t.Run("auto send off only detects", func(t *testing.T) {
		te := newTestEngine(t, func(c *config.Config) { c.Delivery.AutoSend = false })
		_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(1)})
		require.NoError(t, err)
		res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
		require.NoError(t, err)
		assert.Equal(t, StatusDetected, res.Results[0].Status)
		assert.Empty(t, te.pusher.Calls())
	})

	t.Run("engine disabled", func(t *testing.T) {
		te := newTestEngine(t, func(c *config.Config) { c.Delivery.Enabled = false })
		_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(1)})
		require.NoError(t, err)
		res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Results[0].Status)
		assert.Equal(t, "engine disabled", res.Results[0].Reason)
	})

	t.Run("nothing selected", func(t *testing.T) {
		te := newTestEngine(t)
		def, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindProductURL, Identity: productURL, Images: localImages(4)})
		require.NoError(t, err)
		_, err = te.SelectImages(ctx, def.ID, nil)
		require.NoError(t, err)

		res, err := te.ProcessOutgoingMessage(ctx, "U1", productURL)
		require.NoError(t, err)
		assert.Equal(t, StatusNothingSelected, res.Results[0].Status)
		assert.Equal(t, NothingSelected, res.Results[0].Reason)
		assert.Empty(t, te.pusher.Calls())
	})

	t.Run("all staging failures", func(t *testing.T) {
		te := newTestEngine(t)
		_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: localImages(2)})
		require.NoError(t, err)
		te.stager.fail["/srv/products/p0.jpg"] = apperr.Validationf("staging.stage", "image too small")
		te.stager.fail["/srv/products/p1.jpg"] = apperr.Validationf("staging.stage", "image too small")

		res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
		require.NoError(t, err)
		tr := res.Results[0]
		assert.Equal(t, StatusFailed, tr.Status)
		assert.Len(t, tr.Errors, 2)
		assert.Empty(t, te.pusher.Calls())

		rec, err := te.SendRecord(ctx, "U1", "keyword:box")
		require.NoError(t, err)
		assert.Nil(t, rec.LastSentAt)
	})

	t.Run("one bad image does not abort the rest", func(t *testing.T) {
		te := newTestEngine(t)
		_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: localImages(3)})
		require.NoError(t, err)
		te.stager.fail["/srv/products/p1.jpg"] = apperr.Storage("staging.verify", nil, "verification failed")

		res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
		require.NoError(t, err)
		tr := res.Results[0]
		assert.Equal(t, StatusSent, tr.Status)
		assert.Equal(t, 3, tr.TotalImages)
		assert.Equal(t, 2, tr.ImagesSent)
		require.Len(t, tr.Errors, 1)
		assert.Equal(t, apperr.KindStorage, tr.Errors[0].Kind)
	})

	t.Run("missing subscriber", func(t *testing.T) {
		te := newTestEngine(t)
		_, err := te.ProcessOutgoingMessage(ctx, " ", "box")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestProcessOutgoingMessage_CallerCancelDoesNotAbortDispatch(t *testing.T) {
	te := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(3)})
	require.NoError(t, err)

	// the caller goes away during the first inter-image delay
	te.dispatcher.sleep = func(dctx context.Context, _ time.Duration) error {
		cancel()
		return dctx.Err()
	}

	res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)
	tr := res.Results[0]
	assert.Equal(t, StatusSent, tr.Status)
	assert.Equal(t, 3, tr.ImagesSent)
	assert.Empty(t, tr.Error)
	assert.Len(t, te.pusher.Calls(), 4)

	rec, err := te.SendRecord(context.Background(), "U1", "keyword:box")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SendCount)
	assert.Equal(t, 3, rec.TotalImagesSent)
	require.NotNil(t, rec.LastSentAt)
}

func TestProcessOutgoingMessage_PartialDeliveryIsRecorded(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(3)})
	require.NoError(t, err)

	te.dispatcher.sleep = func(context.Context, time.Duration) error {
		return context.DeadlineExceeded
	}

	res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)
	assert.True(t, res.Processed)
	tr := res.Results[0]
	assert.Equal(t, StatusSent, tr.Status)
	assert.Equal(t, 1, tr.ImagesSent)
	assert.Equal(t, 3, tr.TotalImages)
	assert.NotEmpty(t, tr.Error)
	assert.Len(t, te.pusher.Calls(), 1)

	rec, err := te.SendRecord(ctx, "U1", "keyword:box")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SendCount)
	assert.Equal(t, 1, rec.TotalImagesSent)
	require.Len(t, rec.SentImages, 1)
	assert.Equal(t, "p0.jpg", rec.SentImages[0].Filename)

	// the window applies to the partial send too
	te.clock.Advance(time.Hour)
	res, err = te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Results[0].Status)
}

func TestProcessOutgoingMessage_ConcurrentSameSubscriberSendsOnce(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(1)})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
			if assert.NoError(t, err) && res.Processed {
				mu.Lock()
				sent++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sent)
	rec, err := te.SendRecord(ctx, "U1", "keyword:box")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SendCount)
}

func TestSelectionAdmin(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	def, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindProductURL, Identity: productURL, Images: localImages(5)})
	require.NoError(t, err)

	p, err := te.SelectImages(ctx, def.ID, []string{"img-4", "img-1"})
	require.NoError(t, err)
	res, err := te.Preview(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"img-4", "img-1"}, ids(res.Images))
	assert.Equal(t, config.ModeManual, p.Mode)

	_, err = te.SelectImages(ctx, def.ID, []string{"nope"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = te.SelectImages(ctx, def.ID, []string{"img-1", "img-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// removing the first selected image renumbers the rest from 1
	_, err = te.RemoveImage(ctx, def.ID, "img-4")
	require.NoError(t, err)
	p, err = te.Policy(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, p.Images, 4)
	for _, img := range p.Images {
		if img.ID == "img-1" {
			require.NotNil(t, img.SelectionOrder)
			assert.Equal(t, 1, *img.SelectionOrder)
		} else {
			assert.False(t, img.Selected)
		}
	}

	_, err = te.RemoveImage(ctx, def.ID, "img-4")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	p, err = te.SetSelectionMode(ctx, def.ID, config.ModeAll, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Cap)
	res, err = te.Preview(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"img-0", "img-1"}, ids(res.Images))

	_, err = te.SetSelectionMode(ctx, def.ID, "sideways", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpsertTrigger_ImageChangesReachPolicy(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	imgs := localImages(3)
	def, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindProductURL, Identity: productURL, Images: imgs})
	require.NoError(t, err)
	_, err = te.Preview(ctx, def.ID)
	require.NoError(t, err)

	imgs[0].Path = "/srv/products/NEW.jpg"
	imgs[0], imgs[1] = imgs[1], imgs[0]
	te.clock.Advance(time.Minute)
	_, err = te.UpsertTrigger(ctx, TriggerInput{Kind: KindProductURL, Identity: productURL, Images: imgs})
	require.NoError(t, err)

	res, err := te.Preview(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, res.Images, 3)
	assert.Equal(t, "img-0", res.Images[0].ID)
	assert.Equal(t, "/srv/products/NEW.jpg", res.Images[0].Path)
	assert.Equal(t, 1, res.Images[0].Position)

	out, err := te.ProcessOutgoingMessage(ctx, "U1", productURL)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Results[0].Status)
	assert.Equal(t, "/srv/products/NEW.jpg", te.stager.staged[0])
}

func TestUpsertTrigger(t *testing.T) {
	te := newTestEngine(t, func(c *config.Config) { c.Delivery.ExactMatch = true })
	ctx := context.Background()

	def, err := te.UpsertTrigger(ctx, TriggerInput{
		Kind:     KindKeyword,
		Identity: "  box ",
		Images:   []ImageInput{{Filename: "a.jpg", Path: "/srv/a.jpg"}, {RemoteURL: "https://cdn.example.com/x/b.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "keyword:box", def.ID)
	assert.Equal(t, MatchExact, def.MatchMode)
	assert.True(t, def.Enabled)
	require.Len(t, def.Images, 2)
	assert.NotEmpty(t, def.Images[0].ID)
	assert.True(t, def.Images[0].IsPrimary)
	assert.Equal(t, "b.png", def.Images[1].Filename)
	assert.Equal(t, 1, def.Images[1].Position)

	// upserting keeps the image id and creation time
	te.clock.Advance(time.Hour)
	again, err := te.UpsertTrigger(ctx, TriggerInput{
		Kind: KindKeyword, Identity: "box", Enabled: boolPtr(false),
		Images: []ImageInput{{ID: def.Images[0].ID, Filename: "a.jpg", Path: "/srv/a.jpg"}},
	})
	require.NoError(t, err)
	assert.False(t, again.Enabled)
	assert.Equal(t, def.CreatedAt, again.CreatedAt)
	assert.Equal(t, def.Images[0].CreatedAt, again.Images[0].CreatedAt)

	list, err := te.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = te.UpsertTrigger(ctx, TriggerInput{Kind: "hashtag", Identity: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = te.UpsertTrigger(ctx, TriggerInput{Kind: KindProductURL, Identity: "box-a"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, te.DeleteTrigger(ctx, "keyword:box"))
	_, err = te.GetTrigger(ctx, "keyword:box")
	assert.True(t, IsNotFound(err))
}

func TestSettingsRoundTrip(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	s, err := te.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSettings(), s)

	s.DisplayFormat = config.FormatCard
	s.MaxImageBytes = 2048
	_, err = te.UpdateSettings(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), te.stager.maxBytes)

	got, err := te.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.FormatCard, got.DisplayFormat)

	s.DisplayFormat = "hologram"
	_, err = te.UpdateSettings(ctx, s)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReloadEachPassSeesExternalWrites(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)
	assert.Empty(t, res.Results)

	// an admin collaborator writes straight into the store
	other := NewEngine(testConfig(), te.kv, nil, &recordingPusher{})
	_, err = other.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(1)})
	require.NoError(t, err)

	res, err = te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, StatusSent, res.Results[0].Status)
}

func TestResetHistory(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	_, err := te.UpsertTrigger(ctx, TriggerInput{Kind: KindKeyword, Identity: "box", Images: remoteImages(1)})
	require.NoError(t, err)
	_, err = te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)

	require.NoError(t, te.ResetHistory(ctx, "U1", "keyword:box"))
	res, err := te.ProcessOutgoingMessage(ctx, "U1", "box")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Results[0].Status)

	h, err := te.History(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, h["keyword:box"].SendCount)

	_, err = te.kv.Get(ctx, storage.BucketHistory, "U1")
	assert.NoError(t, err)
}
