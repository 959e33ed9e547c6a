package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"media-delivery-engine/internal/apperr"
)

// LarkPusher delivers the same logical payloads to a Lark/Feishu open_id.
// Images are fetched from their staged URL and uploaded to obtain an
// image_key; carousels and cards become one interactive card.
type LarkPusher struct {
	client  *lark.Client
	fetch   *http.Client
	timeout time.Duration
}

func NewLarkPusher(appID, appSecret string, timeout time.Duration) *LarkPusher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LarkPusher{
		client:  lark.NewClient(appID, appSecret),
		fetch:   &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (p *LarkPusher) Push(ctx context.Context, to string, msgs ...Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout*time.Duration(max(1, len(msgs))))
	defer cancel()

	for _, m := range msgs {
		var err error
		switch v := m.(type) {
		case TextMessage:
			err = p.sendText(ctx, to, v.Text)
		case ImageMessage:
			err = p.sendImage(ctx, to, v.OriginalContentURL)
		case TemplateMessage:
			urls := make([]string, 0, len(v.Template.Columns))
			for _, c := range v.Template.Columns {
				urls = append(urls, c.ImageURL)
			}
			err = p.sendCard(ctx, to, v.AltText, urls, "")
		case FlexMessage:
			err = p.sendCard(ctx, to, v.AltText, flexImageURLs(v), flexFooterText(v))
		default:
			err = apperr.Validationf("transport.lark", "unsupported message type %q", m.MessageType())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *LarkPusher) sendText(ctx context.Context, to, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal text content: %w", err)
	}
	return p.create(ctx, to, larkim.MsgTypeText, string(content))
}

func (p *LarkPusher) sendImage(ctx context.Context, to, url string) error {
	key, err := p.upload(ctx, url)
	if err != nil {
		return err
	}
	content, err := json.Marshal(map[string]string{"image_key": key})
	if err != nil {
		return fmt.Errorf("marshal image content: %w", err)
	}
	return p.create(ctx, to, larkim.MsgTypeImage, string(content))
}

func (p *LarkPusher) sendCard(ctx context.Context, to, title string, urls []string, footer string) error {
	elements := make([]map[string]any, 0, len(urls)+1)
	for _, u := range urls {
		key, err := p.upload(ctx, u)
		if err != nil {
			return err
		}
		elements = append(elements, map[string]any{
			"tag":     "img",
			"img_key": key,
			"alt":     map[string]string{"tag": "plain_text", "content": title},
		})
	}
	if footer != "" {
		elements = append(elements, map[string]any{"tag": "markdown", "content": footer})
	}
	card := map[string]any{
		"config":   map[string]bool{"wide_screen_mode": true},
		"header":   map[string]any{"title": map[string]string{"tag": "plain_text", "content": title}},
		"elements": elements,
	}
	content, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card content: %w", err)
	}
	return p.create(ctx, to, larkim.MsgTypeInteractive, string(content))
}

func (p *LarkPusher) upload(ctx context.Context, url string) (string, error) {
	const op = "transport.lark.upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.Transport(op, err, "build fetch request")
	}
	resp, err := p.fetch.Do(req)
	if err != nil {
		return "", apperr.Transport(op, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Transportf(op, "fetch %s: status %d", url, resp.StatusCode)
	}

	uploadReq := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(io.LimitReader(resp.Body, 10<<20)).
			Build()).
		Build()
	uploadResp, err := p.client.Im.V1.Image.Create(ctx, uploadReq)
	if err != nil {
		return "", apperr.Transport(op, err, "upload image")
	}
	if uploadResp == nil || !uploadResp.Success() || uploadResp.Data == nil || uploadResp.Data.ImageKey == nil {
		code, msg := 0, ""
		if uploadResp != nil {
			code, msg = uploadResp.Code, uploadResp.Msg
		}
		return "", apperr.Transportf(op, "upload image: %s (code: %d)", msg, code)
	}
	return *uploadResp.Data.ImageKey, nil
}

func (p *LarkPusher) create(ctx context.Context, to, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeOpenId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(to).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	resp, err := p.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return apperr.Transport("transport.lark.send", err, "send %s", msgType)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return apperr.Transportf("transport.lark.send", "send %s: %s (code: %d)", msgType, msg, code)
	}
	return nil
}

func flexImageURLs(m FlexMessage) []string {
	var out []string
	var walk func(items []any)
	walk = func(items []any) {
		for _, it := range items {
			switch v := it.(type) {
			case FlexImage:
				out = append(out, v.URL)
			case FlexBox:
				walk(v.Contents)
			}
		}
	}
	if m.Contents.Hero != nil {
		walk(m.Contents.Hero.Contents)
	}
	return out
}

func flexFooterText(m FlexMessage) string {
	if m.Contents.Footer == nil {
		return ""
	}
	var s string
	for _, it := range m.Contents.Footer.Contents {
		if t, ok := it.(FlexText); ok {
			if s != "" {
				s += "\n"
			}
			s += t.Text
		}
	}
	return s
}
