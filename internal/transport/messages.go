package transport

import "strconv"

// Message is one element of a push request's messages array.
type Message interface {
	MessageType() string
}

// TextMessage is a plain caption.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewText(text string) TextMessage { return TextMessage{Type: "text", Text: text} }

func (m TextMessage) MessageType() string { return m.Type }

// ImageMessage references an HTTPS image by URL.
type ImageMessage struct {
	Type               string `json:"type"`
	OriginalContentURL string `json:"originalContentUrl"`
	PreviewImageURL    string `json:"previewImageUrl"`
}

func NewImage(url string) ImageMessage {
	return ImageMessage{Type: "image", OriginalContentURL: url, PreviewImageURL: url}
}

func (m ImageMessage) MessageType() string { return m.Type }

// TemplateMessage wraps an image carousel.
type TemplateMessage struct {
	Type     string                `json:"type"`
	AltText  string                `json:"altText"`
	Template ImageCarouselTemplate `json:"template"`
}

type ImageCarouselTemplate struct {
	Type    string           `json:"type"`
	Columns []CarouselColumn `json:"columns"`
}

type CarouselColumn struct {
	ImageURL string    `json:"imageUrl"`
	Action   URIAction `json:"action"`
}

type URIAction struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
	URI   string `json:"uri"`
}

// MaxCarouselColumns is the provider limit for image_carousel.
const MaxCarouselColumns = 10

func NewImageCarousel(altText string, urls []string) TemplateMessage {
	cols := make([]CarouselColumn, 0, len(urls))
	for _, u := range urls {
		cols = append(cols, CarouselColumn{
			ImageURL: u,
			Action:   URIAction{Type: "uri", Label: "View", URI: u},
		})
	}
	return TemplateMessage{
		Type:     "template",
		AltText:  altText,
		Template: ImageCarouselTemplate{Type: "image_carousel", Columns: cols},
	}
}

func (m TemplateMessage) MessageType() string { return m.Type }

// FlexMessage carries a rich card bubble.
type FlexMessage struct {
	Type     string     `json:"type"`
	AltText  string     `json:"altText"`
	Contents FlexBubble `json:"contents"`
}

func (m FlexMessage) MessageType() string { return m.Type }

type FlexBubble struct {
	Type   string   `json:"type"`
	Hero   *FlexBox `json:"hero,omitempty"`
	Footer *FlexBox `json:"footer,omitempty"`
}

// FlexBox is a layout container; Contents holds FlexBox, FlexImage or FlexText.
type FlexBox struct {
	Type       string `json:"type"`
	Layout     string `json:"layout"`
	Spacing    string `json:"spacing,omitempty"`
	PaddingAll string `json:"paddingAll,omitempty"`
	Flex       int    `json:"flex,omitempty"`
	Contents   []any  `json:"contents"`
}

type FlexImage struct {
	Type        string     `json:"type"`
	URL         string     `json:"url"`
	Size        string     `json:"size"`
	AspectMode  string     `json:"aspectMode"`
	AspectRatio string     `json:"aspectRatio"`
	Action      *URIAction `json:"action,omitempty"`
}

type FlexText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
	Align string `json:"align,omitempty"`
}

// MaxCardImages is the largest grid a card embeds.
const MaxCardImages = 4

// NewImageCard lays out up to four images as 1, 2 (side by side) or 4 (2x2);
// three images use the two-row layout with an empty cell. The footer shows
// "(N more)" when total exceeds the embedded count.
func NewImageCard(altText, caption string, urls []string, total int) FlexMessage {
	if len(urls) > MaxCardImages {
		urls = urls[:MaxCardImages]
	}
	img := func(u, ratio string) FlexImage {
		return FlexImage{
			Type: "image", URL: u, Size: "full", AspectMode: "cover", AspectRatio: ratio,
			Action: &URIAction{Type: "uri", URI: u},
		}
	}
	row := func(items ...any) FlexBox {
		return FlexBox{Type: "box", Layout: "horizontal", Spacing: "xs", Contents: items}
	}

	hero := &FlexBox{Type: "box", Layout: "vertical", Spacing: "xs", PaddingAll: "0px"}
	switch len(urls) {
	case 0:
	case 1:
		hero.Contents = []any{img(urls[0], "1:1")}
	case 2:
		hero.Contents = []any{row(img(urls[0], "1:1"), img(urls[1], "1:1"))}
	default:
		first := row(img(urls[0], "1:1"), img(urls[1], "1:1"))
		var second FlexBox
		if len(urls) == 4 {
			second = row(img(urls[2], "1:1"), img(urls[3], "1:1"))
		} else {
			second = row(img(urls[2], "1:1"), FlexBox{Type: "box", Layout: "vertical", Contents: []any{}})
		}
		hero.Contents = []any{first, second}
	}

	footer := &FlexBox{Type: "box", Layout: "vertical", Contents: []any{}}
	if caption != "" {
		footer.Contents = append(footer.Contents, FlexText{Type: "text", Text: caption, Size: "sm"})
	}
	if more := total - len(urls); more > 0 {
		footer.Contents = append(footer.Contents, FlexText{
			Type: "text", Text: "(" + strconv.Itoa(more) + " more)", Size: "xs", Color: "#888888", Align: "end",
		})
	}
	if len(footer.Contents) == 0 {
		footer = nil
	}

	return FlexMessage{
		Type:     "flex",
		AltText:  altText,
		Contents: FlexBubble{Type: "bubble", Hero: hero, Footer: footer},
	}
}
