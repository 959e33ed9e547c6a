package engine

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TriggerSource detects one kind of trigger. Subject resolution for the
// kind is done by the Resolver.
type TriggerSource interface {
	Kind() TriggerKind
	Detect(text string, defs []TriggerDefinition) []TriggerMatch
}

// Detector runs every source over a message. It is read-only.
type Detector struct {
	sources []TriggerSource
}

func NewDetector(sources ...TriggerSource) *Detector {
	return &Detector{sources: sources}
}

// Detect returns keyword matches first, then URL matches, in source order.
func (d *Detector) Detect(text string, defs []TriggerDefinition) []TriggerMatch {
	if text == "" || !utf8.ValidString(text) {
		return nil
	}
	var out []TriggerMatch
	for _, s := range d.sources {
		out = append(out, s.Detect(text, defs)...)
	}
	return out
}

// KeywordSource matches enabled keyword definitions.
type KeywordSource struct{}

func (KeywordSource) Kind() TriggerKind { return KindKeyword }

func (KeywordSource) Detect(text string, defs []TriggerDefinition) []TriggerMatch {
	nfc := norm.NFC.String(text)
	var folded string
	var out []TriggerMatch
	for _, def := range defs {
		if def.Kind != KindKeyword || !def.Enabled || strings.TrimSpace(def.Identity) == "" {
			continue
		}
		hay, needle := nfc, norm.NFC.String(def.Identity)
		if !def.CaseSensitive {
			if folded == "" {
				folded = cases.Fold().String(nfc)
			}
			hay, needle = folded, cases.Fold().String(needle)
		}
		spans := findAll(hay, needle, def.MatchMode == MatchExact)
		if len(spans) == 0 {
			continue
		}
		out = append(out, TriggerMatch{
			Kind:         KindKeyword,
			Identity:     def.Identity,
			DefinitionID: def.ID,
			Offsets:      spans,
		})
	}
	return out
}

// findAll returns non-overlapping occurrences; whole-token ones only when exact.
func findAll(hay, needle string, exact bool) []Span {
	var spans []Span
	for from := 0; from <= len(hay)-len(needle); {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(needle)
		if !exact || isBoundary(hay, start, end) {
			spans = append(spans, Span{Start: start, End: end})
			from = end
			continue
		}
		_, w := utf8.DecodeRuneInString(hay[start:])
		from = start + w
	}
	return spans
}

func isBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || r == '_'
}

// ProductURLSource extracts product page URLs.
type ProductURLSource struct {
	Domain     string
	PathMarker string
	patterns   []*regexp.Regexp
}

// urlChars is the RFC 3986 character set; anything else, including any
// non-ASCII text, ends a URL.
const urlChars = `[A-Za-z0-9\-._~:/?#\[\]@!$&'()*+,;=%]`

func NewProductURLSource(domain, pathMarker string) *ProductURLSource {
	s := &ProductURLSource{Domain: strings.ToLower(domain), PathMarker: pathMarker}
	if pathMarker != "" {
		s.patterns = append(s.patterns, regexp.MustCompile(
			`(?i)https?://[A-Za-z0-9.\-]+(?::\d+)?`+regexp.QuoteMeta(pathMarker)+urlChars+`*`))
	}
	if domain != "" {
		s.patterns = append(s.patterns, regexp.MustCompile(
			`(?i)https?://(?:[A-Za-z0-9\-]+\.)*`+regexp.QuoteMeta(domain)+`(?:[:/?#]`+urlChars+`*)?`))
	}
	s.patterns = append(s.patterns, regexp.MustCompile(`(?i)https?://`+urlChars+`+`))
	return s
}

func (*ProductURLSource) Kind() TriggerKind { return KindProductURL }

func (s *ProductURLSource) Detect(text string, defs []TriggerDefinition) []TriggerMatch {
	byKey := map[string]string{}
	for _, d := range defs {
		if d.Kind == KindProductURL {
			byKey[CanonicalURL(d.Identity)] = d.ID
		}
	}
	var out []TriggerMatch
	seen := map[string]int{}
	for _, re := range s.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			raw := trimURL(text[loc[0]:loc[1]])
			span := Span{Start: loc[0], End: loc[0] + len(raw)}
			if i, ok := seen[raw]; ok {
				if !containsSpan(out[i].Offsets, span) {
					out[i].Offsets = append(out[i].Offsets, span)
				}
				continue
			}
			if !s.accept(raw) {
				continue
			}
			seen[raw] = len(out)
			out = append(out, TriggerMatch{
				Kind:         KindProductURL,
				Identity:     raw,
				DefinitionID: byKey[CanonicalURL(raw)],
				Offsets:      []Span{span},
			})
		}
	}
	return out
}

// ExtractURLs returns the accepted product URLs in order of discovery.
func (s *ProductURLSource) ExtractURLs(text string) []string {
	matches := s.Detect(text, nil)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Identity)
	}
	return out
}

func (s *ProductURLSource) accept(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if s.PathMarker != "" && strings.Contains(u.Path, s.PathMarker) {
		return true
	}
	host := strings.ToLower(u.Hostname())
	return s.Domain != "" && (host == s.Domain || strings.HasSuffix(host, "."+s.Domain))
}

const trailingJunk = ".,;:!?)]}>'\"" + "）」』】〕》〉”’。、，"

func trimURL(raw string) string {
	for raw != "" {
		r, w := utf8.DecodeLastRuneInString(raw)
		if !strings.ContainsRune(trailingJunk, r) {
			break
		}
		raw = raw[:len(raw)-w]
	}
	return raw
}

func containsSpan(spans []Span, s Span) bool {
	for _, x := range spans {
		if x == s {
			return true
		}
	}
	return false
}

// CanonicalURL is the identity key for product URLs: lower-case host without
// "www.", no query or fragment, no trailing slash.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	return host + path
}
