// Package seed imports trigger definitions from a YAML catalog.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"media-delivery-engine/internal/engine"
)

// Catalog is the file layout:
//
//	triggers:
//	  - kind: keyword
//	    identity: กล่องพิซซ่า
//	    images:
//	      - filename: pizza-1.jpg
//	        path: images/pizza-1.jpg
type Catalog struct {
	Triggers []engine.TriggerInput `yaml:"triggers"`
}

// Upserter is satisfied by *engine.DeliveryEngine.
type Upserter interface {
	UpsertTrigger(ctx context.Context, in engine.TriggerInput) (engine.TriggerDefinition, error)
}

// Decode rejects unknown keys so typos do not silently drop fields.
func Decode(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	return c, nil
}

// LoadFile decodes path and resolves relative image paths against its
// directory.
func LoadFile(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	c, err := Decode(bytes.NewReader(b))
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range c.Triggers {
		for j := range c.Triggers[i].Images {
			img := &c.Triggers[i].Images[j]
			if img.Path != "" && !filepath.IsAbs(img.Path) {
				img.Path = filepath.Join(base, img.Path)
			}
		}
	}
	return c, nil
}

// Result counts what Apply did.
type Result struct {
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Apply upserts every trigger, continuing past invalid entries.
func Apply(ctx context.Context, u Upserter, c Catalog) Result {
	var res Result
	for i, in := range c.Triggers {
		def, err := u.UpsertTrigger(ctx, in)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("trigger %d (%s %q): %v", i, in.Kind, in.Identity, err))
			log.Warn().Err(err).Int("index", i).Str("identity", in.Identity).Msg("seed trigger rejected")
			continue
		}
		res.Applied++
		log.Debug().Str("trigger", def.ID).Int("images", len(def.Images)).Msg("seeded trigger")
	}
	return res
}
