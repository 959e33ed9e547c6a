package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Selection modes for product image resolution.
const (
	ModeManual       = "manual"
	ModePrimaryFirst = "primary_first"
	ModeAll          = "all"
	ModeRandom       = "random"
)

// Display formats for dispatch.
const (
	FormatIndividual = "individual"
	FormatCarousel   = "carousel"
	FormatCard       = "card"
)

// Settings is the runtime configuration surface shared with the admin
// collaborator. It is persisted per namespace and may change at runtime.
type Settings struct {
	Enabled              bool   `json:"enabled" mapstructure:"enabled"`
	AutoSend             bool   `json:"auto_send" mapstructure:"auto_send"`
	SendDelayMs          int    `json:"send_delay_ms" mapstructure:"send_delay_ms" validate:"gte=0,lte=60000"`
	CaptionDelayMs       int    `json:"caption_delay_ms" mapstructure:"caption_delay_ms" validate:"gte=0,lte=60000"`
	MaxImageBytes        int64  `json:"max_image_bytes" mapstructure:"max_image_bytes" validate:"gt=0"`
	CaseSensitive        bool   `json:"case_sensitive" mapstructure:"case_sensitive"`
	ExactMatch           bool   `json:"exact_match" mapstructure:"exact_match"`
	DedupEnabled         bool   `json:"dedup_enabled" mapstructure:"dedup_enabled"`
	DedupWindowHours     int    `json:"dedup_window_hours" mapstructure:"dedup_window_hours" validate:"gte=1,lte=8760"`
	IntroTemplate        string `json:"intro_template" mapstructure:"intro_template" validate:"max=2000"`
	KeywordIntroTemplate string `json:"keyword_intro_template" mapstructure:"keyword_intro_template" validate:"max=2000"`
	SelectionMode        string `json:"selection_mode" mapstructure:"selection_mode" validate:"oneof=manual primary_first all random"`
	DisplayFormat        string `json:"display_format" mapstructure:"display_format" validate:"oneof=individual carousel card"`
	MaxImagesPerSubject  int    `json:"max_images_per_subject" mapstructure:"max_images_per_subject" validate:"gte=1,lte=50"`
	ReloadEachPass       bool   `json:"reload_each_pass" mapstructure:"reload_each_pass"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:              true,
		AutoSend:             true,
		SendDelayMs:          500,
		CaptionDelayMs:       1000,
		MaxImageBytes:        10 * 1024 * 1024,
		CaseSensitive:        false,
		ExactMatch:           false,
		DedupEnabled:         true,
		DedupWindowHours:     24,
		IntroTemplate:        "Images of {product} ({count})",
		KeywordIntroTemplate: "Images for {keyword} ({count})",
		SelectionMode:        ModeManual,
		DisplayFormat:        FormatIndividual,
		MaxImagesPerSubject:  10,
		ReloadEachPass:       true,
	}
}

// WithDefaults fills unset numeric and string fields. Flags are left as is.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.MaxImageBytes <= 0 {
		s.MaxImageBytes = d.MaxImageBytes
	}
	if s.DedupWindowHours <= 0 {
		s.DedupWindowHours = d.DedupWindowHours
	}
	if s.IntroTemplate == "" {
		s.IntroTemplate = d.IntroTemplate
	}
	if s.KeywordIntroTemplate == "" {
		s.KeywordIntroTemplate = d.KeywordIntroTemplate
	}
	if s.SelectionMode == "" {
		s.SelectionMode = d.SelectionMode
	}
	if s.DisplayFormat == "" {
		s.DisplayFormat = d.DisplayFormat
	}
	if s.MaxImagesPerSubject <= 0 {
		s.MaxImagesPerSubject = d.MaxImagesPerSubject
	}
	return s
}

var settingsValidator = validator.New()

// Validate checks bounds and enumerations.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func (s Settings) SendDelay() time.Duration { return time.Duration(s.SendDelayMs) * time.Millisecond }

func (s Settings) CaptionDelay() time.Duration {
	return time.Duration(s.CaptionDelayMs) * time.Millisecond
}

func (s Settings) DedupWindow() time.Duration { return time.Duration(s.DedupWindowHours) * time.Hour }
