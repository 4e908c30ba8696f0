// Package flows holds the text-generation features: crop recommendations,
// the farming assistant chat, farm reports and translation. Each flow takes
// a typed input, renders a prompt and decodes a typed JSON reply.
package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

var (
	// ErrUnavailable means the generator could not produce a usable answer.
	ErrUnavailable  = errors.New("text generation unavailable")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	maxMessageLen = 4000
	maxHistory    = 20
	defaultLimit  = 3
	maxLimit      = 10
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Service struct {
	gen    Generator
	logger *zap.SugaredLogger
}

// NewService accepts a nil generator; every flow then reports ErrUnavailable
// except Translate, which echoes its input.
func NewService(gen Generator, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = utilities.Nop()
	}
	return &Service{gen: gen, logger: logger}
}

// generate renders the named prompt, calls the generator and decodes the
// reply into out.
func (s *Service) generate(ctx context.Context, flow, tmpl string, data any, history []Message, out any) error {
	if s.gen == nil {
		return ErrUnavailable
	}
	prompt, err := render(tmpl, data)
	if err != nil {
		return fmt.Errorf("%s: render prompt: %w", flow, err)
	}
	text, err := s.gen.Generate(ctx, Request{System: assistantSystem, Prompt: prompt, History: history})
	if err != nil {
		s.logger.Warnw("generation failed", "flow", flow, "err", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal([]byte(stripFence(text)), out); err != nil {
		s.logger.Warnw("generation returned malformed output", "flow", flow, "err", err)
		return fmt.Errorf("%w: decode %s output: %v", ErrUnavailable, flow, err)
	}
	return nil
}

// stripFence removes a ```json fence some models wrap around JSON replies.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

type CropInput struct {
	SoilType      string  `json:"soil_type"`
	Region        string  `json:"region"`
	Season        string  `json:"season"`
	RainfallMM    float64 `json:"rainfall_mm,omitempty"`
	FarmSizeAcres float64 `json:"farm_size_acres,omitempty"`
	Irrigated     bool    `json:"irrigated,omitempty"`
	Limit         int     `json:"limit,omitempty"`
}

func (in *CropInput) normalize() error {
	in.SoilType = strings.TrimSpace(in.SoilType)
	in.Region = strings.TrimSpace(in.Region)
	in.Season = strings.TrimSpace(in.Season)
	switch {
	case in.SoilType == "":
		return invalid("soil_type is required")
	case in.Region == "":
		return invalid("region is required")
	case in.Season == "":
		return invalid("season is required")
	case in.RainfallMM < 0 || in.FarmSizeAcres < 0:
		return invalid("rainfall_mm and farm_size_acres must not be negative")
	}
	if in.Limit <= 0 {
		in.Limit = defaultLimit
	}
	if in.Limit > maxLimit {
		in.Limit = maxLimit
	}
	return nil
}

type Crop struct {
	Name          string `json:"name"`
	Reason        string `json:"reason"`
	ExpectedYield string `json:"expected_yield,omitempty"`
}

type CropRecommendation struct {
	Crops []Crop `json:"crops"`
	Notes string `json:"notes,omitempty"`
}

func (s *Service) RecommendCrops(ctx context.Context, in CropInput) (*CropRecommendation, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	var out CropRecommendation
	if err := s.generate(ctx, "recommend-crops", "recommend", in, nil, &out); err != nil {
		return nil, err
	}
	crops := out.Crops[:0]
	for _, c := range out.Crops {
		if strings.TrimSpace(c.Name) != "" {
			crops = append(crops, c)
		}
	}
	if len(crops) == 0 {
		return nil, fmt.Errorf("%w: no crops in reply", ErrUnavailable)
	}
	if len(crops) > in.Limit {
		crops = crops[:in.Limit]
	}
	out.Crops = crops
	return &out, nil
}

type ChatInput struct {
	Message  string    `json:"message"`
	History  []Message `json:"history,omitempty"`
	Language string    `json:"language,omitempty"`
}

type ChatReply struct {
	Reply string `json:"reply"`
}

func (s *Service) Chat(ctx context.Context, in ChatInput) (*ChatReply, error) {
	in.Message = strings.TrimSpace(in.Message)
	switch {
	case in.Message == "":
		return nil, invalid("message is required")
	case len(in.Message) > maxMessageLen:
		return nil, invalid("message is longer than %d characters", maxMessageLen)
	}
	for _, m := range in.History {
		if m.Role != "user" && m.Role != "model" {
			return nil, invalid("history role %q must be user or model", m.Role)
		}
	}
	history := in.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	var out ChatReply
	if err := s.generate(ctx, "chat", "chat", in, history, &out); err != nil {
		return nil, err
	}
	out.Reply = strings.TrimSpace(out.Reply)
	if out.Reply == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrUnavailable)
	}
	return &out, nil
}

type ReportInput struct {
	FarmName  string   `json:"farm_name"`
	Period    string   `json:"period"`
	Crops     []string `json:"crops"`
	AreaAcres float64  `json:"area_acres,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

type FarmReport struct {
	Summary         string   `json:"summary"`
	Highlights      []string `json:"highlights"`
	Recommendations []string `json:"recommendations"`
}

func (s *Service) FarmReport(ctx context.Context, in ReportInput) (*FarmReport, error) {
	in.FarmName = strings.TrimSpace(in.FarmName)
	in.Period = strings.TrimSpace(in.Period)
	switch {
	case in.FarmName == "":
		return nil, invalid("farm_name is required")
	case in.Period == "":
		return nil, invalid("period is required")
	case len(in.Crops) == 0:
		return nil, invalid("at least one crop is required")
	case len(in.Notes) > maxMessageLen:
		return nil, invalid("notes are longer than %d characters", maxMessageLen)
	}
	var out FarmReport
	if err := s.generate(ctx, "farm-report", "report", in, nil, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("%w: report has no summary", ErrUnavailable)
	}
	if out.Highlights == nil {
		out.Highlights = []string{}
	}
	if out.Recommendations == nil {
		out.Recommendations = []string{}
	}
	return &out, nil
}

type TranslateInput struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type Translation struct {
	Text string `json:"text"`
	// Translated is false when the original text was returned unchanged.
	Translated bool `json:"translated"`
}

// Translate never fails on generator errors; it hands back the original text.
func (s *Service) Translate(ctx context.Context, in TranslateInput) (*Translation, error) {
	in.TargetLanguage = strings.TrimSpace(in.TargetLanguage)
	switch {
	case strings.TrimSpace(in.Text) == "":
		return nil, invalid("text is required")
	case in.TargetLanguage == "":
		return nil, invalid("target_language is required")
	case len(in.Text) > maxMessageLen:
		return nil, invalid("text is longer than %d characters", maxMessageLen)
	}
	fallback := &Translation{Text: in.Text}
	var out struct {
		Text string `json:"text"`
	}
	if err := s.generate(ctx, "translate", "translate", in, nil, &out); err != nil {
		s.logger.Debugw("returning untranslated text", "language", in.TargetLanguage, "err", err)
		return fallback, nil
	}
	if strings.TrimSpace(out.Text) == "" {
		return fallback, nil
	}
	return &Translation{Text: out.Text, Translated: true}, nil
}
