package models

import (
	"strings"

	"github.com/nulpointcorp/qwen-gateway/internal/stream"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
)

const (
	DefaultImageSize = "1024*1024"
	DefaultVideoSize = "1280x720"

	thinkingBudget = 38912
	outputSchema   = "phase"
)

// Feature is the behaviour selected by a model id suffix.
type Feature string

const (
	FeatureBase           Feature = ""
	FeatureThinking       Feature = "-thinking"
	FeatureSearch         Feature = "-search"
	FeatureThinkingSearch Feature = "-thinking-search"
	FeatureDraw           Feature = "-draw"
	FeatureVideo          Feature = "-video"
)

// Suffixes lists the feature suffixes in catalogue order.
var Suffixes = []string{
	string(FeatureBase),
	string(FeatureThinking),
	string(FeatureSearch),
	string(FeatureThinkingSearch),
	string(FeatureDraw),
	string(FeatureVideo),
}

// FeatureConfig is attached to every backend message.
type FeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
}

// Config is the resolved backend settings for one requested model.
type Config struct {
	Requested string
	Model     string
	Feature   Feature

	ChatType    string
	SubChatType string
	ChatMode    string

	// MessageChatType is stamped on each message.
	MessageChatType string
	FeatureConfig   FeatureConfig

	// Task is empty for text chat.
	Task tasks.Kind
	Size string

	// Thinking selects think/answer translation for streams.
	Thinking bool
}

// IsTask reports whether the model runs an asynchronous media job. Such
// calls are never streamed.
func (c Config) IsTask() bool { return c.Task != "" }

// SplitFeature returns the base model and the longest matching suffix.
func SplitFeature(model string) (string, Feature) {
	var best Feature
	for _, s := range Suffixes {
		if s != "" && len(s) > len(best) && strings.HasSuffix(model, s) {
			best = Feature(s)
		}
	}
	return strings.TrimSuffix(model, string(best)), best
}

func resolve(model, imageSize, videoSize string) Config {
	base, feat := SplitFeature(strings.TrimSpace(model))
	cfg := Config{
		Requested:       model,
		Model:           base,
		Feature:         feat,
		ChatType:        "t2t",
		SubChatType:     "t2t",
		ChatMode:        "normal",
		MessageChatType: "normal",
		FeatureConfig:   FeatureConfig{OutputSchema: outputSchema},
		Thinking:        stream.ThinkingEnabled(model),
	}

	switch feat {
	case FeatureThinking:
		cfg.FeatureConfig.ThinkingEnabled = true
		cfg.FeatureConfig.ThinkingBudget = thinkingBudget
	case FeatureSearch:
		cfg.MessageChatType = "search"
	case FeatureThinkingSearch:
		cfg.MessageChatType = "search"
		cfg.FeatureConfig.ThinkingEnabled = true
		cfg.FeatureConfig.ThinkingBudget = thinkingBudget
	case FeatureDraw:
		cfg.ChatType, cfg.SubChatType, cfg.MessageChatType = "t2i", "t2i", "t2i"
		cfg.Task = tasks.KindImage
		cfg.Size = imageSize
		cfg.Thinking = false
	case FeatureVideo:
		cfg.ChatType, cfg.SubChatType, cfg.MessageChatType = "t2v", "t2v", "t2v"
		cfg.Task = tasks.KindVideo
		cfg.Size = videoSize
		cfg.Thinking = false
	}
	return cfg
}
