package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
)

// backendRequest is the body of a vendor chat call.
type backendRequest struct {
	Stream            bool            `json:"stream"`
	IncrementalOutput bool            `json:"incremental_output"`
	ChatType          string          `json:"chat_type"`
	Model             string          `json:"model"`
	Messages          json.RawMessage `json:"messages"`
	SessionID         string          `json:"session_id"`
	ChatID            string          `json:"chat_id"`
	ID                string          `json:"id"`
	SubChatType       string          `json:"sub_chat_type"`
	ChatMode          string          `json:"chat_mode"`
	Size              string          `json:"size,omitempty"`
	Temperature       float64         `json:"temperature"`
}

func (s *Service) buildBody(cfg models.Config, msgs []byte, streaming bool, temperature *float64, size string) ([]byte, error) {
	temp := defaultTemperature
	if temperature != nil {
		temp = *temperature
	}
	body, err := json.Marshal(backendRequest{
		Stream:            streaming,
		IncrementalOutput: true,
		ChatType:          cfg.ChatType,
		Model:             cfg.Model,
		Messages:          msgs,
		SessionID:         s.opts.NewID(),
		ChatID:            s.opts.NewID(),
		ID:                s.opts.NewID(),
		SubChatType:       cfg.SubChatType,
		ChatMode:          cfg.ChatMode,
		Size:              size,
		Temperature:       temp,
	})
	if err != nil {
		return nil, fmt.Errorf("completion: encode body: %w", err)
	}
	return body, nil
}

// rewriteMessages stamps the model's per-message settings on every message
// and replaces user image attachments with uploaded URLs. An attachment that
// fails to upload is forwarded unchanged.
func (s *Service) rewriteMessages(ctx context.Context, msgs gjson.Result, cfg models.Config, cred credentials.Credential) ([]byte, error) {
	featureConfig, err := json.Marshal(cfg.FeatureConfig)
	if err != nil {
		return nil, fmt.Errorf("completion: encode feature config: %w", err)
	}
	if cfg.Task == tasks.KindImage {
		featureConfig, _ = json.Marshal(models.FeatureConfig{OutputSchema: cfg.FeatureConfig.OutputSchema})
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range msgs.Array() {
		if !m.IsObject() {
			return nil, fmt.Errorf("%w: messages[%d] is not an object", ErrInvalidRequest, i)
		}
		out := []byte(m.Raw)

		if m.Get("role").String() == "user" && m.Get("content").IsArray() {
			content, err := s.rewriteContent(ctx, m.Get("content"), cred)
			if err != nil {
				return nil, err
			}
			if out, err = sjson.SetRawBytes(out, "content", content); err != nil {
				return nil, fmt.Errorf("completion: rewrite content: %w", err)
			}
		}

		if out, err = sjson.SetBytes(out, "chat_type", cfg.MessageChatType); err != nil {
			return nil, fmt.Errorf("completion: rewrite message: %w", err)
		}
		if ex := m.Get("extra"); !ex.Exists() || ex.Type == gjson.Null {
			if out, err = sjson.SetRawBytes(out, "extra", []byte("{}")); err != nil {
				return nil, fmt.Errorf("completion: rewrite message: %w", err)
			}
		}
		if fc := m.Get("feature_config"); cfg.Task == tasks.KindImage || !fc.Exists() || fc.Type == gjson.Null {
			if out, err = sjson.SetRawBytes(out, "feature_config", featureConfig); err != nil {
				return nil, fmt.Errorf("completion: rewrite message: %w", err)
			}
		}

		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(out)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (s *Service) rewriteContent(ctx context.Context, parts gjson.Result, cred credentials.Credential) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, part := range parts.Array() {
		if i > 0 {
			buf.WriteByte(',')
		}
		src := imageSource(part)
		if src == "" || s.saver == nil {
			buf.WriteString(part.Raw)
			continue
		}

		url, err := s.saver.Save(ctx, src, cred)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.WarnContext(ctx, "attachment_upload_failed", slog.String("error", err.Error()))
			if s.opts.Metrics != nil {
				s.opts.Metrics.RecordError("completion", "upload")
			}
			buf.WriteString(part.Raw)
			continue
		}
		img, _ := sjson.SetBytes([]byte(`{"type":"image"}`), "image", url)
		buf.Write(img)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// imageSource returns the URL of an image_url part. Both the object and the
// bare string form are accepted.
func imageSource(part gjson.Result) string {
	if part.Get("type").String() != "image_url" {
		return ""
	}
	if u := part.Get("image_url.url"); u.Exists() {
		return u.String()
	}
	if u := part.Get("image_url"); u.Type == gjson.String {
		return u.String()
	}
	return ""
}
