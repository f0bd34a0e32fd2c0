package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/orchestrator"
)

const maxMediaN = 10

// MediaRequest is an image or video generation request.
type MediaRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	N         int    `json:"n"`
	Size      string `json:"size"`
	RequestID string `json:"-"`
}

// MediaResponse follows the OpenAI images response shape.
type MediaResponse struct {
	Created int64       `json:"created"`
	Data    []MediaItem `json:"data"`
}

type MediaItem struct {
	URL string `json:"url"`
}

// ParseMediaRequest validates an image or video generation body.
func ParseMediaRequest(body []byte) (MediaRequest, error) {
	var req MediaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return MediaRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return MediaRequest{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if req.N <= 0 {
		req.N = 1
	}
	if req.N > maxMediaN {
		return MediaRequest{}, fmt.Errorf("%w: n must be at most %d", ErrInvalidRequest, maxMediaN)
	}
	return req, nil
}

// GenerateImage runs a text-to-image task.
func (s *Service) GenerateImage(ctx context.Context, req MediaRequest) (*MediaResponse, error) {
	return s.generate(ctx, req, models.FeatureDraw)
}

// GenerateVideo runs a text-to-video task.
func (s *Service) GenerateVideo(ctx context.Context, req MediaRequest) (*MediaResponse, error) {
	return s.generate(ctx, req, models.FeatureVideo)
}

// generate drives one media task. The result URL is repeated n times; the
// backend produces a single asset per task.
func (s *Service) generate(ctx context.Context, req MediaRequest, feat models.Feature) (*MediaResponse, error) {
	base, _ := models.SplitFeature(req.Model)
	cfg := s.models.Resolve(ctx, base+string(feat))
	size := cfg.Size
	if req.Size != "" {
		size = req.Size
	}

	cred, err := s.creds.Acquire()
	if err != nil {
		return nil, err
	}

	msg, err := json.Marshal([]map[string]string{{"role": "user", "content": req.Prompt}})
	if err != nil {
		return nil, fmt.Errorf("completion: encode prompt: %w", err)
	}
	msgs, err := s.rewriteMessages(ctx, gjson.ParseBytes(msg), cfg, cred)
	if err != nil {
		return nil, err
	}
	body, err := s.buildBody(cfg, msgs, false, nil, size)
	if err != nil {
		return nil, err
	}

	res, err := s.exec.Execute(ctx, orchestrator.Call{
		Body:       body,
		Credential: &cred,
		RequestID:  req.RequestID,
		Model:      cfg.Requested,
	}, orchestrator.ModeSingle)
	if err != nil {
		return nil, err
	}

	tr, err := s.runTask(ctx, cfg, res, req.RequestID)
	if err != nil {
		return nil, err
	}
	out := &MediaResponse{Created: s.opts.Now().Unix(), Data: make([]MediaItem, req.N)}
	for i := range out.Data {
		out.Data[i].URL = tr.URL
	}
	return out, nil
}
