package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

const stsPath = "v1/files/getstsToken"

// STSRequest asks for temporary credentials to upload one file.
type STSRequest struct {
	Filename string `json:"filename"`
	Filesize int    `json:"filesize"`
	Filetype string `json:"filetype"`
}

// STSToken is a short-lived OSS credential scoped to a single object.
type STSToken struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SecurityToken   string `json:"security_token"`
	Region          string `json:"region"`
	Bucket          string `json:"bucketname"`
	FilePath        string `json:"file_path"`
	FileURL         string `json:"file_url"`
	FileID          string `json:"file_id"`
}

// STSToken requests upload credentials for req.
func (c *Client) STSToken(ctx context.Context, cred credentials.Credential, req STSRequest) (STSToken, error) {
	data, err := c.doJSON(ctx, "sts", http.MethodPost, stsPath, c.Headers(cred), req)
	if err != nil {
		return STSToken{}, err
	}

	raw := data
	if d := gjson.GetBytes(data, "data"); d.IsObject() {
		raw = []byte(d.Raw)
	}

	var tok STSToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return STSToken{}, fmt.Errorf("backend: sts: decode: %w", err)
	}
	if tok.AccessKeyID == "" || tok.Bucket == "" || tok.FilePath == "" {
		return STSToken{}, NewError("sts", http.StatusOK, data)
	}
	return tok, nil
}
