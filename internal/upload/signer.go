package upload

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
)

const (
	ossDateFormat    = "20060102T150405Z"
	ossAlgorithm     = "OSS4-HMAC-SHA256"
	ossContentType   = "image/jpeg"
	ossUnsigned      = "UNSIGNED-PAYLOAD"
	ossSignedHeaders = "content-type;host;x-oss-content-sha256;x-oss-date;x-oss-security-token"
)

// ossHost is the virtual-hosted bucket endpoint for tok.
func ossHost(tok backend.STSToken) string {
	return tok.Bucket + "." + tok.Region + ".aliyuncs.com"
}

// ossRegion strips the "oss-" prefix the STS response carries.
func ossRegion(tok backend.STSToken) string {
	return strings.Replace(tok.Region, "oss-", "", 1)
}

func canonicalRequest(tok backend.STSToken, date string) string {
	headers := strings.Join([]string{
		"content-type:" + ossContentType,
		"host:" + ossHost(tok),
		"x-oss-content-sha256:" + ossUnsigned,
		"x-oss-date:" + date,
		"x-oss-security-token:" + tok.SecurityToken,
	}, "\n")

	return "PUT\n" +
		"/" + tok.FilePath + "\n" +
		"\n" +
		headers + "\n" +
		ossSignedHeaders + "\n" +
		ossUnsigned
}

func credentialScope(tok backend.STSToken, date string) string {
	return date[:8] + "/" + ossRegion(tok) + "/oss/aliyun_v4_request"
}

func stringToSign(tok backend.STSToken, date string) string {
	sum := sha256.Sum256([]byte(canonicalRequest(tok, date)))
	return ossAlgorithm + "\n" +
		date + "\n" +
		credentialScope(tok, date) + "\n" +
		hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}

// signature computes the OSS v4 request signature for a PUT of tok.FilePath
// at date (formatted as ossDateFormat).
func signature(tok backend.STSToken, date string) string {
	kDate := hmacSHA256([]byte("aliyun_v4"+tok.AccessKeySecret), date[:8])
	kRegion := hmacSHA256(kDate, ossRegion(tok))
	kService := hmacSHA256(kRegion, "oss")
	kSigning := hmacSHA256(kService, "aliyun_v4_request")
	return hex.EncodeToString(hmacSHA256(kSigning, stringToSign(tok, date)))
}

// signPut returns the headers for an authenticated PUT of tok.FilePath.
func signPut(tok backend.STSToken, now time.Time) http.Header {
	date := now.UTC().Format(ossDateFormat)

	h := make(http.Header)
	h.Set("Content-Type", ossContentType)
	h.Set("x-oss-content-sha256", ossUnsigned)
	h.Set("x-oss-date", date)
	h.Set("x-oss-security-token", tok.SecurityToken)
	h.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s,AdditionalHeaders=host,Signature=%s",
		ossAlgorithm, tok.AccessKeyID, credentialScope(tok, date), signature(tok, date)))
	return h
}
