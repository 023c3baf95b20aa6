package transcribe

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// HTTPTranscriber talks to the backend's chunk endpoint:
//
//	POST {base}/v1/transcriptions
//	{"consultationId": "...", "speaker": "doctor", "audio": "<base64>"}
//
// 200 returns the text pair, 204 means silence, 429 maps to quota
// exhaustion and everything 5xx (or transport-level failure) to
// unavailability.
type HTTPTranscriber struct {
	http *resty.Client
}

func NewHTTPTranscriber(baseURL string, timeout time.Duration) *HTTPTranscriber {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPTranscriber{http: c}
}

type chunkRequest struct {
	ConsultationID string `json:"consultationId"`
	Speaker        string `json:"speaker"`
	Audio          string `json:"audio"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, req Request) (*Result, error) {
	body := chunkRequest{
		ConsultationID: string(req.Consultation),
		Speaker:        req.Speaker.String(),
		Audio:          base64.StdEncoding.EncodeToString(req.Audio),
	}

	var out Result
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/v1/transcriptions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		if out.OriginalText == "" {
			return nil, nil
		}
		return &out, nil
	case resp.StatusCode() == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, ErrQuotaExhausted
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	default:
		log.Warn().Int("status", resp.StatusCode()).
			Str("module", "transcribe.http").
			Str("speaker", string(req.Speaker)).
			Msg("unexpected backend response")
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
}

var _ Transcriber = (*HTTPTranscriber)(nil)
