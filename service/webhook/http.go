package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/xerrors"
)

type httpService struct {
	client *http.Client
}

func NewHTTP(timeout time.Duration) IService {
	return &httpService{
		client: &http.Client{Timeout: timeout},
	}
}

func (svc *httpService) Get(ctx context.Context, url string, creds Credentials) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, xerrors.Errorf("building request: %w", err)
	}
	return svc.do(req, creds)
}

func (svc *httpService) Post(ctx context.Context, url string, creds Credentials, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, xerrors.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, xerrors.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return svc.do(req, creds)
}

func (svc *httpService) do(req *http.Request, creds Credentials) (int, error) {
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := svc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
