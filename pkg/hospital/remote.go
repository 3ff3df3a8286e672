package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/gateway/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// RemoteStore reads a hospital that runs its own hospital-service.
type RemoteStore struct {
	baseURL   string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
}

type RemoteOption func(*RemoteStore)

func WithRetry(attempts int, baseDelay time.Duration) RemoteOption {
	return func(r *RemoteStore) {
		r.attempts = attempts
		r.baseDelay = baseDelay
	}
}

// WithHTTPClient replaces the transport client. Tests pass httptest clients.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *RemoteStore) { r.client = client }
}

// WithClientCredentials authenticates with an OAuth2 client-credentials grant.
// Tokens are cached and refreshed by the oauth2 transport.
func WithClientCredentials(cfg clientcredentials.Config) RemoteOption {
	return func(r *RemoteStore) {
		base := r.client
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client := cfg.Client(ctx)
		client.Timeout = base.Timeout
		r.client = client
	}
}

// WithStaticToken sends a fixed bearer token.
func WithStaticToken(token string) RemoteOption {
	return func(r *RemoteStore) {
		if token == "" {
			return
		}
		r.client = &http.Client{
			Timeout: r.client.Timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
				Base:   r.client.Transport,
			},
		}
	}
}

func NewRemoteStore(baseURL string, opts ...RemoteOption) *RemoteStore {
	r := &RemoteStore{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    httpclient.New(30 * time.Second),
		attempts:  1,
		baseDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *RemoteStore) GetPatient(ctx context.Context, icNumber string) (*models.Patient, error) {
	var patient models.Patient
	if err := r.getJSON(ctx, patientPath(icNumber), &patient); err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *RemoteStore) GetRecordsByPatient(ctx context.Context, icNumber string) ([]models.MedicalRecord, error) {
	records := make([]models.MedicalRecord, 0)
	if err := r.getJSON(ctx, patientPath(icNumber)+"/records", &records); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return []models.MedicalRecord{}, nil
		}
		return nil, err
	}
	return records, nil
}

func (r *RemoteStore) GetActivePrescriptions(ctx context.Context, icNumber string) ([]models.Prescription, error) {
	prescriptions := make([]models.Prescription, 0)
	if err := r.getJSON(ctx, patientPath(icNumber)+"/prescriptions/active", &prescriptions); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return []models.Prescription{}, nil
		}
		return nil, err
	}
	return prescriptions, nil
}

func patientPath(icNumber string) string {
	return "/hospital/patients/" + url.PathEscape(icNumber)
}

func (r *RemoteStore) getJSON(ctx context.Context, path string, dst interface{}) error {
	endpoint := r.baseURL + path
	return httpclient.Retry(ctx, r.attempts, r.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return httpclient.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return httpclient.Permanent(ErrPatientNotFound)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &httpclient.StatusError{Method: http.MethodGet, URL: endpoint, StatusCode: resp.StatusCode}
		}
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return httpclient.Permanent(fmt.Errorf("decode %s: %w", endpoint, err))
		}
		return nil
	})
}
