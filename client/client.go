package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

const maxErrorMessage = 256

// HTTPGateway performs the purchase and verify calls against the licensing service.
type HTTPGateway struct {
	serverURL  string
	httpClient *http.Client
	language   string
	log        *logrus.Entry
}

type Option func(*HTTPGateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGateway) {
		g.httpClient = c
	}
}

// WithLanguage sets the Accept-Language sent with every request.
func WithLanguage(lang string) Option {
	return func(g *HTTPGateway) {
		g.language = lang
	}
}

func WithTimeout(d time.Duration) Option {
	return func(g *HTTPGateway) {
		g.httpClient.Timeout = d
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(g *HTTPGateway) {
		if log != nil {
			g.log = log
		}
	}
}

// NewHTTPGateway returns a gateway for serverURL. When cert is not empty the server
// certificate must chain to it; otherwise the system pool is used.
func NewHTTPGateway(serverURL string, cert string, opts ...Option) (*HTTPGateway, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid server URL %q", serverURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cert != "" {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM([]byte(cert)) {
			return nil, errors.New("couldn't parse CA certificate")
		}

		transport.TLSClientConfig = &tls.Config{
			RootCAs: caCertPool,
		}
	}

	g := &HTTPGateway{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Transport: transport},
		log:        logrus.WithField("component", "gateway"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

type payRequest struct {
	Device string `json:"device"`
}

type verifyRequest struct {
	PackageName string `json:"package_name"`
	Device      string `json:"device"`
}

// Purchase requests licenseID for the account.
func (g *HTTPGateway) Purchase(ctx context.Context, account lcs.AccountContext, licenseID string) lcs.ApiOutcome[lcs.PurchaseResponse] {
	path := "/v1/license/" + url.PathEscape(licenseID) + "/pay/"

	res, err := g.post(ctx, account, path, payRequest{Device: account.DeviceID})
	if err != nil {
		return lcs.TransportException[lcs.PurchaseResponse](err)
	}

	if !res.ok() {
		return lcs.BusinessError[lcs.PurchaseResponse](res.code(), res.errorMessage())
	}

	payload, err := lcs.DecodePurchaseResponse(res.body)
	if err != nil {
		return lcs.TransportException[lcs.PurchaseResponse](err)
	}

	return lcs.Success(payload, res.headers())
}

// Verify asks whether the account already owns a license for packageID.
func (g *HTTPGateway) Verify(ctx context.Context, account lcs.AccountContext, packageID string) lcs.ApiOutcome[lcs.VerificationResult] {
	res, err := g.post(ctx, account, "/v1/license/verify/", verifyRequest{PackageName: packageID, Device: account.DeviceID})
	if err != nil {
		return lcs.TransportException[lcs.VerificationResult](err)
	}

	if !res.ok() {
		return lcs.BusinessError[lcs.VerificationResult](res.code(), res.errorMessage())
	}

	payload, err := lcs.DecodeVerificationResult(res.body)
	if err != nil {
		return lcs.TransportException[lcs.VerificationResult](err)
	}

	return lcs.Success(payload, res.headers())
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (g *HTTPGateway) post(ctx context.Context, account lcs.AccountContext, path string, body interface{}) (*response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't marshal request")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't build request")
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+account.AccessToken)
	if g.language != "" {
		request.Header.Set("Accept-Language", g.language)
	}

	log := g.log.WithField("path", path)
	start := time.Now()

	resp, err := g.httpClient.Do(request)
	if err != nil {
		log.WithError(err).Warn("Request failed")
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read response body")
	}

	log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Request completed")

	return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r *response) code() *int {
	code := r.status
	return &code
}

func (r *response) headers() map[string]string {
	headers := make(map[string]string, len(r.header))
	for k := range r.header {
		headers[k] = r.header.Get(k)
	}
	return headers
}

// errorMessage extracts the server's reason from an error body, falling back to the
// status text.
func (r *response) errorMessage() string {
	var res map[string]interface{}
	if err := json.Unmarshal(r.body, &res); err == nil {
		for _, key := range []string{"error", "detail", "message"} {
			if msg, ok := res[key].(string); ok && msg != "" {
				return msg
			}
		}
	}

	text := strings.TrimSpace(string(r.body))
	if text != "" && len(text) <= maxErrorMessage && !strings.HasPrefix(text, "{") {
		return text
	}

	if text := http.StatusText(r.status); text != "" {
		return text
	}

	return "unexpected status " + strconv.Itoa(r.status)
}
