package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chartbot/internal/automation"
	logx "chartbot/pkg/logx"
)

const maxErrorBody = 512

type Config struct {
	Endpoint string
	Token    string // sent as a bearer token when set; never logged
	Timeout  time.Duration
}

// HTTPProvider asks a remote analysis service for a signal.
type HTTPProvider struct {
	endpoint string
	token    string
	client   *http.Client
	log      logx.Logger
}

var _ automation.AnalysisProvider = (*HTTPProvider)(nil)

func NewHTTPProvider(cfg Config, log logx.Logger) (*HTTPProvider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("analysis endpoint is empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, errors.Newf("analysis endpoint %q must be http(s)", endpoint)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// The executor bounds each call with its own deadline; the client timeout is a backstop.
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPProvider{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.Token),
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

type request struct {
	TargetRef string `json:"target_ref"`
}

type response struct {
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	AnalysisID string   `json:"analysis_id"`
}

func (p *HTTPProvider) Analyze(ctx context.Context, targetRef string) (automation.Signal, error) {
	body, err := json.Marshal(request{TargetRef: targetRef})
	if err != nil {
		return automation.Signal{}, errors.Wrap(err, "encode analysis request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return automation.Signal{}, errors.Wrap(err, "build analysis request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return automation.Signal{}, errors.Wrapf(err, "analysis request for %q", targetRef)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return automation.Signal{}, errors.Newf("analysis service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return automation.Signal{}, errors.Wrap(err, "decode analysis response")
	}
	sig, err := out.signal()
	if err != nil {
		return automation.Signal{}, err
	}
	p.log.Debug("analysis received",
		logx.String("target", targetRef),
		logx.String("action", string(sig.Action)),
		logx.Int("confidence", sig.Confidence),
		logx.Duration("took", time.Since(start)))
	return sig, nil
}

func (r response) signal() (automation.Signal, error) {
	action, err := automation.ParseAction(r.Action)
	if err != nil {
		return automation.Signal{}, errors.Wrap(err, "analysis response")
	}
	if r.Confidence == nil {
		return automation.Signal{}, errors.New("analysis response: confidence missing")
	}
	sig := automation.Signal{
		Action:     action,
		Confidence: int(math.Round(*r.Confidence)),
		AnalysisID: strings.TrimSpace(r.AnalysisID),
	}
	if err := sig.Validate(); err != nil {
		return automation.Signal{}, errors.Wrap(err, "analysis response")
	}
	return sig, nil
}
