package repo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// HTTPDispatcher triggers one remediation backend over HTTP. A 2xx answer
// carries the receipt; a 4xx answer is a refusal; anything else, including a
// transport failure, means the dispatch call could not be made.
type HTTPDispatcher struct {
	mechanism  models.RemediationMechanism
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPDispatcher builds a dispatcher for mechanism at endpoint.
func NewHTTPDispatcher(mechanism models.RemediationMechanism, endpoint, token string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		mechanism:  mechanism,
		endpoint:   strings.TrimSpace(endpoint),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Mechanism returns the backend family served by this dispatcher.
func (d *HTTPDispatcher) Mechanism() models.RemediationMechanism { return d.mechanism }

// Dispatch asks the backend to act on a resource. It never retries.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, resourceType string, params map[string]string) (models.DispatchReceipt, error) {
	if d == nil || d.endpoint == "" {
		return models.DispatchReceipt{}, fmt.Errorf("%s backend not configured", d.mechanismName())
	}

	payload := map[string]any{
		"mechanism":     string(d.mechanism),
		"resource_type": resourceType,
		"parameters":    params,
	}
	var response struct {
		Accepted    bool   `json:"accepted"`
		ReferenceID string `json:"reference_id"`
	}
	err := postJSON(ctx, d.httpClient, d.endpoint, d.token, payload, &response)
	var statusErr *StatusError
	switch {
	case err == nil:
		return models.DispatchReceipt{Accepted: response.Accepted, ReferenceID: response.ReferenceID}, nil
	case errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500:
		return models.DispatchReceipt{Accepted: false}, nil
	default:
		return models.DispatchReceipt{}, fmt.Errorf("dispatch %s: %w", d.mechanism, err)
	}
}

func (d *HTTPDispatcher) mechanismName() string {
	if d == nil {
		return "remediation"
	}
	return string(d.mechanism)
}

// RemediationEndpoints lists the three execution backends.
type RemediationEndpoints struct {
	InfrastructureApplyURL string
	AutomationDocumentURL  string
	FunctionInvocationURL  string
	Token                  string
	Timeout                time.Duration
}

// NewRemediationDispatchers returns one dispatcher per configured mechanism.
// Mechanisms without an endpoint are left out.
func NewRemediationDispatchers(cfg RemediationEndpoints) map[models.RemediationMechanism]*HTTPDispatcher {
	out := make(map[models.RemediationMechanism]*HTTPDispatcher, 3)
	add := func(m models.RemediationMechanism, endpoint string) {
		if strings.TrimSpace(endpoint) == "" {
			return
		}
		out[m] = NewHTTPDispatcher(m, endpoint, cfg.Token, cfg.Timeout)
	}
	add(models.MechanismInfrastructureApply, cfg.InfrastructureApplyURL)
	add(models.MechanismAutomationDocument, cfg.AutomationDocumentURL)
	add(models.MechanismFunctionInvocation, cfg.FunctionInvocationURL)
	return out
}
