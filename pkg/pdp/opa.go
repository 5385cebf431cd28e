package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOPATimeout = 200 * time.Millisecond // §6.2 policy-call budget
	defaultOPAPath     = "/v1/data/agentbus/authz"
)

// OPAConfig configures the OPA HTTP adapter.
type OPAConfig struct {
	URL           string
	PolicyPath    string
	Timeout       time.Duration
	PolicyVersion string
}

// OPAPDP implements PolicyEvaluator against a remote OPA server. Strict
// fail-closed semantics: any error, timeout, or non-200 response is a deny,
// surfaced to the caller as an error so the processor can classify it as
// OPAConnectionError / PolicyEvaluationError per §6.2.
type OPAPDP struct {
	config OPAConfig
	client *http.Client
}

// NewOPAPDP creates an OPA-backed PDP.
func NewOPAPDP(cfg OPAConfig) *OPAPDP {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	return &OPAPDP{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type opaRequest struct {
	Input *opaInput `json:"input"`
}

type opaInput struct {
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons,omitempty"`
}

// Evaluate implements PolicyEvaluator.
func (o *OPAPDP) Evaluate(ctx context.Context, in *DecisionInput) (*Decision, error) {
	if in == nil {
		return nil, fmt.Errorf("pdp: nil decision input")
	}

	body := opaRequest{Input: &opaInput{
		Principal: in.Principal,
		Action:    in.Action,
		Resource:  in.Resource,
		Context:   in.Context,
		TenantID:  in.TenantID,
	}}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", errOPAConnection, err)
	}

	url := o.config.URL + o.config.PolicyPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", errOPAConnection, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errOPAConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", errOPAConnection, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", errPolicyEvaluation, err)
	}

	var opaResp opaResponse
	if err := json.Unmarshal(respBody, &opaResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", errPolicyEvaluation, err)
	}
	if opaResp.Result == nil {
		return nil, fmt.Errorf("%w: empty result", errPolicyEvaluation)
	}

	reasons := opaResp.Result.Reasons
	if len(reasons) == 0 {
		if opaResp.Result.Allow {
			reasons = []string{"ALLOW"}
		} else {
			reasons = []string{ReasonNoMatchingRule}
		}
	}

	d := &Decision{
		Allowed:       opaResp.Result.Allow,
		Reasons:       reasons,
		PolicyID:      in.PolicyID,
		PolicyVersion: o.config.PolicyVersion,
		EvaluatedAt:   time.Now().UTC(),
	}
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return nil, fmt.Errorf("pdp: hash decision: %w", err)
	}
	d.DecisionHash = hash
	return d, nil
}

// ActiveVersion implements PolicyEvaluator.
func (o *OPAPDP) ActiveVersion(ctx context.Context, policyID string) (string, error) {
	return o.config.PolicyVersion, nil
}

// List implements PolicyEvaluator. The OPA backend does not enumerate
// policies over HTTP in this minimal adapter.
func (o *OPAPDP) List(ctx context.Context, tenant string) ([]string, error) {
	return nil, nil
}
