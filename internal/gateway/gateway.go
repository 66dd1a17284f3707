package gateway

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/model"
)

// OfflineResponse is the placeholder returned when no service key is
// configured. It parses as an empty amendment set so downstream stages
// degrade instead of failing.
const OfflineResponse = `{"amendments": []}`

const logStage = "MODEL"

// Error marks a failure that exhausted the gateway's retry budget.
type Error struct {
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: model %s: %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoker is the single entry point stages use to reach the
// text-generation service.
type Invoker interface {
	Invoke(ctx context.Context, prompt, modelName string) (string, error)
	Available() bool
}

// Gateway routes every model call through one choke point: rate limiting,
// offline short-circuit, and a single retry on the default model.
type Gateway struct {
	client       Client
	defaultModel string
	temperature  float64
	maxTokens    int64
	limiter      *rate.Limiter
	log          *model.RunLog
}

// New builds a gateway from configuration. An empty key yields an offline
// gateway whose Invoke always returns OfflineResponse.
func New(cfg config.GatewayConfig, log *model.RunLog) *Gateway {
	var client Client
	if cfg.Key != "" {
		client = NewClient(cfg.Key)
	}
	return NewWithClient(client, cfg, log)
}

// NewWithClient builds a gateway around an existing client. A nil client
// puts the gateway in offline mode.
func NewWithClient(client Client, cfg config.GatewayConfig, log *model.RunLog) *Gateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if log == nil {
		log = model.NewRunLog()
	}
	return &Gateway{
		client:       client,
		defaultModel: cfg.DefaultModel,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		limiter:      rate.NewLimiter(limit, 1),
		log:          log,
	}
}

// Available reports whether a backing service is configured.
func (g *Gateway) Available() bool {
	return g.client != nil
}

// Invoke sends one prompt to the named model and returns the raw text
// response. When the named model fails and differs from the default model,
// the call is retried exactly once on the default model; a second failure
// returns *Error. Offline gateways return OfflineResponse without error.
func (g *Gateway) Invoke(ctx context.Context, prompt, modelName string) (string, error) {
	if modelName == "" {
		modelName = g.defaultModel
	}

	if g.client == nil {
		g.log.Logf(logStage, "offline mode, returning placeholder for %s", modelName)
		return OfflineResponse, nil
	}

	text, err := g.call(ctx, prompt, modelName)
	if err == nil {
		return text, nil
	}

	if modelName == g.defaultModel {
		g.log.Logf(logStage, "call to %s failed: %v", modelName, err)
		return "", &Error{Model: modelName, Err: err}
	}

	g.log.Logf(logStage, "call to %s failed, retrying on %s: %v", modelName, g.defaultModel, err)
	text, err = g.call(ctx, prompt, g.defaultModel)
	if err != nil {
		return "", &Error{Model: g.defaultModel, Err: err}
	}
	return text, nil
}

func (g *Gateway) call(ctx context.Context, prompt, modelName string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "gateway: rate limit wait")
	}

	g.log.Logf(logStage, "invoking %s", modelName)

	temp := g.temperature
	resp, err := g.client.CreateMessage(ctx, MessageRequest{
		Model:       modelName,
		MaxTokens:   g.maxTokens,
		Temperature: &temp,
		Messages: []Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
