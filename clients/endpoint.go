package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transfer-saga/guard"
	"transfer-saga/saga"

	"github.com/sethvargo/go-retry"
)

const maxResponseBody = 1 << 20

// Options é compartilhado por todos os clients.
type Options struct {
	Resolver   Resolver
	HTTPClient *http.Client
	Guard      *guard.Guard

	// Timeout por chamada (inclui retries de leitura). Padrão 5s.
	Timeout time.Duration
	// ReadRetries é quantas vezes uma leitura idempotente é repetida depois
	// de uma falha de transporte. 0 desliga.
	ReadRetries  int
	RetryBackoff time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Guard == nil {
		o.Guard = NewGuard(guard.NewRegistry(guard.DefaultConfig()))
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.ReadRetries < 0 {
		o.ReadRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewGuard cria um Guard que só conta como falha o que é falha da dependência
// (not found e 4xx são respostas válidas).
func NewGuard(reg *guard.Registry, opts ...guard.GuardOption) *guard.Guard {
	return guard.NewGuard(reg, append([]guard.GuardOption{guard.WithFailurePredicate(saga.IsDependencyFailure)}, opts...)...)
}

// remoteError é o corpo de erro padrão dos serviços.
type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// endpoint é o encanamento HTTP de uma dependência.
type endpoint struct {
	name string
	opts Options
}

func newEndpoint(name string, opts Options) endpoint {
	return endpoint{name: name, opts: opts.withDefaults()}
}

// do executa uma única requisição e normaliza a resposta.
func (e endpoint) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if e.opts.Resolver == nil {
		return saga.Unavailable(e.name, fmt.Errorf("%w: %s", ErrUnknownDependency, e.name))
	}
	base, err := e.opts.Resolver.Resolve(e.name)
	if err != nil {
		return saga.Unavailable(e.name, err)
	}

	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", e.name, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", e.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return saga.Unavailable(e.name, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s %s: %w", e.name, method, path, saga.ErrNotFound)
	case resp.StatusCode >= 400:
		return e.remoteError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	// corpo vazio é aceito (ex: 202 sem conteúdo)
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return saga.Unavailable(e.name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (e endpoint) remoteError(resp *http.Response) error {
	de := &saga.DependencyError{Dependency: e.name, Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body remoteError
	if err := json.Unmarshal(raw, &body); err == nil {
		de.Code = body.Code
		de.Message = body.Message
	} else if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 200 {
		de.Message = text
	}
	if de.Message == "" {
		de.Message = http.StatusText(resp.StatusCode)
	}
	return de
}

// retryable: só falha de transporte. Not found, respostas do serviço e
// breaker aberto não se repetem.
func retryable(err error) bool {
	var de *saga.DependencyError
	return errors.Is(err, saga.ErrUnavailable) && !errors.As(err, &de) && !errors.Is(err, guard.ErrBreakerOpen)
}

// read faz um GET idempotente protegido pelo Guard, com retries dentro do
// timeout da chamada.
func read[T any](ctx context.Context, e endpoint, path string, query url.Values, fallback func(error) (T, error)) (T, error) {
	return guard.Call(ctx, e.opts.Guard, e.name, e.opts.Timeout, func(ctx context.Context) (T, error) {
		var out T
		backoff := retry.WithMaxRetries(uint64(e.opts.ReadRetries), retry.NewConstant(e.opts.RetryBackoff))
		attempt := 0
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempt++
			var v T
			if err := e.do(ctx, http.MethodGet, path, query, nil, &v); err != nil {
				if retryable(err) && ctx.Err() == nil {
					e.opts.Logger.DebugContext(ctx, "retrying dependency read",
						"dependency", e.name, "path", path, "attempt", attempt, "error", err)
					return retry.RetryableError(err)
				}
				return err
			}
			out = v
			return nil
		})
		return out, err
	}, fallback)
}

// mutate faz uma chamada não idempotente: uma tentativa só.
func mutate[T any](ctx context.Context, e endpoint, method, path string, body any, fallback func(error) (T, error)) (T, error) {
	return guard.Call(ctx, e.opts.Guard, e.name, e.opts.Timeout, func(ctx context.Context) (T, error) {
		var out T
		err := e.do(ctx, method, path, nil, body, &out)
		return out, err
	}, fallback)
}

// reraise é o fallback de leituras de entidade e mutações: a causa vira
// indisponibilidade da dependência.
func reraise[T any](e endpoint, op string) func(error) (T, error) {
	return func(cause error) (T, error) {
		var zero T
		e.opts.Logger.Warn("dependency call failed, no fallback value",
			"dependency", e.name, "operation", op, "error", cause)
		return zero, saga.Unavailable(e.name, cause)
	}
}

// degrade é o fallback de leituras que toleram resultado vazio.
func degrade[T any](e endpoint, op string, empty T) func(error) (T, error) {
	return func(cause error) (T, error) {
		e.opts.Logger.Warn("dependency call failed, serving degraded result",
			"dependency", e.name, "operation", op, "error", cause)
		return empty, nil
	}
}
