// hsm_plugin.go: HSM providers served by go-plugins instead of in-process code.
//
// An HSM vendor ships its driver as a go-plugins plugin speaking HSMRequest and
// HSMResponse over any go-plugins transport (gRPC, HTTP, Unix socket). The
// HSMManager falls back to such a plugin when no in-process provider carries the
// requested name.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
	"github.com/google/uuid"
)

// Operations carried in HSMRequest.Operation.
const (
	HSMOperationEncrypt = "encrypt"
	HSMOperationDecrypt = "decrypt"
	HSMOperationRandom  = "random"
)

// hsmErrors are the failures a plugin can report by code in HSMResponse.ErrorCode.
var hsmErrors = []*goerrors.Error{
	ErrHSMNotInitialized,
	ErrHSMKeyNotFound,
	ErrHSMOperationFailed,
	ErrHSMProviderNotFound,
	ErrHSMHealthCheckFailed,
	ErrHSMInvalidParameters,
}

// hsmErrorForCode maps a plugin error code back to its HSM error, or nil.
func hsmErrorForCode(code string) error {
	for _, known := range hsmErrors {
		if string(known.ErrorCode()) == code {
			return known
		}
	}
	return nil
}

// pluginHSMProvider adapts a go-plugins plugin to HSMProvider. The plugin manager
// owns the plugin lifecycle, so Initialize only checks registration and Close does
// nothing.
type pluginHSMProvider struct {
	name    string
	manager *goplugins.Manager[HSMRequest, HSMResponse]
	timeout time.Duration
}

func newPluginHSMProvider(name string, manager *goplugins.Manager[HSMRequest, HSMResponse], timeout time.Duration) *pluginHSMProvider {
	if timeout <= 0 {
		timeout = defaultHSMTimeout
	}
	return &pluginHSMProvider{name: name, manager: manager, timeout: timeout}
}

func (p *pluginHSMProvider) plugin() (goplugins.Plugin[HSMRequest, HSMResponse], error) {
	plugin, err := p.manager.GetPlugin(p.name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHSMProviderNotFound, err)
	}
	return plugin, nil
}

func (p *pluginHSMProvider) Name() string { return p.name }

func (p *pluginHSMProvider) Version() string {
	plugin, err := p.plugin()
	if err != nil {
		return ""
	}
	return plugin.Info().Version
}

func (p *pluginHSMProvider) Capabilities() []HSMCapability {
	plugin, err := p.plugin()
	if err != nil {
		return nil
	}
	names := plugin.Info().Capabilities
	caps := make([]HSMCapability, 0, len(names))
	for _, name := range names {
		caps = append(caps, HSMCapability(name))
	}
	return caps
}

func (p *pluginHSMProvider) Initialize(ctx context.Context, config map[string]interface{}) error {
	_, err := p.plugin()
	return err
}

func (p *pluginHSMProvider) Close() error { return nil }

func (p *pluginHSMProvider) IsHealthy() bool {
	plugin, err := p.plugin()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return plugin.Health(ctx).Status == goplugins.StatusHealthy
}

// execute sends one request through the plugin manager and unpacks the response.
func (p *pluginHSMProvider) execute(ctx context.Context, req HSMRequest) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	execCtx := goplugins.ExecutionContext{
		RequestID: uuid.New().String(),
		Timeout:   p.timeout,
		Metadata: map[string]string{
			"operation": req.Operation,
			"key_id":    req.Context.KeyID,
		},
	}

	resp, err := p.manager.ExecuteWithOptions(ctx, p.name, execCtx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHSMOperationFailed, err)
	}
	if !resp.Success {
		if known := hsmErrorForCode(resp.ErrorCode); known != nil {
			return nil, fmt.Errorf("%w: %s", known, resp.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrHSMOperationFailed, resp.Error)
	}
	return resp.Data, nil
}

func (p *pluginHSMProvider) Encrypt(ctx HSMOperationContext, plaintext []byte) ([]byte, error) {
	return p.execute(ctx.Context, HSMRequest{Operation: HSMOperationEncrypt, Context: ctx, Data: plaintext})
}

func (p *pluginHSMProvider) Decrypt(ctx HSMOperationContext, ciphertext []byte) ([]byte, error) {
	return p.execute(ctx.Context, HSMRequest{Operation: HSMOperationDecrypt, Context: ctx, Data: ciphertext})
}

func (p *pluginHSMProvider) GenerateRandom(ctx context.Context, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: random length must be positive", ErrHSMInvalidParameters)
	}
	out, err := p.execute(ctx, HSMRequest{Operation: HSMOperationRandom, Length: length})
	if err != nil {
		return nil, err
	}
	if len(out) != length {
		Zeroize(out)
		return nil, fmt.Errorf("%w: plugin returned %d random bytes, want %d", ErrHSMOperationFailed, len(out), length)
	}
	return out, nil
}
