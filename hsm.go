// hsm.go: Data key wrapping through Hardware Security Module providers.
//
// Providers are plugged in through github.com/agilira/go-plugins. An HSM-backed
// DataCrypto keeps page encryption on the host and sends only the 32-byte data key
// to the device: the wrapping key bytes handed to the engine are read as the HSM key
// identifier, so rotating to another HSM key is an ordinary Rekey.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
)

// HSMCapability names a feature an HSM provider supports.
type HSMCapability string

const (
	CapabilityEncrypt          HSMCapability = "encrypt"
	CapabilityDecrypt          HSMCapability = "decrypt"
	CapabilityKeyWrapping      HSMCapability = "key_wrapping"
	CapabilityKeyUnwrapping    HSMCapability = "key_unwrapping"
	CapabilityRandomGeneration HSMCapability = "random_generation" // hardware RNG
)

// HSMOperationContext carries the target key and cancellation for one HSM call.
type HSMOperationContext struct {
	Context   context.Context   `json:"-"`
	KeyID     string            `json:"key_id"`
	Algorithm string            `json:"algorithm"`
	Metadata  map[string]string `json:"metadata"`
}

// HSMProvider is implemented by HSM plugins.
type HSMProvider interface {
	Name() string
	Version() string
	Capabilities() []HSMCapability

	Initialize(ctx context.Context, config map[string]interface{}) error
	Close() error
	IsHealthy() bool

	// Encrypt and Decrypt seal and open data under the key named by ctx.KeyID.
	// The key never leaves the device.
	Encrypt(ctx HSMOperationContext, plaintext []byte) ([]byte, error)
	Decrypt(ctx HSMOperationContext, ciphertext []byte) ([]byte, error)

	GenerateRandom(ctx context.Context, length int) ([]byte, error)
}

// HSMManager manages HSM providers using the go-plugins framework.
type HSMManager struct {
	mu              sync.RWMutex
	pluginManager   *goplugins.Manager[HSMRequest, HSMResponse]
	activeProviders map[string]HSMProvider
	defaultProvider string
	config          *HSMManagerConfig
}

// HSMManagerConfig configures an HSMManager.
type HSMManagerConfig struct {
	DefaultProvider  string                            `json:"default_provider" yaml:"default_provider"`
	ProviderConfigs  map[string]map[string]interface{} `json:"provider_configs" yaml:"provider_configs"`
	OperationTimeout time.Duration                     `json:"operation_timeout" yaml:"operation_timeout"`
}

// HSMRequest is the request type exchanged with out-of-process HSM plugins.
type HSMRequest struct {
	Operation string              `json:"operation"` // HSMOperationEncrypt, HSMOperationDecrypt or HSMOperationRandom
	Context   HSMOperationContext `json:"context"`
	Data      []byte              `json:"data"`
	Length    int                 `json:"length,omitempty"` // random bytes requested
}

// HSMResponse is the response type exchanged with out-of-process HSM plugins.
// ErrorCode may carry the code of one of the ErrHSM errors.
type HSMResponse struct {
	Success   bool   `json:"success"`
	Data      []byte `json:"data"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Common HSM errors with error codes for auditing
var (
	ErrHSMNotInitialized    = goerrors.New("HSM_001", "HSM provider not initialized")
	ErrHSMKeyNotFound       = goerrors.New("HSM_002", "Key not found in HSM")
	ErrHSMOperationFailed   = goerrors.New("HSM_003", "HSM operation failed")
	ErrHSMProviderNotFound  = goerrors.New("HSM_006", "HSM provider not found")
	ErrHSMHealthCheckFailed = goerrors.New("HSM_007", "HSM health check failed")
	ErrHSMInvalidParameters = goerrors.New("HSM_009", "Invalid operation parameters")
)

// defaultHSMTimeout bounds each wrap or unwrap round trip.
const defaultHSMTimeout = 10 * time.Second

// NewHSMManager creates a new HSM manager. pluginManager may be nil when every
// provider is registered in-process; otherwise plugins registered with it serve as
// providers under their plugin name. The caller keeps ownership of pluginManager.
func NewHSMManager(config *HSMManagerConfig, pluginManager *goplugins.Manager[HSMRequest, HSMResponse]) (*HSMManager, error) {
	if config == nil {
		config = &HSMManagerConfig{OperationTimeout: defaultHSMTimeout}
	}
	return &HSMManager{
		pluginManager:   pluginManager,
		activeProviders: make(map[string]HSMProvider),
		config:          config,
	}, nil
}

// PluginManager returns the go-plugins manager the HSM manager was built with.
func (h *HSMManager) PluginManager() *goplugins.Manager[HSMRequest, HSMResponse] {
	return h.pluginManager
}

// RegisterProvider initializes provider with its configuration and registers it.
func (h *HSMManager) RegisterProvider(name string, provider HSMProvider) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if provider == nil {
		return fmt.Errorf("%w: provider cannot be nil", ErrHSMInvalidParameters)
	}

	ctx := context.Background()
	if timeout := h.config.OperationTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := provider.Initialize(ctx, h.config.ProviderConfigs[name]); err != nil {
		return fmt.Errorf("failed to initialize HSM provider %s: %w", name, err)
	}

	h.activeProviders[name] = provider
	if h.defaultProvider == "" || h.config.DefaultProvider == name {
		h.defaultProvider = name
	}
	return nil
}

// GetProvider returns a healthy provider by name; an empty name selects the default.
// Names without an in-process provider are looked up in the plugin manager.
func (h *HSMManager) GetProvider(name string) (HSMProvider, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if name == "" {
		name = h.defaultProvider
	}
	if name == "" {
		name = h.config.DefaultProvider
	}
	provider, exists := h.activeProviders[name]
	if !exists && h.pluginManager != nil {
		if _, err := h.pluginManager.GetPlugin(name); err == nil {
			provider, exists = newPluginHSMProvider(name, h.pluginManager, h.config.OperationTimeout), true
		}
	}
	if !exists {
		return nil, fmt.Errorf("%w: provider %s", ErrHSMProviderNotFound, name)
	}
	if !provider.IsHealthy() {
		return nil, fmt.Errorf("%w: provider %s", ErrHSMHealthCheckFailed, name)
	}
	return provider, nil
}

// DataCrypto returns a capability that wraps data keys with the named provider and
// encrypts pages with base.
func (h *HSMManager) DataCrypto(providerName string, base DataCrypto) (DataCrypto, error) {
	provider, err := h.GetProvider(providerName)
	if err != nil {
		return nil, err
	}
	return NewHSMDataCrypto(base, provider, h.config.OperationTimeout)
}

// Close shuts down all HSM providers.
func (h *HSMManager) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, provider := range h.activeProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close HSM provider %s: %w", name, err))
		}
	}
	h.activeProviders = make(map[string]HSMProvider)
	h.defaultProvider = ""

	if len(errs) > 0 {
		return fmt.Errorf("failed to close some HSM providers: %v", errs)
	}
	return nil
}

// hsmWrapMarker tags HSM-wrapped keys so they are never confused with
// password-wrapped ones.
const hsmWrapMarker byte = 0xC1

// hsmWrapAlgorithm is passed to providers on every wrap and unwrap.
const hsmWrapAlgorithm = "pagecrypt-dek-wrap"

type hsmDataCrypto struct {
	DataCrypto // page encryption
	provider   HSMProvider
	timeout    time.Duration
}

// NewHSMDataCrypto returns a DataCrypto whose page operations come from base and whose
// data key wrapping runs inside provider. A nil base selects the default AES-256-GCM
// capability. A zero timeout selects 10s.
func NewHSMDataCrypto(base DataCrypto, provider HSMProvider, timeout time.Duration) (DataCrypto, error) {
	if provider == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeConfig, "HSM provider cannot be nil")
	}
	if base == nil {
		var err error
		if base, err = NewDataCrypto(nil); err != nil {
			return nil, err
		}
	}
	if timeout <= 0 {
		timeout = defaultHSMTimeout
	}
	return &hsmDataCrypto{DataCrypto: base, provider: provider, timeout: timeout}, nil
}

func (d *hsmDataCrypto) opContext(keyID []byte) (HSMOperationContext, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	return HSMOperationContext{
		Context:   ctx,
		KeyID:     string(keyID),
		Algorithm: hsmWrapAlgorithm,
	}, cancel
}

// GenerateKey draws the data key from the device RNG when the provider offers one.
func (d *hsmDataCrypto) GenerateKey() ([]byte, error) {
	if !slices.Contains(d.provider.Capabilities(), CapabilityRandomGeneration) {
		return d.DataCrypto.GenerateKey()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	key, err := d.provider.GenerateRandom(ctx, KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHSMOperationFailed, err)
	}
	if err := ValidateKey(key); err != nil {
		Zeroize(key)
		return nil, err
	}
	return key, nil
}

// WrapKey seals key under the HSM key whose identifier is hsmKeyID.
func (d *hsmDataCrypto) WrapKey(key, hsmKeyID []byte) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, wrapError(ErrKeyWrap, err, ErrCodeKeyWrap, "refusing to wrap malformed data key")
	}
	if len(hsmKeyID) == 0 {
		return nil, newError(ErrKeyWrap, ErrCodeKeyWrap, "HSM key identifier cannot be empty")
	}
	if !d.provider.IsHealthy() {
		return nil, fmt.Errorf("%w: %w: provider %s", ErrKeyWrap, ErrHSMHealthCheckFailed, d.provider.Name())
	}

	opCtx, cancel := d.opContext(hsmKeyID)
	defer cancel()

	sealed, err := d.provider.Encrypt(opCtx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: HSM failed to wrap data key: %w", ErrKeyWrap, err)
	}
	wrapped := make([]byte, 1+len(sealed))
	wrapped[0] = hsmWrapMarker
	copy(wrapped[1:], sealed)
	return wrapped, nil
}

// UnwrapKey recovers a key sealed by WrapKey.
func (d *hsmDataCrypto) UnwrapKey(wrapped, hsmKeyID []byte) ([]byte, error) {
	if len(hsmKeyID) == 0 {
		return nil, newError(ErrKeyUnwrap, ErrCodeKeyUnwrap, "HSM key identifier cannot be empty")
	}
	if len(wrapped) < 2 || wrapped[0] != hsmWrapMarker {
		return nil, newError(ErrKeyUnwrap, ErrCodeKeyUnwrap, "wrapped key was not produced by an HSM")
	}
	if !d.provider.IsHealthy() {
		return nil, fmt.Errorf("%w: %w: provider %s", ErrKeyUnwrap, ErrHSMHealthCheckFailed, d.provider.Name())
	}

	opCtx, cancel := d.opContext(hsmKeyID)
	defer cancel()

	key, err := d.provider.Decrypt(opCtx, wrapped[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: HSM failed to unwrap data key: %w", ErrKeyUnwrap, err)
	}
	if err := ValidateKey(key); err != nil {
		Zeroize(key)
		return nil, wrapError(ErrKeyUnwrap, err, ErrCodeKeyUnwrap, "HSM returned a malformed data key")
	}
	return key, nil
}
