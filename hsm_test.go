// hsm_test.go: Tests for HSM providers and HSM-backed key wrapping.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHSMProvider implements HSMProvider with per-key XOR pads standing in for
// device-resident keys.
type mockHSMProvider struct {
	name         string
	version      string
	capabilities []HSMCapability
	initialized  bool
	healthy      bool
	shouldFail   bool
	keys         map[string][]byte
	encrypts     int
	randomCalls  int
}

func newMockHSMProvider(name string, keyIDs ...string) *mockHSMProvider {
	m := &mockHSMProvider{
		name:         name,
		version:      "1.0.0",
		capabilities: []HSMCapability{CapabilityEncrypt, CapabilityDecrypt, CapabilityKeyWrapping, CapabilityKeyUnwrapping},
		healthy:      true,
		keys:         make(map[string][]byte),
	}
	for _, id := range keyIDs {
		pad := sha256.Sum256([]byte("pad:" + id))
		m.keys[id] = pad[:]
	}
	return m
}

func (m *mockHSMProvider) Name() string                  { return m.name }
func (m *mockHSMProvider) Version() string               { return m.version }
func (m *mockHSMProvider) Capabilities() []HSMCapability { return m.capabilities }

func (m *mockHSMProvider) Initialize(ctx context.Context, config map[string]interface{}) error {
	if m.shouldFail {
		return ErrHSMNotInitialized
	}
	m.initialized = true
	return nil
}

func (m *mockHSMProvider) Close() error {
	m.initialized = false
	return nil
}

func (m *mockHSMProvider) IsHealthy() bool {
	return m.healthy && m.initialized
}

func (m *mockHSMProvider) xor(ctx HSMOperationContext, data []byte) ([]byte, error) {
	if !m.initialized {
		return nil, ErrHSMNotInitialized
	}
	if err := ctx.Context.Err(); err != nil {
		return nil, err
	}
	pad, ok := m.keys[ctx.KeyID]
	if !ok {
		return nil, ErrHSMKeyNotFound
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ pad[i%len(pad)]
	}
	return out, nil
}

func (m *mockHSMProvider) Encrypt(ctx HSMOperationContext, plaintext []byte) ([]byte, error) {
	m.encrypts++
	sealed, err := m.xor(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	// Append a key-bound check byte so the wrong key is detected on decrypt.
	return append(sealed, m.keys[ctx.KeyID][0]), nil
}

func (m *mockHSMProvider) Decrypt(ctx HSMOperationContext, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrHSMOperationFailed
	}
	pad, ok := m.keys[ctx.KeyID]
	if ok && ciphertext[len(ciphertext)-1] != pad[0] {
		return nil, ErrHSMOperationFailed
	}
	return m.xor(ctx, ciphertext[:len(ciphertext)-1])
}

func (m *mockHSMProvider) GenerateRandom(ctx context.Context, length int) ([]byte, error) {
	if !m.initialized {
		return nil, ErrHSMNotInitialized
	}
	if length <= 0 {
		return nil, ErrHSMInvalidParameters
	}
	m.randomCalls++
	out := make([]byte, length)
	for i := range out {
		out[i] = byte(i*13 + m.randomCalls)
	}
	return out, nil
}

func newTestHSMManager(t *testing.T, providers ...*mockHSMProvider) *HSMManager {
	t.Helper()
	manager, err := NewHSMManager(nil, nil)
	require.NoError(t, err)
	for _, p := range providers {
		require.NoError(t, manager.RegisterProvider(p.name, p))
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestNewHSMManager(t *testing.T) {
	tests := []struct {
		name          string
		config        *HSMManagerConfig
		pluginManager *goplugins.Manager[HSMRequest, HSMResponse]
		wantTimeout   time.Duration
	}{
		{"nil config", nil, nil, defaultHSMTimeout},
		{"custom config", &HSMManagerConfig{DefaultProvider: "primary", OperationTimeout: 5 * time.Second}, nil, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewHSMManager(tt.config, tt.pluginManager)
			require.NoError(t, err)
			require.NotNil(t, manager)
			assert.Equal(t, tt.wantTimeout, manager.config.OperationTimeout)
			assert.Nil(t, manager.PluginManager())
		})
	}
}

func TestHSMManager_RegisterProvider(t *testing.T) {
	manager, err := NewHSMManager(nil, nil)
	require.NoError(t, err)

	failing := newMockHSMProvider("failing")
	failing.shouldFail = true

	tests := []struct {
		name         string
		providerName string
		provider     HSMProvider
		expectError  bool
	}{
		{"valid provider", "primary", newMockHSMProvider("primary"), false},
		{"nil provider", "nil", nil, true},
		{"failing provider", "failing", failing, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.RegisterProvider(tt.providerName, tt.provider)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.True(t, errors.Is(manager.RegisterProvider("nil", nil), ErrHSMInvalidParameters))
}

func TestHSMManager_GetProvider(t *testing.T) {
	primary := newMockHSMProvider("primary")
	secondary := newMockHSMProvider("secondary")
	manager := newTestHSMManager(t, primary, secondary)

	p, err := manager.GetProvider("")
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name(), "first registered provider is the default")

	p, err = manager.GetProvider("secondary")
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Name())

	_, err = manager.GetProvider("missing")
	assert.True(t, errors.Is(err, ErrHSMProviderNotFound))

	secondary.healthy = false
	_, err = manager.GetProvider("secondary")
	assert.True(t, errors.Is(err, ErrHSMHealthCheckFailed))
}

func TestHSMManager_ConfiguredDefault(t *testing.T) {
	manager, err := NewHSMManager(&HSMManagerConfig{DefaultProvider: "secondary"}, nil)
	require.NoError(t, err)
	require.NoError(t, manager.RegisterProvider("primary", newMockHSMProvider("primary")))
	require.NoError(t, manager.RegisterProvider("secondary", newMockHSMProvider("secondary")))

	p, err := manager.GetProvider("")
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Name())
}

func TestHSMManager_Close(t *testing.T) {
	primary := newMockHSMProvider("primary")
	manager, err := NewHSMManager(nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.RegisterProvider("primary", primary))

	require.NoError(t, manager.Close())
	assert.False(t, primary.initialized)

	_, err = manager.GetProvider("primary")
	assert.True(t, errors.Is(err, ErrHSMProviderNotFound))
}

func TestNewHSMDataCrypto(t *testing.T) {
	_, err := NewHSMDataCrypto(nil, nil, 0)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	provider := newMockHSMProvider("primary")
	require.NoError(t, provider.Initialize(context.Background(), nil))

	dc, err := NewHSMDataCrypto(nil, provider, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(28), dc.ExtraSize())
	assert.Equal(t, defaultHSMTimeout, dc.(*hsmDataCrypto).timeout)
}

func TestHSMDataCrypto_WrapUnwrap(t *testing.T) {
	provider := newMockHSMProvider("primary", "kek-1", "kek-2")
	manager := newTestHSMManager(t, provider)

	dc, err := manager.DataCrypto("", nil)
	require.NoError(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := dc.WrapKey(key, []byte("kek-1"))
	require.NoError(t, err)
	assert.Equal(t, hsmWrapMarker, wrapped[0])
	assert.NotContains(t, string(wrapped), string(key))

	unwrapped, err := dc.UnwrapKey(wrapped, []byte("kek-1"))
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	_, err = dc.UnwrapKey(wrapped, []byte("kek-2"))
	assert.True(t, errors.Is(err, ErrKeyUnwrap), "got %v", err)

	_, err = dc.UnwrapKey(wrapped, []byte("unknown"))
	assert.True(t, errors.Is(err, ErrKeyUnwrap), "got %v", err)
	assert.True(t, errors.Is(err, ErrHSMKeyNotFound), "got %v", err)

	_, err = dc.WrapKey(key, []byte("unknown"))
	assert.True(t, errors.Is(err, ErrKeyWrap))

	_, err = dc.WrapKey(key, nil)
	assert.True(t, errors.Is(err, ErrKeyWrap))
}

func TestHSMDataCrypto_RejectsPasswordWrappedKeys(t *testing.T) {
	provider := newMockHSMProvider("primary", "kek-1")
	manager := newTestHSMManager(t, provider)
	dc, err := manager.DataCrypto("primary", nil)
	require.NoError(t, err)

	plain := newTestDataCrypto(t, CipherAES256GCM, KDFHKDFSHA256)
	key, err := plain.GenerateKey()
	require.NoError(t, err)
	wrapped, err := plain.WrapKey(key, []byte("kek-1"))
	require.NoError(t, err)

	_, err = dc.UnwrapKey(wrapped, []byte("kek-1"))
	assert.True(t, errors.Is(err, ErrKeyUnwrap))
}

func TestHSMDataCrypto_UnhealthyProvider(t *testing.T) {
	provider := newMockHSMProvider("primary", "kek-1")
	manager := newTestHSMManager(t, provider)
	dc, err := manager.DataCrypto("", nil)
	require.NoError(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)
	wrapped, err := dc.WrapKey(key, []byte("kek-1"))
	require.NoError(t, err)

	provider.healthy = false
	_, err = dc.WrapKey(key, []byte("kek-1"))
	assert.True(t, errors.Is(err, ErrHSMHealthCheckFailed))
	_, err = dc.UnwrapKey(wrapped, []byte("kek-1"))
	assert.True(t, errors.Is(err, ErrKeyUnwrap))
	assert.True(t, errors.Is(err, ErrHSMHealthCheckFailed))

	_, err = manager.DataCrypto("", nil)
	assert.True(t, errors.Is(err, ErrHSMHealthCheckFailed))
}

func TestHSMDataCrypto_GenerateKeyUsesDeviceRNG(t *testing.T) {
	provider := newMockHSMProvider("primary", "kek-1")
	provider.capabilities = append(provider.capabilities, CapabilityRandomGeneration)
	manager := newTestHSMManager(t, provider)
	dc, err := manager.DataCrypto("", nil)
	require.NoError(t, err)

	key, err := dc.GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
	assert.Equal(t, 1, provider.randomCalls)

	withoutRNG := newMockHSMProvider("plain", "kek-1")
	require.NoError(t, withoutRNG.Initialize(context.Background(), nil))
	plainDC, err := NewHSMDataCrypto(nil, withoutRNG, time.Second)
	require.NoError(t, err)
	_, err = plainDC.GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, 0, withoutRNG.randomCalls)
}

func TestHSMDataCrypto_Engine(t *testing.T) {
	provider := newMockHSMProvider("primary", "kek-1", "kek-2")
	manager := newTestHSMManager(t, provider)
	dc, err := manager.DataCrypto("", nil)
	require.NoError(t, err)

	db := dbPath(t)
	page := testPage(4096, 'S')

	e := openEngineWith(t, db, []byte("kek-1"), false, &EngineOptions{DataCrypto: dc})
	_, err = e.EncryptPage(page, 4096, 1)
	require.NoError(t, err)
	require.NoError(t, e.Rekey([]byte("kek-2")))
	require.NoError(t, e.Close())

	_, err = NewEngineWithOptions(db, []byte("kek-1"), true, &EngineOptions{DataCrypto: dc})
	assert.True(t, errors.Is(err, ErrKeyUnwrap), "got %v", err)

	reopened := openEngineWith(t, db, []byte("kek-2"), true, &EngineOptions{DataCrypto: dc})
	header, err := reopened.DecryptFirstPageCache()
	require.NoError(t, err)
	assert.Equal(t, page, header)
}

// devicePlugin serves a mockHSMProvider over the go-plugins request/response types,
// the way a vendor driver behind a plugin transport would.
type devicePlugin struct {
	mu       sync.Mutex
	name     string
	device   *mockHSMProvider
	requests []string
}

func (p *devicePlugin) Info() goplugins.PluginInfo {
	caps := make([]string, 0, len(p.device.capabilities))
	for _, c := range p.device.capabilities {
		caps = append(caps, string(c))
	}
	return goplugins.PluginInfo{Name: p.name, Version: "2.1.0", Capabilities: caps}
}

func (p *devicePlugin) Execute(ctx context.Context, execCtx goplugins.ExecutionContext, req HSMRequest) (HSMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req.Operation)

	opCtx := req.Context
	opCtx.Context = ctx

	var (
		data []byte
		err  error
	)
	switch req.Operation {
	case HSMOperationEncrypt:
		data, err = p.device.Encrypt(opCtx, req.Data)
	case HSMOperationDecrypt:
		data, err = p.device.Decrypt(opCtx, req.Data)
	case HSMOperationRandom:
		data, err = p.device.GenerateRandom(ctx, req.Length)
	default:
		err = ErrHSMInvalidParameters
	}
	if err != nil {
		resp := HSMResponse{Error: err.Error()}
		var rich *goerrors.Error
		if errors.As(err, &rich) {
			resp.ErrorCode = string(rich.ErrorCode())
		}
		return resp, nil
	}
	return HSMResponse{Success: true, Data: data}, nil
}

func (p *devicePlugin) Health(ctx context.Context) goplugins.HealthStatus {
	if p.device.IsHealthy() {
		return goplugins.HealthStatus{Status: goplugins.StatusHealthy}
	}
	return goplugins.HealthStatus{Status: goplugins.StatusUnhealthy, Message: "device offline"}
}

func (p *devicePlugin) Close() error { return nil }

func (p *devicePlugin) operations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// newPluginHSMManager registers device behind a go-plugins manager under name.
func newPluginHSMManager(t *testing.T, name string, device *mockHSMProvider) (*HSMManager, *devicePlugin) {
	t.Helper()
	require.NoError(t, device.Initialize(context.Background(), nil))

	pm := goplugins.NewManager[HSMRequest, HSMResponse](slog.New(slog.NewTextHandler(io.Discard, nil)))
	plugin := &devicePlugin{name: name, device: device}
	require.NoError(t, pm.Register(plugin))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pm.Shutdown(ctx)
	})

	manager, err := NewHSMManager(&HSMManagerConfig{DefaultProvider: name, OperationTimeout: 2 * time.Second}, pm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	assert.Same(t, pm, manager.PluginManager())
	return manager, plugin
}

func TestHSMManager_PluginProvider(t *testing.T) {
	device := newMockHSMProvider("device", "kek-1")
	device.capabilities = append(device.capabilities, CapabilityRandomGeneration)
	manager, _ := newPluginHSMManager(t, "remote-hsm", device)

	provider, err := manager.GetProvider("")
	require.NoError(t, err)
	assert.Equal(t, "remote-hsm", provider.Name())
	assert.Equal(t, "2.1.0", provider.Version())
	assert.Contains(t, provider.Capabilities(), CapabilityRandomGeneration)
	assert.True(t, provider.IsHealthy())
	assert.NoError(t, provider.Initialize(context.Background(), nil))

	_, err = manager.GetProvider("missing")
	assert.True(t, errors.Is(err, ErrHSMProviderNotFound))

	device.healthy = false
	_, err = manager.GetProvider("remote-hsm")
	assert.True(t, errors.Is(err, ErrHSMHealthCheckFailed))
}

func TestHSMManager_InProcessProviderWinsOverPlugin(t *testing.T) {
	manager, plugin := newPluginHSMManager(t, "shared", newMockHSMProvider("device", "kek-1"))
	local := newMockHSMProvider("shared", "kek-1")
	require.NoError(t, manager.RegisterProvider("shared", local))

	provider, err := manager.GetProvider("shared")
	require.NoError(t, err)
	assert.Same(t, local, provider)
	assert.Empty(t, plugin.operations())
}

func TestHSMDataCrypto_ThroughPlugin(t *testing.T) {
	device := newMockHSMProvider("device", "kek-1", "kek-2")
	device.capabilities = append(device.capabilities, CapabilityRandomGeneration)
	manager, plugin := newPluginHSMManager(t, "remote-hsm", device)

	dc, err := manager.DataCrypto("remote-hsm", nil)
	require.NoError(t, err)

	key, err := dc.GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
	assert.Equal(t, 1, device.randomCalls)

	wrapped, err := dc.WrapKey(key, []byte("kek-1"))
	require.NoError(t, err)
	assert.Equal(t, hsmWrapMarker, wrapped[0])
	assert.Equal(t, 1, device.encrypts)

	unwrapped, err := dc.UnwrapKey(wrapped, []byte("kek-1"))
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	_, err = dc.UnwrapKey(wrapped, []byte("unknown"))
	assert.True(t, errors.Is(err, ErrKeyUnwrap), "got %v", err)
	assert.True(t, errors.Is(err, ErrHSMKeyNotFound), "plugin error code must map back, got %v", err)

	_, err = dc.UnwrapKey(wrapped, []byte("kek-2"))
	assert.True(t, errors.Is(err, ErrHSMOperationFailed), "got %v", err)

	assert.Equal(t, []string{
		HSMOperationRandom, HSMOperationEncrypt, HSMOperationDecrypt, HSMOperationDecrypt, HSMOperationDecrypt,
	}, plugin.operations())
}

func TestHSMDataCrypto_EngineThroughPlugin(t *testing.T) {
	manager, _ := newPluginHSMManager(t, "remote-hsm", newMockHSMProvider("device", "kek-1", "kek-2"))
	dc, err := manager.DataCrypto("", nil)
	require.NoError(t, err)

	db := dbPath(t)
	page := testPage(4096, 'P')

	e := openEngineWith(t, db, []byte("kek-1"), false, &EngineOptions{DataCrypto: dc})
	_, err = e.EncryptPage(page, 4096, 1)
	require.NoError(t, err)
	require.NoError(t, e.Rekey([]byte("kek-2")))
	require.NoError(t, e.Close())

	reopened := openEngineWith(t, db, []byte("kek-2"), true, &EngineOptions{DataCrypto: dc})
	header, err := reopened.DecryptFirstPageCache()
	require.NoError(t, err)
	assert.Equal(t, page, header)
}

func TestPluginHSMProvider_GenerateRandomErrors(t *testing.T) {
	manager, _ := newPluginHSMManager(t, "remote-hsm", newMockHSMProvider("device"))
	provider, err := manager.GetProvider("remote-hsm")
	require.NoError(t, err)

	_, err = provider.GenerateRandom(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrHSMInvalidParameters))
}

func TestHSMErrorForCode(t *testing.T) {
	assert.Same(t, ErrHSMKeyNotFound, hsmErrorForCode("HSM_002"))
	assert.Nil(t, hsmErrorForCode("HSM_999"))
	assert.Nil(t, hsmErrorForCode(""))
}
