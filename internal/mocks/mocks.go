package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Crawl() config.CrawlConfig {
	args := m.Called()
	return args.Get(0).(config.CrawlConfig)
}

func (m *MockConfig) Equivalence() config.EquivalenceConfig {
	args := m.Called()
	return args.Get(0).(config.EquivalenceConfig)
}

func (m *MockConfig) Output() config.OutputConfig {
	args := m.Called()
	return args.Get(0).(config.OutputConfig)
}

// --- Setters ---

func (m *MockConfig) SetCrawlSeedURL(u string) {
	m.Called(u)
}

func (m *MockConfig) SetOutputSnapshot(path string) {
	m.Called(path)
}

// -- Browser Mock --

// MockBrowser mocks schemas.Browser.
type MockBrowser struct {
	mock.Mock
}

var _ schemas.Browser = (*MockBrowser)(nil)

func (m *MockBrowser) GoToURL(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowser) CurrentDOM(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) FireEvent(ctx context.Context, id schemas.Identification, kind schemas.EventKind) error {
	return m.Called(ctx, id, kind).Error(0)
}

func (m *MockBrowser) FindElement(ctx context.Context, id schemas.Identification) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockBrowser) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Browser Factory Mock --

// MockBrowserFactory mocks schemas.BrowserFactory.
type MockBrowserFactory struct {
	mock.Mock
}

var _ schemas.BrowserFactory = (*MockBrowserFactory)(nil)

func (m *MockBrowserFactory) NewBrowser(ctx context.Context) (schemas.Browser, error) {
	args := m.Called(ctx)
	if b, ok := args.Get(0).(schemas.Browser); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}
