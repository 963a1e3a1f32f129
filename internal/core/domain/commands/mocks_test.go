package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
)

type MockTextSender struct {
	err     error
	Message string
}

func (m *MockTextSender) SendMessageReply(_ context.Context, _ *domain.Message, text string) (int, error) {
	m.Message = text
	return 0, m.err
}

func (m *MockTextSender) SendChatAction(_ context.Context, _ int64, _ domain.Action) {}

func (m *MockTextSender) NotifyAndReturnError(_ context.Context, err error, _ *domain.Message) error {
	m.Message = err.Error()
	if m.err != nil {
		return errors.Join(err, m.err)
	}
	return err
}

type MockImageSender struct {
	err   error
	Image []byte
}

func (m *MockImageSender) SendImageFileReply(_ context.Context, _ *domain.Message, file []byte) error {
	m.Image = file
	return m.err
}

type MockDownloader struct {
	files map[string][]byte
}

func (m *MockDownloader) Download(_ context.Context, url string) ([]byte, error) {
	data, ok := m.files[url]
	if !ok {
		return nil, fmt.Errorf("unexpected status code on download: 404")
	}
	return data, nil
}

// MockStaging keeps staged files in memory.
type MockStaging struct {
	mu      sync.Mutex
	files   map[int64]map[string][]byte
	removed int
}

func NewMockStaging() *MockStaging {
	return &MockStaging{files: make(map[int64]map[string][]byte)}
}

func (m *MockStaging) Save(chatID int64, data []byte, extension string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.files[chatID] == nil {
		m.files[chatID] = make(map[string][]byte)
	}
	name := fmt.Sprintf("%d%s", len(m.files[chatID]), extension)
	m.files[chatID][name] = data
	return name, nil
}

func (m *MockStaging) Read(chatID int64, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[chatID][name]
	if !ok {
		return nil, errors.New("temp file not found")
	}
	return data, nil
}

func (m *MockStaging) Remove(chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, chatID)
	m.removed++
	return nil
}

func (m *MockStaging) chats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// MockDispatcher finishes every task with the configured outcome. When release is set, Wait blocks until it is
// closed or ctx is done.
type MockDispatcher struct {
	mu sync.Mutex

	submitErr error
	submitted []domain.Request

	finalStatus domain.Status
	reason      string
	release     chan struct{}

	result    []byte
	cancelled []string
	cancelErr error
}

var _ port.Dispatcher = (*MockDispatcher)(nil)

func (m *MockDispatcher) Submit(_ context.Context, req domain.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return fmt.Sprintf("task-%d", len(m.submitted)), nil
}

func (m *MockDispatcher) Status(_ context.Context, _ string) (domain.Status, error) {
	return m.finalStatus, nil
}

func (m *MockDispatcher) Task(_ context.Context, id string) (*domain.Task, error) {
	return &domain.Task{ID: id, Status: m.finalStatus, Reason: m.reason}, nil
}

func (m *MockDispatcher) Result(_ context.Context, _ string) ([]byte, error) {
	if m.finalStatus != domain.StatusSuccess {
		return nil, domain.ErrNotReady
	}
	return m.result, nil
}

func (m *MockDispatcher) Wait(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	release := m.release
	m.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return &domain.Task{ID: id, Status: domain.StatusRunning}, fmt.Errorf("waiting for task %s: %w", id,
				ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &domain.Task{ID: id, Status: m.finalStatus, Reason: m.reason}, nil
}

func (m *MockDispatcher) Cancel(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	m.cancelled = append(m.cancelled, id)
	m.finalStatus = domain.StatusCancelled
	if m.release != nil {
		close(m.release)
		m.release = nil
	}
	return &domain.Task{ID: id, Status: domain.StatusRunning, CancelRequested: true}, nil
}

func (m *MockDispatcher) cancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

type MockRegistry struct {
	commands []string
}

func (m *MockRegistry) Register(port.Command) {}

func (m *MockRegistry) Get(string) (port.Command, error) {
	return nil, errors.New("command not found")
}

func (m *MockRegistry) ListCommands() []string {
	return m.commands
}
