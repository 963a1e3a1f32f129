package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"nstbot/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func styleMessage(text string) *domain.Message {
	return &domain.Message{
		ID:            1,
		ChatID:        10,
		Text:          text,
		ImageURL:      "https://files/content.jpg",
		ReplyImageURL: "https://files/style.jpg",
	}
}

func newDownloader() *MockDownloader {
	return &MockDownloader{files: map[string][]byte{
		"https://files/content.jpg": []byte("content"),
		"https://files/style.jpg":   []byte("style"),
	}}
}

func TestNewStyleHandler(t *testing.T) {
	h := NewStyleHandler(&MockDispatcher{}, newDownloader(), NewMockStaging(), &MockTextSender{},
		&MockImageSender{}, "/style")

	assert.NotNil(t, h)
	assert.Equal(t, "/style", h.GetCommand())
}

func TestParseStyleArgs(t *testing.T) {
	tests := []struct {
		args         string
		wantAlg      domain.Algorithm
		wantStrength int
		wantErr      bool
	}{
		{args: "", wantAlg: domain.AdaIN, wantStrength: 3},
		{args: "gatys", wantAlg: domain.Gatys, wantStrength: 3},
		{args: "5", wantAlg: domain.AdaIN, wantStrength: 5},
		{args: "1 gatys", wantAlg: domain.Gatys, wantStrength: 1},
		{args: "ADAIN 2", wantAlg: domain.AdaIN, wantStrength: 2},
		{args: "adain 6", wantErr: true},
		{args: "0", wantErr: true},
		{args: "cubism", wantErr: true},
		{args: "gatys adain", wantErr: true},
		{args: "2 3", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.args, func(t *testing.T) {
			alg, strength, err := parseStyleArgs(tc.args)
			if tc.wantErr {
				assert.EqualError(t, err, styleUsage)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantAlg, alg)
			assert.Equal(t, tc.wantStrength, strength)
		})
	}
}

func TestStyleRespondSuccessful(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusSuccess, result: []byte("stylized")}
	staging := NewMockStaging()
	ms := &MockImageSender{}
	ts := &MockTextSender{}

	h := NewStyleHandler(d, newDownloader(), staging, ts, ms, "/style")

	err := h.Respond(context.Background(), time.Minute, styleMessage("/style gatys 4"))
	require.NoError(t, err)

	assert.Equal(t, []byte("stylized"), ms.Image)
	require.Len(t, d.submitted, 1)
	assert.Equal(t, domain.Request{
		Content:   []byte("content"),
		Style:     []byte("style"),
		Strength:  4,
		Algorithm: domain.Gatys,
	}, d.submitted[0])

	assert.Zero(t, staging.chats(), "temp files are cleaned up")
	assert.Equal(t, 1, staging.removed)

	_, ok := h.Pending(10)
	assert.False(t, ok)
}

func TestStyleRespondUsageErrors(t *testing.T) {
	tests := []struct {
		name    string
		message *domain.Message
	}{
		{
			name:    "no style photo",
			message: &domain.Message{ChatID: 10, Text: "/style", ImageURL: "https://files/content.jpg"},
		},
		{
			name:    "no content photo",
			message: &domain.Message{ChatID: 10, Text: "/style", ReplyImageURL: "https://files/style.jpg"},
		},
		{
			name:    "strength out of range",
			message: styleMessage("/style 9"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &MockDispatcher{}
			ts := &MockTextSender{}
			h := NewStyleHandler(d, newDownloader(), NewMockStaging(), ts, &MockImageSender{}, "/style")

			err := h.Respond(context.Background(), time.Minute, tc.message)
			assert.NoError(t, err)

			assert.Equal(t, styleUsage, ts.Message)
			assert.Empty(t, d.submitted)
		})
	}
}

func TestStyleRespondTaskFailed(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusFailure, reason: domain.ReasonDecode}
	ms := &MockImageSender{}
	ts := &MockTextSender{}

	h := NewStyleHandler(d, newDownloader(), NewMockStaging(), ts, ms, "/style")

	err := h.Respond(context.Background(), time.Minute, styleMessage("/style"))
	assert.NoError(t, err)

	assert.Equal(t, domain.UserFailureText, ts.Message)
	assert.Nil(t, ms.Image)
}

func TestStyleRespondFailureNotificationFails(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusFailure, reason: domain.ReasonDiverged}
	ts := &MockTextSender{err: errors.New("mock error")}

	h := NewStyleHandler(d, newDownloader(), NewMockStaging(), ts, &MockImageSender{}, "/style")

	err := h.Respond(context.Background(), time.Minute, styleMessage("/style"))
	assert.ErrorIs(t, err, domain.ErrTaskFailed)
}

func TestStyleRespondSubmitErrors(t *testing.T) {
	tests := []struct {
		name      string
		submitErr error
		want      string
	}{
		{
			name:      "validation error is shown",
			submitErr: fmt.Errorf("%w: style image is empty", domain.ErrInvalidArgument),
			want:      "invalid argument: style image is empty",
		},
		{
			name:      "queue error is hidden",
			submitErr: fmt.Errorf("%w: breaker open", domain.ErrQueueUnavailable),
			want:      domain.UserFailureText,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &MockDispatcher{submitErr: tc.submitErr}
			ts := &MockTextSender{}
			h := NewStyleHandler(d, newDownloader(), NewMockStaging(), ts, &MockImageSender{}, "/style")

			_ = h.Respond(context.Background(), time.Minute, styleMessage("/style"))

			assert.Equal(t, tc.want, ts.Message)
		})
	}
}

func TestStyleRespondDownloadFailed(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusSuccess}
	ts := &MockTextSender{}
	staging := NewMockStaging()
	h := NewStyleHandler(d, &MockDownloader{}, staging, ts, &MockImageSender{}, "/style")

	err := h.Respond(context.Background(), time.Minute, styleMessage("/style"))
	assert.NoError(t, err)

	assert.Equal(t, domain.UserFailureText, ts.Message)
	assert.Empty(t, d.submitted)
	assert.Zero(t, staging.chats())
}

func TestStyleRespondTimeoutCancelsTask(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusRunning, release: make(chan struct{})}
	ts := &MockTextSender{}
	h := NewStyleHandler(d, newDownloader(), NewMockStaging(), ts, &MockImageSender{}, "/style")

	err := h.Respond(context.Background(), 50*time.Millisecond, styleMessage("/style"))
	assert.NoError(t, err)

	assert.Equal(t, domain.UserFailureText, ts.Message)
	assert.Equal(t, []string{"task-1"}, d.cancelledIDs())
}

func TestStyleRespondSendImageFailed(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusSuccess, result: []byte("stylized")}
	ms := &MockImageSender{err: errors.New("mock error")}
	h := NewStyleHandler(d, newDownloader(), NewMockStaging(), &MockTextSender{}, ms, "/style")

	err := h.Respond(context.Background(), time.Minute, styleMessage("/style"))
	assert.ErrorContains(t, err, "mock error")
}

func TestStyleRespondOneTaskPerChat(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusSuccess}
	ts := &MockTextSender{}
	h := NewStyleHandler(d, newDownloader(), NewMockStaging(), ts, &MockImageSender{}, "/style")

	require.True(t, h.claim(10))

	err := h.Respond(context.Background(), time.Minute, styleMessage("/style"))
	assert.NoError(t, err)

	assert.Equal(t, alreadyRunning, ts.Message)
	assert.Empty(t, d.submitted)
}

func TestCancelRunningStyleTask(t *testing.T) {
	d := &MockDispatcher{finalStatus: domain.StatusRunning, release: make(chan struct{})}
	styleSender := &MockTextSender{}
	h := NewStyleHandler(d, newDownloader(), NewMockStaging(), styleSender, &MockImageSender{}, "/style")

	cancelSender := &MockTextSender{}
	c := NewCancelHandler(h, d, cancelSender, "/cancel")
	assert.Equal(t, "/cancel", c.GetCommand())

	done := make(chan error, 1)
	go func() {
		done <- h.Respond(context.Background(), time.Minute, styleMessage("/style"))
	}()

	require.Eventually(t, func() bool {
		id, ok := h.Pending(10)
		return ok && id != ""
	}, time.Second, 5*time.Millisecond)

	err := c.Respond(context.Background(), time.Minute, &domain.Message{ChatID: 10, Text: "/cancel"})
	require.NoError(t, err)
	assert.Equal(t, "cancelling the style transfer", cancelSender.Message)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("style command did not return after cancel")
	}

	assert.Equal(t, "style transfer cancelled", styleSender.Message)
	assert.Equal(t, []string{"task-1"}, d.cancelledIDs())
}

func TestCancelRespond(t *testing.T) {
	tests := []struct {
		name      string
		pending   bool
		cancelErr error
		want      string
	}{
		{name: "nothing pending", want: "nothing to cancel"},
		{name: "already finished", pending: true, cancelErr: domain.ErrTaskFinished,
			want: "the style transfer already finished"},
		{name: "store error", pending: true, cancelErr: errors.New("disk full"),
			want: "could not cancel the style transfer"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &MockDispatcher{cancelErr: tc.cancelErr}
			h := NewStyleHandler(d, newDownloader(), NewMockStaging(), &MockTextSender{}, &MockImageSender{},
				"/style")
			if tc.pending {
				h.setPending(10, "task-9")
			}

			ts := &MockTextSender{}
			_ = NewCancelHandler(h, d, ts, "/cancel").Respond(context.Background(), time.Minute,
				&domain.Message{ChatID: 10})

			assert.Equal(t, tc.want, ts.Message)
		})
	}
}

func TestHelpRespond(t *testing.T) {
	ts := &MockTextSender{}
	h := NewHelpHandler(&MockRegistry{commands: []string{"/cancel", "/help", "/style"}}, ts, "/help")

	assert.Equal(t, "/help", h.GetCommand())
	require.NoError(t, h.Respond(context.Background(), time.Minute, &domain.Message{ChatID: 1}))

	assert.Contains(t, ts.Message, styleUsage)
	assert.Contains(t, ts.Message, "/cancel, /help, /style")
}

func TestHelpRespondSendFailed(t *testing.T) {
	ts := &MockTextSender{err: errors.New("mock error")}
	h := NewHelpHandler(&MockRegistry{}, ts, "/help")

	assert.Error(t, h.Respond(context.Background(), time.Minute, &domain.Message{ChatID: 1}))
}
