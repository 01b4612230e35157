package validation

import (
	"strings"
	"testing"

	"gizchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestNormalizeRatio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ratio   *float64
		want    float64
		wantErr bool
	}{
		{"Omitted", nil, 1.0, false},
		{"One Decimal", ptr(1.5), 1.5, false},
		{"Integer", ptr(2), 2.0, false},
		{"Smallest", ptr(0.1), 0.1, false},
		{"Largest", ptr(9.9), 9.9, false},
		{"Zero", ptr(0), 0, true},
		{"Negative", ptr(-1.5), 0, true},
		{"Two Decimals", ptr(1.25), 0, true},
		{"Too Large", ptr(10), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRatio(tt.ratio)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestValidateMessageBody(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateMessageBody("hello", 0))
	assert.Error(t, ValidateMessageBody("   ", 0))
	assert.NoError(t, ValidateMessageBody(strings.Repeat("é", 10), 10))
	assert.Error(t, ValidateMessageBody(strings.Repeat("é", 11), 10))
}

func TestValidateMessageType(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateMessageType(models.MessageSticker))
	assert.Error(t, ValidateMessageType(0))
	assert.Error(t, ValidateMessageType(7))
}

func TestValidateAttachmentURL(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateAttachmentURL(""))
	assert.NoError(t, ValidateAttachmentURL("https://cdn.example.com/a.webp"))
	assert.Error(t, ValidateAttachmentURL("/relative/path.png"))
	assert.Error(t, ValidateAttachmentURL("javascript:alert(1)"))
}
