package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Received: one\r\n" +
	"Received: two\r\n" +
	"\r\n" +
	"line one\r\n" +
	"\r\n" +
	"line two\r\n" +
	"line three\r\n"

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1kb", 1024},
		{"25mb", 25 << 20},
		{"1g", 1 << 30},
		{"2 MB", 2 << 20},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseSize("lots")
	assert.Error(t, err)
}

func TestHashContentStable(t *testing.T) {
	a := HashContent([]byte("same bytes"))
	b := HashContent([]byte("same bytes"))
	c := HashContent([]byte("other bytes"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestExtractPathAddress(t *testing.T) {
	tests := map[string]string{
		"FROM:<alice@example.com>":          "alice@example.com",
		"FROM: <alice@example.com> SIZE=10": "alice@example.com",
		"TO:bob@example.com":                "bob@example.com",
		"FROM:<>":                           "",
		"TO:":                               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtractPathAddress(in), in)
	}
}

func TestMaskSensitive(t *testing.T) {
	sensitive := []string{"LOGIN", "PASS", "AUTHENTICATE"}
	assert.Equal(t, "a1 LOGIN alice [REDACTED]", MaskSensitive("a1 LOGIN alice secret", "LOGIN", sensitive...))
	assert.Equal(t, "PASS [REDACTED]", MaskSensitive("PASS secret", "PASS", sensitive...))
	assert.Equal(t, "a2 AUTHENTICATE PLAIN", MaskSensitive("a2 AUTHENTICATE PLAIN", "AUTHENTICATE", sensitive...))
	assert.Equal(t, "a3 SELECT INBOX", MaskSensitive("a3 SELECT INBOX", "SELECT", sensitive...))
}

func TestHeaderFieldsRequestOrder(t *testing.T) {
	got := string(HeaderFields([]byte(sampleMessage), []string{"subject", "FROM", "X-Missing"}))
	assert.Equal(t, "Subject: Hello\r\nFrom: Alice <alice@example.com>\r\n\r\n", got)

	got = string(HeaderFields([]byte(sampleMessage), []string{"Received"}))
	assert.Equal(t, "Received: one\r\nReceived: two\r\n\r\n", got)
}

func TestSplitMessage(t *testing.T) {
	hdr, body := SplitMessage([]byte(sampleMessage))
	assert.True(t, strings.HasSuffix(string(hdr), "Received: two\r\n\r\n"))
	assert.True(t, strings.HasPrefix(string(body), "line one"))

	hdr, body = SplitMessage([]byte("Subject: only\r\n"))
	assert.Equal(t, "Subject: only\r\n", string(hdr))
	assert.Empty(t, body)
}

func TestTopLinesSkipsBlankLinesInCount(t *testing.T) {
	got := string(TopLines([]byte(sampleMessage), 2))
	hdr, _ := SplitMessage([]byte(sampleMessage))
	assert.Equal(t, string(hdr)+"line one\r\n\r\nline two\r\n", got)

	assert.Equal(t, string(hdr), string(TopLines([]byte(sampleMessage), 0)))
}

func TestNormalizeCRLF(t *testing.T) {
	assert.Equal(t, "a\r\nb\r\n", string(NormalizeCRLF([]byte("a\nb\r\n"))))
	assert.Equal(t, "plain", string(NormalizeCRLF([]byte("plain"))))
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "ab", SanitizeUTF8("a\x00b"))
	assert.Equal(t, "ok", SanitizeUTF8("o\xffk"))
	assert.Equal(t, "héllo", SanitizeUTF8("héllo"))
}
