package security

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Headers())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(BodyLimit(16))
	router.POST("/test", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(413, "too large")
			return
		}
		c.String(200, "ok")
	})

	small := httptest.NewRequest("POST", "/test", strings.NewReader("tiny"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, small)
	assert.Equal(t, 200, w.Code)

	big := httptest.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", 64)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, big)
	assert.Equal(t, 413, w.Code)
}

func TestValidateFetchURL(t *testing.T) {
	// Public IP literals avoid DNS lookups in the test environment.
	allowed := []string{
		"https://93.184.216.34/result.png",
		"http://203.0.113.10/video.mp4",
	}
	for _, u := range allowed {
		require.NoError(t, ValidateFetchURL(u), u)
	}

	blocked := []string{
		"ftp://example.com/file",
		"https://",
		"https://localhost/file",
		"https://127.0.0.1/file",
		"https://10.0.0.8/file",
		"https://192.168.1.1/file",
		"https://169.254.169.254/latest/meta-data",
		"https://0.0.0.0/file",
		"https://metadata.google.internal/computeMetadata",
		"not a url at all ://",
	}
	for _, u := range blocked {
		assert.Error(t, ValidateFetchURL(u), u)
	}
}
