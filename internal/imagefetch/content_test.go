package imagefetch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsImageType(t *testing.T) {
	t.Parallel()

	assert.True(t, IsImageType("image/png"))
	assert.True(t, IsImageType("IMAGE/JPEG"))
	assert.True(t, IsImageType(" image/svg+xml; charset=utf-8"))
	assert.False(t, IsImageType("text/html"))
	assert.False(t, IsImageType("application/octet-stream"))
	assert.False(t, IsImageType("application/image"))
	assert.False(t, IsImageType(""))
}

func TestSniffImage(t *testing.T) {
	t.Parallel()

	require.NoError(t, SniffImage("image/png", pngPixel))
	// The decoder is chosen from the bytes, not the header.
	require.NoError(t, SniffImage("image/jpeg", pngPixel))
	require.NoError(t, SniffImage("image/svg+xml", []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"/>`)))
	require.NoError(t, SniffImage("image/svg+xml; charset=utf-8", []byte(`<SVG></SVG>`)))

	assert.Error(t, SniffImage("image/png", nil))
	assert.Error(t, SniffImage("image/png", []byte("<html></html>")))
	assert.Error(t, SniffImage("image/svg+xml", []byte("<html></html>")))
	assert.Error(t, SniffImage("image/png", pngPixel[:12]))
}

func TestCheckContent(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckContent("image/png", []byte("anything"), false))
	require.NoError(t, CheckContent("image/png", pngPixel, true))

	err := CheckContent("text/html", pngPixel, false)
	require.Error(t, err)
	assert.Equal(t, KindNotAnImage, KindOf(err))
	assert.Equal(t, "URL does not point to an image", AsError(err).Message)

	err = CheckContent("image/png", []byte("garbage"), true)
	require.Error(t, err)
	assert.Equal(t, KindNotAnImage, KindOf(err))
	assert.Equal(t, "URL does not point to a valid image", AsError(err).Message)
}

func TestResponseContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultContentType, Response{}.ContentType())
	assert.Equal(t, DefaultContentType, Response{Headers: http.Header{}}.ContentType())
	assert.Equal(t, "image/webp", Response{Headers: http.Header{"Content-Type": {"image/webp"}}}.ContentType())

	assert.True(t, Response{Status: 200}.OK())
	assert.True(t, Response{Status: 299}.OK())
	assert.False(t, Response{Status: 304}.OK())
	assert.False(t, Response{Status: 199}.OK())
}
