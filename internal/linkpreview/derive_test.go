package linkpreview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
)

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func previewServer(t *testing.T, imageBody []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><meta property="og:image" content="%s/image.png"/></head></html>`, server.URL)
	})
	mux.HandleFunc("/image.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(imageBody)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func isJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8
}

func TestDeriveProducesJPEGAndThumbnail(t *testing.T) {
	server := previewServer(t, testPNG(t, 800, 600))
	deriver := NewDeriver(func() config.ImageAspect { return config.ImageAspectOriginal })

	img, thumb, err := deriver.Derive(context.Background(),
		"Nova vaga "+server.URL+"/page confira!")
	require.NoError(t, err)

	assert.True(t, isJPEG(img), "preview should be JPEG encoded")
	assert.True(t, isJPEG(thumb), "thumbnail should be JPEG encoded")
	assert.NotEmpty(t, img)
	assert.NotEmpty(t, thumb)
}

func TestDeriveSquareAspect(t *testing.T) {
	server := previewServer(t, testPNG(t, 800, 600))
	deriver := NewDeriver(func() config.ImageAspect { return config.ImageAspectSquare })

	img, _, err := deriver.Derive(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	assert.True(t, isJPEG(img))
}

func TestDeriveNoLinkInMessage(t *testing.T) {
	deriver := NewDeriver(func() config.ImageAspect { return config.ImageAspectOriginal })

	_, _, err := deriver.Derive(context.Background(), "message without a link")
	assert.ErrorIs(t, err, broadcast.ErrImageDerivation)
}

func TestDerivePageWithoutOGImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title>no preview here</title></head></html>")
	}))
	t.Cleanup(server.Close)

	deriver := NewDeriver(func() config.ImageAspect { return config.ImageAspectOriginal })
	_, _, err := deriver.Derive(context.Background(), server.URL)
	assert.ErrorIs(t, err, broadcast.ErrImageDerivation)
}

func TestDerivePageFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	deriver := NewDeriver(func() config.ImageAspect { return config.ImageAspectOriginal })
	_, _, err := deriver.Derive(context.Background(), server.URL)
	assert.ErrorIs(t, err, broadcast.ErrImageDerivation)
}

func TestDeriveBrokenImageData(t *testing.T) {
	server := previewServer(t, []byte("this is not an image"))

	deriver := NewDeriver(func() config.ImageAspect { return config.ImageAspectOriginal })
	_, _, err := deriver.Derive(context.Background(), server.URL+"/page")
	assert.ErrorIs(t, err, broadcast.ErrImageDerivation)
}
