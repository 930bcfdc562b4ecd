package linkpreview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/sunshineplan/imgconv"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
)

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	ogImagePattern = regexp.MustCompile(`<meta\s+property="og:image"\s+content="([^"]+)"`)
)

const (
	maxPageBytes  = 2 << 20
	maxImageBytes = 10 << 20

	jpegQuality    = 50
	thumbnailWidth = 300
)

// Deriver builds a preview image for the first link found in a broadcast
// message by scraping the page's og:image tag and re-encoding the result.
type Deriver struct {
	client *http.Client
	aspect func() config.ImageAspect
}

// NewDeriver returns a Deriver that reads the target aspect from aspect on
// every call, so config changes apply to the next broadcast.
func NewDeriver(aspect func() config.ImageAspect) *Deriver {
	return &Deriver{
		client: &http.Client{Timeout: 15 * time.Second},
		aspect: aspect,
	}
}

// Derive extracts the first URL from text and returns the page's preview
// image re-encoded as JPEG, plus a smaller copy for the media thumbnail.
// All failures wrap broadcast.ErrImageDerivation so the dispatcher can fall
// back to forwarding.
func (d *Deriver) Derive(ctx context.Context, text string) (img, thumb []byte, err error) {
	pageURL := urlPattern.FindString(text)
	if pageURL == "" {
		return nil, nil, fmt.Errorf("%w: no link in message", broadcast.ErrImageDerivation)
	}

	page, err := d.fetch(ctx, pageURL, maxPageBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetch page: %v", broadcast.ErrImageDerivation, err)
	}

	match := ogImagePattern.FindSubmatch(page)
	if match == nil {
		return nil, nil, fmt.Errorf("%w: page has no og:image", broadcast.ErrImageDerivation)
	}

	raw, err := d.fetch(ctx, string(match[1]), maxImageBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetch image: %v", broadcast.ErrImageDerivation, err)
	}

	src, err := imgconv.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode image: %v", broadcast.ErrImageDerivation, err)
	}

	var resize *imgconv.ResizeOption
	if d.aspect() == config.ImageAspectSquare {
		resize = &imgconv.ResizeOption{Width: 300, Height: 300}
	} else {
		resize = &imgconv.ResizeOption{Width: 500, Height: 300}
	}

	img, err = encodeJPEG(imgconv.Resize(src, resize))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode image: %v", broadcast.ErrImageDerivation, err)
	}
	thumb, err = encodeJPEG(imgconv.Resize(src, &imgconv.ResizeOption{Width: thumbnailWidth}))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode thumbnail: %v", broadcast.ErrImageDerivation, err)
	}
	return img, thumb, nil
}

func (d *Deriver) fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func encodeJPEG(src image.Image) ([]byte, error) {
	var buf bytes.Buffer
	err := imgconv.Write(&buf, src, &imgconv.FormatOption{
		Format:       imgconv.JPEG,
		EncodeOption: []imgconv.EncodeOption{imgconv.Quality(jpegQuality)},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
