package processing

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ScreenshotParams configures a webpage capture. Exactly one of URL and
// HTML must be set.
type ScreenshotParams struct {
	Common
	URL               string            `json:"url,omitempty" validate:"required_without=HTML,excluded_with=HTML"`
	HTML              string            `json:"html,omitempty" validate:"required_without=URL"`
	ViewportWidth     int               `json:"viewport_width,omitempty" validate:"omitempty,min=1,max=10000"`
	ViewportHeight    int               `json:"viewport_height,omitempty" validate:"omitempty,min=1,max=10000"`
	FullPage          bool              `json:"full_page,omitempty"`
	Format            string            `json:"format,omitempty" validate:"omitempty,oneof=png jpeg"`
	Quality           *int              `json:"quality,omitempty" validate:"omitempty,min=0,max=100"`
	Delay             int               `json:"delay,omitempty" validate:"omitempty,min=0,max=60000"`
	DeviceScaleFactor float64           `json:"device_scale_factor,omitempty" validate:"omitempty,min=0.1"`
	UserAgent         string            `json:"user_agent,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	WaitForSelector   string            `json:"wait_for_selector,omitempty"`
	Selector          string            `json:"selector,omitempty"`
}

// Screenshot renders a page in headless Chrome and captures it
func (t *Toolkit) Screenshot(jc *JobContext) (*Result, error) {
	var p ScreenshotParams
	if err := jc.Bind(&p); err != nil {
		return nil, err
	}
	if (p.URL == "") == (p.HTML == "") {
		return nil, BadInput("exactly one of url and html is required")
	}
	if p.ViewportWidth == 0 {
		p.ViewportWidth = 1920
	}
	if p.ViewportHeight == 0 {
		p.ViewportHeight = 1080
	}
	if p.Format == "" {
		p.Format = "png"
	}
	if p.DeviceScaleFactor == 0 {
		p.DeviceScaleFactor = 1
	}
	quality := 80
	if p.Quality != nil {
		quality = *p.Quality
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(p.ViewportWidth, p.ViewportHeight),
	)
	if p.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(p.UserAgent))
	}
	if t.tools.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(t.tools.ChromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(jc.Context(), allocOpts...)
	defer cancelAlloc()
	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(ctx, captureTasks(p, quality, &buf)); err != nil {
		if jc.Context().Err() != nil {
			return nil, jc.Context().Err()
		}
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	// Element captures always come back as PNG
	if p.Selector != "" && p.Format == "jpeg" {
		converted, err := pngToJPEG(buf, quality)
		if err != nil {
			return nil, fmt.Errorf("failed to encode screenshot: %w", err)
		}
		buf = converted
	}

	output := jc.Scope.Path("screenshot." + p.Format)
	if err := os.WriteFile(output, buf, 0644); err != nil {
		return nil, fmt.Errorf("failed to save screenshot: %w", err)
	}
	jc.Log.Infof("Captured %d byte %s screenshot", len(buf), p.Format)
	return &Result{File: output}, nil
}

func captureTasks(p ScreenshotParams, quality int, buf *[]byte) chromedp.Tasks {
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(p.ViewportWidth), int64(p.ViewportHeight), chromedp.EmulateScale(p.DeviceScaleFactor)),
	}

	if len(p.Headers) > 0 {
		headers := make(network.Headers, len(p.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(headers))
	}

	if p.URL != "" {
		tasks = append(tasks, chromedp.Navigate(p.URL))
	} else {
		tasks = append(tasks,
			chromedp.Navigate("about:blank"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				tree, err := page.GetFrameTree().Do(ctx)
				if err != nil {
					return err
				}
				return page.SetDocumentContent(tree.Frame.ID, p.HTML).Do(ctx)
			}),
		)
	}
	tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))

	if p.WaitForSelector != "" {
		tasks = append(tasks, chromedp.WaitVisible(p.WaitForSelector, chromedp.ByQuery))
	}
	if p.Delay > 0 {
		tasks = append(tasks, chromedp.Sleep(time.Duration(p.Delay)*time.Millisecond))
	}

	switch {
	case p.Selector != "":
		tasks = append(tasks, chromedp.Screenshot(p.Selector, buf, chromedp.NodeVisible, chromedp.ByQuery))
	case p.FullPage:
		// FullScreenshot encodes PNG at quality 100 and JPEG below it
		q := quality
		if p.Format == "png" {
			q = 100
		} else if q >= 100 {
			q = 99
		}
		tasks = append(tasks, chromedp.FullScreenshot(buf, q))
	default:
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			capture := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
			if p.Format == "jpeg" {
				capture = page.CaptureScreenshot().
					WithFormat(page.CaptureScreenshotFormatJpeg).
					WithQuality(int64(quality))
			}
			var err error
			*buf, err = capture.Do(ctx)
			return err
		}))
	}
	return tasks
}

func pngToJPEG(data []byte, quality int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: max(quality, 1)}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
