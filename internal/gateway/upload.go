// ABOUTME: Progress-reporting multipart upload with its own single 401 refresh-and-resend
// ABOUTME: No transparent retry; the body is reopened only for the authorization retry

package gateway

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/emberchat/ember-go/internal/creds"
	"github.com/emberchat/ember-go/internal/model"
)

// ProgressFunc receives cumulative bytes sent for one upload attempt.
type ProgressFunc func(sent, total int64)

// progressReader counts bytes as the multipart writer drains the body.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// Upload sends a file to a conversation. open is called once per attempt so
// the body can be replayed for the single authorization retry; onProgress
// may be nil. Uploads carry a bearer token like every other call.
func (g *Gateway) Upload(ctx context.Context, chatID int64, filename string, size int64, open func() (io.ReadCloser, error), onProgress ProgressFunc) (*model.Attachment, error) {
	token, err := g.creds.RefreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}

	resp, out, err := g.uploadOnce(ctx, token, chatID, filename, size, open, onProgress)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		g.logger.Debug("upload got 401, refreshing and retrying once")
		token, err = g.creds.ForceRefresh(ctx)
		if err != nil {
			g.broadcastUnauthorized(err, "refresh after upload 401 failed")
			return nil, err
		}
		resp, out, err = g.uploadOnce(ctx, token, chatID, filename, size, open, onProgress)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			g.broadcastUnauthorized(nil, "upload retry still unauthorized")
			return nil, creds.ErrUnauthorized
		}
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out, nil
}

func (g *Gateway) uploadOnce(ctx context.Context, token string, chatID int64, filename string, size int64, open func() (io.ReadCloser, error), onProgress ProgressFunc) (*resty.Response, *model.Attachment, error) {
	body, err := open()
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: open upload body: %w", err)
	}

	// The multipart body is built over a pipe and handed to resty as a plain
	// reader, so the transport streams it instead of buffering the whole
	// file in memory. Pipe writes block until the transport drains them,
	// which is what makes the progress counter track actual transfer.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer body.Close()
		err := func() error {
			if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, &progressReader{r: body, total: size, fn: onProgress}); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	var out model.Attachment
	resp, err := g.uploads.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", mw.FormDataContentType()).
		SetBody(pr).
		SetResult(&out).
		Post("/api/upload/")
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: upload: %w", err)
	}
	return resp, &out, nil
}
