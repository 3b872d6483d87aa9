// Package filestore 把上传的附件以 HTTP PUT 写入外部文件服务（DuFS 兼容）。
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"ghostrooms/internal/models"
	"ghostrooms/internal/service"

	"github.com/google/uuid"
)

var (
	ErrTooLarge  = errors.New("file exceeds size limit")
	ErrUpstream  = errors.New("file server rejected upload")
	unsafeChars  = regexp.MustCompile(`[^a-zA-Z0-9.-]`)
	defaultHTTP  = &http.Client{Timeout: 10 * time.Second}
	maxNameChars = 100
)

type Client struct {
	baseURL string
	maxSize int64
	http    *http.Client
}

// New 创建文件服务客户端；hc 为 nil 时使用 10 秒超时的默认客户端。
func New(baseURL string, maxSize int64, hc *http.Client) *Client {
	if hc == nil {
		hc = defaultHTTP
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize, http: hc}
}

// Upload 上传一个文件并返回可直接附加到消息上的附件元数据。
// 服务端文件名带随机前缀，避免覆盖同名文件。
func (c *Client) Upload(ctx context.Context, fileName, mimeType string, size int64, body io.Reader) (service.AttachmentInput, error) {
	if size > c.maxSize {
		return service.AttachmentInput{}, ErrTooLarge
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	target := c.baseURL + "/" + url.PathEscape(storedName(fileName))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, io.LimitReader(body, c.maxSize+1))
	if err != nil {
		return service.AttachmentInput{}, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", mimeType)
	resp, err := c.http.Do(req)
	if err != nil {
		return service.AttachmentInput{}, fmt.Errorf("put %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return service.AttachmentInput{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	return service.AttachmentInput{FileName: fileName, FileSize: size, MimeType: mimeType, URL: target}, nil
}

// MessageTypeFor 按 MIME 类型推断附件消息的类型。
func MessageTypeFor(mimeType string) models.MessageType {
	if strings.HasPrefix(mimeType, "image/") {
		return models.MessageImage
	}
	return models.MessageFile
}

func storedName(fileName string) string {
	safe := unsafeChars.ReplaceAllString(fileName, "_")
	if len(safe) > maxNameChars {
		safe = safe[len(safe)-maxNameChars:]
	}
	if safe == "" {
		safe = "file"
	}
	return uuid.NewString()[:8] + "-" + safe
}
